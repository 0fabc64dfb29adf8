package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the previous-hash value of the first entry in a chain.
var GenesisHash = strings.Repeat("0", 64)

// Entry is a single hash-chained audit record. Each entry commits to
// its predecessor, so any retroactive edit to the trail breaks the
// chain and is detectable.
type Entry struct {
	Timestamp    string `json:"timestamp"`
	Action       string `json:"action"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger computes the hash chain over a sequence of audit
// payloads. The persistence gateway feeds it one payload per
// state-changing operation and stores the resulting hashes alongside
// the audit rows.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
}

// NewChainLogger starts a fresh chain anchored at the genesis hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{previousHash: GenesisHash}
}

// Seed resumes a chain from the last persisted entry hash, so the chain
// survives process restarts instead of forking at every boot.
func (c *ChainLogger) Seed(lastHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lastHash != "" {
		c.previousHash = lastHash
	}
}

// Append chains a new entry onto the log and returns it.
func (c *ChainLogger) Append(action, payload string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Action:       action,
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry)
	c.previousHash = entry.Hash
	return entry
}

// VerifyChain reports whether entries form an unbroken, untampered
// chain. An empty slice is trivially valid.
func VerifyChain(entries []*Entry) bool {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return false
		}
		if entryHash(entry) != entry.Hash {
			return false
		}
	}
	return true
}

func entryHash(e *Entry) string {
	input := fmt.Sprintf("%s|%s|%s|%s", e.PreviousHash, e.Timestamp, e.Action, e.Payload)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
