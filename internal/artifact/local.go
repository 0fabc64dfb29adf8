package artifact

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const manifestSchema = `
	CREATE TABLE IF NOT EXISTS artifact_manifest (
		path         TEXT PRIMARY KEY,
		content_type TEXT NOT NULL,
		size_bytes   INTEGER NOT NULL,
		stored_at    TIMESTAMP NOT NULL,
		synced       INTEGER NOT NULL DEFAULT 0
	)`

// LocalStore is the fallback delivery tier: artifacts land under an
// allow-listed root directory and are recorded in a sqlite manifest so
// a later sweep can push them to the primary tier once it recovers.
type LocalStore struct {
	root string
	db   *sql.DB
}

// NewLocalStore opens (or creates) the fallback root and its manifest.
func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("fallback root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("fallback root: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(abs, "manifest.db"))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	if _, err := db.Exec(manifestSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init manifest: %w", err)
	}

	return &LocalStore{root: abs, db: db}, nil
}

// Put writes the artifact under the store root and records it in the
// manifest. Object names that would escape the root are rejected
// before anything touches the filesystem.
func (s *LocalStore) Put(ctx context.Context, a Artifact) (string, error) {
	path, err := s.resolve(a.Name)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("fallback mkdir: %w", err)
	}
	if err := os.WriteFile(path, a.Data, 0o640); err != nil {
		return "", fmt.Errorf("fallback write: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifact_manifest (path, content_type, size_bytes, stored_at, synced)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(path) DO UPDATE SET
			content_type = excluded.content_type,
			size_bytes = excluded.size_bytes,
			stored_at = excluded.stored_at,
			synced = 0`,
		path, a.ContentType, len(a.Data), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("manifest insert: %w", err)
	}

	return "file://" + path, nil
}

// ManifestEntry describes one fallback artifact awaiting sync to the
// primary tier. Name is the original object name relative to the store
// root, suitable for re-upload.
type ManifestEntry struct {
	Path        string
	Name        string
	ContentType string
}

// Unsynced lists artifacts written during an outage that have not yet
// reached the primary tier, oldest first.
func (s *LocalStore) Unsynced(ctx context.Context) ([]ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, content_type FROM artifact_manifest WHERE synced = 0 ORDER BY stored_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("manifest query: %w", err)
	}
	defer rows.Close()

	var entries []ManifestEntry
	for rows.Next() {
		var e ManifestEntry
		if err := rows.Scan(&e.Path, &e.ContentType); err != nil {
			return nil, fmt.Errorf("manifest scan: %w", err)
		}
		rel, err := filepath.Rel(s.root, e.Path)
		if err != nil {
			return nil, fmt.Errorf("manifest path %q outside root: %w", e.Path, err)
		}
		e.Name = filepath.ToSlash(rel)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkSynced records that a fallback artifact has reached the primary
// tier.
func (s *LocalStore) MarkSynced(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE artifact_manifest SET synced = 1 WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("manifest update: %w", err)
	}
	return nil
}

// Close releases the manifest database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// resolve maps an object name to an absolute path, confined to the
// store root. Absolute names and traversal segments are rejected.
func (s *LocalStore) resolve(name string) (string, error) {
	if name == "" {
		return "", &PermanentError{Err: fmt.Errorf("empty artifact name")}
	}
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", &PermanentError{Err: fmt.Errorf("artifact name %q escapes store root", name)}
	}
	path := filepath.Join(s.root, cleaned)
	if path != s.root && !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", &PermanentError{Err: fmt.Errorf("artifact name %q escapes store root", name)}
	}
	return path, nil
}
