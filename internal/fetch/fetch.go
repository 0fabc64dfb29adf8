package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/transaction"
)

// Source pulls the raw transaction feed for one (processor, date)
// pair. Implementations cover the processor settlement API and the
// internal ledger API; both hand raw records to the normalizer.
type Source interface {
	Fetch(ctx context.Context, processor string, runDate time.Time) ([]transaction.RawRecord, error)
}

// TransientError marks a fetch failure worth retrying: timeouts,
// connection resets, upstream 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a TransientError anywhere in
// its chain.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// maxFeedBytes bounds how much of an upstream response is read; a feed
// beyond this is misbehaving, not large.
const maxFeedBytes = 256 << 20

// HTTPSource fetches feeds over HTTP. The endpoint is expected to
// serve a JSON array of raw records at
// GET {base}/transactions?processor=<name>&date=<YYYY-MM-DD>.
type HTTPSource struct {
	base   string
	apiKey string
	client *http.Client
	log    *logrus.Entry
}

// NewHTTPSource builds a feed client against base. The timeout covers
// the whole request; expired timeouts surface as TransientError so the
// orchestrator can retry the pair.
func NewHTTPSource(base, apiKey string, timeout time.Duration, log *logrus.Entry) *HTTPSource {
	return &HTTPSource{
		base:   base,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, processor string, runDate time.Time) ([]transaction.RawRecord, error) {
	endpoint := fmt.Sprintf("%s/transactions?%s", s.base, url.Values{
		"processor": {processor},
		"date":      {runDate.Format("2006-01-02")},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyFetchError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientError{Err: fmt.Errorf("feed returned %s", resp.Status)}
	default:
		return nil, fmt.Errorf("feed returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read feed body: %w", err)}
	}

	var records []transaction.RawRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"processor": processor,
		"date":      runDate.Format("2006-01-02"),
		"records":   len(records),
	}).Debug("feed fetched")
	return records, nil
}

// classifyFetchError separates network-level failures (retryable) from
// request construction problems (not).
func classifyFetchError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Connection refused, reset, DNS hiccups.
		return &TransientError{Err: err}
	}
	return fmt.Errorf("feed request: %w", err)
}
