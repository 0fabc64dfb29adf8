package artifact

import (
	"context"
	"errors"
	"fmt"
)

// Artifact is a finished report ready for delivery.
type Artifact struct {
	// Name is the object key, e.g. "2024-05-15/stripe/report.csv".
	Name        string
	ContentType string
	Data        []byte
}

// Kind identifies which tier of the delivery chain accepted an artifact.
type Kind string

const (
	KindPrimary  Kind = "primary"
	KindFallback Kind = "fallback"
	KindFailed   Kind = "failed"
)

// Location is the outcome of a delivery attempt.
type Location struct {
	Kind Kind
	URI  string
}

// Store persists one artifact and returns a URI for it.
type Store interface {
	Put(ctx context.Context, a Artifact) (string, error)
}

// PermanentError marks a delivery failure that retrying cannot fix,
// such as revoked credentials or a deleted bucket. The chain reacts by
// routing subsequent deliveries straight to the fallback tier.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a PermanentError anywhere in
// its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
