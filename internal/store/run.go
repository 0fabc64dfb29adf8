package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the lifecycle state of a reconciliation run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final. Terminal runs are never
// transitioned again; re-invocations for the same key return the
// existing record unless a fresh attempt is explicitly requested.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Run is the persistent lifecycle record of one reconciliation attempt
// for a (run date, processor) pair. Rows are unique on that pair and
// are retained indefinitely for audit purposes.
type Run struct {
	ID                     string
	RunDate                time.Time
	ProcessorName          string
	Status                 RunStatus
	StartedAt              time.Time
	EndedAt                *time.Time
	ProcessorTxnCount      int
	InternalTxnCount       int
	MissingCount           int
	TotalDiscrepancyAmount decimal.Decimal
	ArtifactLocation       string
	ArtifactKind           string
	ErrorMessage           string
	CreatedBy              string
}

// ErrAlreadyReconciled is returned by BeginRun when a terminal run
// already exists for the key and no fresh attempt was requested. The
// existing run accompanies the error so callers can surface its result.
var ErrAlreadyReconciled = errors.New("run already reconciled for this date and processor")

// ErrInvalidTransition is returned when a terminal transition is
// attempted against a run that is not in the running state.
var ErrInvalidTransition = errors.New("run is not in a state that allows this transition")

// ErrAuditImmutable is returned when an audit row is modified after its
// grace window has elapsed.
var ErrAuditImmutable = errors.New("audit event is immutable after the grace window")

// PersistenceError wraps a fatal storage failure. Nothing from the
// failed operation is committed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// AuditWriteError signals that the audit trail could not be written.
// Audit existence is a precondition for any accepted state change, so
// the surrounding transaction must roll back.
type AuditWriteError struct {
	Action string
	Err    error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write failed for %s: %v", e.Action, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// AuditEvent mirrors one append-only audit_log row.
type AuditEvent struct {
	ID          string
	OccurredAt  time.Time
	Action      string
	EntityType  string
	EntityID    string
	BeforeState string
	AfterState  string
	PrevHash    string
	EntryHash   string
	CreatedBy   string
}
