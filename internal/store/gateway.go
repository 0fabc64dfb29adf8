package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/recon"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/transaction"
	"github.com/Anthonyuketui/Fintech-renconcilliation/pkg/audit"
)

// Tx is the subset of pgx.Tx the gateway uses. pgx transactions satisfy
// it directly; tests substitute mocks.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DB is the connection-level surface the gateway needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (Tx, error)
}

type poolDB struct {
	pool *pgxpool.Pool
}

func (p poolDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}

func (p poolDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

func (p poolDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p poolDB) Begin(ctx context.Context) (Tx, error) {
	return p.pool.Begin(ctx)
}

// WrapPool adapts a pgx pool to the gateway's DB interface.
func WrapPool(pool *pgxpool.Pool) DB {
	return poolDB{pool: pool}
}

// Gateway owns all writes to reconciliation_runs, missing_transactions
// and audit_log. Every state-changing operation appends one
// hash-chained audit event inside the same transaction as the business
// write; if the audit insert fails the business write rolls back.
type Gateway struct {
	db DB

	// chainMu guards chain from hash computation through commit. Without
	// it a concurrent operation could chain its committed entry onto a
	// hash whose transaction later rolls back, breaking the persisted
	// chain for good. See commitAudited.
	chainMu sync.Mutex
	chain   *audit.ChainLogger

	log         *logrus.Entry
	graceWindow time.Duration
	batchSize   int
	createdBy   string
	now         func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithGraceWindow overrides the audit-mutation grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(g *Gateway) { g.graceWindow = d }
}

// WithBatchSize bounds the number of missing-transaction rows queued
// per batch, keeping transaction duration bounded under large
// discrepancy volumes.
func WithBatchSize(n int) Option {
	return func(g *Gateway) { g.batchSize = n }
}

// WithCreatedBy overrides the actor recorded on rows this gateway writes.
func WithCreatedBy(actor string) Option {
	return func(g *Gateway) { g.createdBy = actor }
}

// NewGateway builds a persistence gateway over db.
func NewGateway(db DB, log *logrus.Entry, opts ...Option) *Gateway {
	g := &Gateway{
		db:          db,
		chain:       audit.NewChainLogger(),
		log:         log,
		graceWindow: 60 * time.Second,
		batchSize:   1000,
		createdBy:   "reconciliation_system",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Init resumes the audit hash chain from the last persisted entry so
// restarts extend the chain instead of forking it.
func (g *Gateway) Init(ctx context.Context) error {
	var lastHash string
	err := g.db.QueryRow(ctx,
		`SELECT entry_hash FROM audit_log ORDER BY occurred_at DESC, id DESC LIMIT 1`).Scan(&lastHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return &PersistenceError{Op: "init", Err: err}
	}
	g.chainMu.Lock()
	g.chain.Seed(lastHash)
	g.chainMu.Unlock()
	return nil
}

const selectRunForUpdate = `
	SELECT id, run_date, processor_name, status, started_at, ended_at,
	       processor_txn_count, internal_txn_count, missing_count,
	       total_discrepancy_amount, artifact_location, artifact_kind,
	       error_message, created_by
	FROM reconciliation_runs
	WHERE run_date = $1 AND processor_name = $2
	FOR UPDATE`

// BeginRun starts (or resumes) the run for a (date, processor) pair.
//
// The upsert is keyed on the pair's uniqueness constraint: a row in a
// non-terminal state is reused, which makes re-invocation after a crash
// safe. A terminal row is returned as-is with ErrAlreadyReconciled
// unless forceNew is set, in which case the record is reset for a fresh
// attempt. Every outcome that changes state appends an audit event in
// the same transaction.
func (g *Gateway) BeginRun(ctx context.Context, runDate time.Time, processor string, forceNew bool) (*Run, error) {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "begin_run", Err: err}
	}
	defer tx.Rollback(ctx)

	existing, err := scanRun(tx.QueryRow(ctx, selectRunForUpdate, runDate, processor))
	switch {
	case err == nil && existing.Status.Terminal() && !forceNew:
		// Prevent silent duplicate billing-relevant runs.
		return existing, ErrAlreadyReconciled

	case err == nil:
		action := "run_resumed"
		if existing.Status.Terminal() {
			action = "run_restarted"
		}
		before := *existing
		now := g.now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE reconciliation_runs
			SET status = $2, started_at = $3, ended_at = NULL,
			    processor_txn_count = 0, internal_txn_count = 0, missing_count = 0,
			    total_discrepancy_amount = 0, error_message = '', updated_at = $3
			WHERE id = $1`,
			existing.ID, StatusRunning, now)
		if err != nil {
			return nil, &PersistenceError{Op: "begin_run", Err: err}
		}
		existing.Status = StatusRunning
		existing.StartedAt = now
		existing.EndedAt = nil
		existing.ProcessorTxnCount = 0
		existing.InternalTxnCount = 0
		existing.MissingCount = 0
		existing.TotalDiscrepancyAmount = decimal.Zero
		existing.ErrorMessage = ""
		if err := g.commitAudited(ctx, tx, "begin_run", action, "reconciliation_run", existing.ID, &before, existing); err != nil {
			return nil, err
		}
		return existing, nil

	case errors.Is(err, pgx.ErrNoRows):
		run := &Run{
			ID:                     uuid.NewString(),
			RunDate:                runDate,
			ProcessorName:          processor,
			Status:                 StatusRunning,
			StartedAt:              g.now().UTC(),
			TotalDiscrepancyAmount: decimal.Zero,
			CreatedBy:              g.createdBy,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO reconciliation_runs
				(id, run_date, processor_name, status, started_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			run.ID, run.RunDate, run.ProcessorName, run.Status, run.StartedAt, run.CreatedBy)
		if err != nil {
			return nil, &PersistenceError{Op: "begin_run", Err: err}
		}
		if err := g.commitAudited(ctx, tx, "begin_run", "run_started", "reconciliation_run", run.ID, nil, run); err != nil {
			return nil, err
		}
		return run, nil

	default:
		return nil, &PersistenceError{Op: "begin_run", Err: err}
	}
}

// CompleteRun transitions a running run to completed and persists the
// missing-record set, atomically. The terminal fields, the bulk insert
// and the audit event commit as one transaction; a failure anywhere
// leaves the run in the running state with nothing partially written.
func (g *Gateway) CompleteRun(ctx context.Context, runID string, summary recon.Summary, missing []transaction.Transaction) error {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "complete_run", Err: err}
	}
	defer tx.Rollback(ctx)

	endedAt := g.now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE reconciliation_runs
		SET status = $2, ended_at = $3, processor_txn_count = $4,
		    internal_txn_count = $5, missing_count = $6,
		    total_discrepancy_amount = $7, updated_at = $3
		WHERE id = $1 AND status = $8`,
		runID, StatusCompleted, endedAt,
		summary.ProcessorTxnCount, summary.InternalTxnCount, summary.MissingCount,
		summary.TotalDiscrepancyAmount, StatusRunning)
	if err != nil {
		return &PersistenceError{Op: "complete_run", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}

	if err := g.insertMissingBatched(ctx, tx, runID, missing); err != nil {
		return err
	}

	after := map[string]any{
		"status":                   StatusCompleted,
		"processor":                summary.Processor,
		"run_date":                 summary.RunDate.Format("2006-01-02"),
		"missing_count":            summary.MissingCount,
		"total_discrepancy_amount": summary.TotalDiscrepancyAmount.String(),
		"total_volume_processed":   summary.TotalVolumeProcessed.String(),
	}
	if err := g.commitAudited(ctx, tx, "complete_run", "run_completed", "reconciliation_run", runID, map[string]any{"status": StatusRunning}, after); err != nil {
		return err
	}

	g.log.WithFields(logrus.Fields{
		"run_id":        runID,
		"processor":     summary.Processor,
		"missing_count": summary.MissingCount,
		"discrepancy":   summary.TotalDiscrepancyAmount.String(),
	}).Info("reconciliation result stored")
	return nil
}

// maxErrorMessageLen bounds stored failure messages.
const maxErrorMessageLen = 500

// FailRun transitions a running run to failed with a truncated error
// summary.
func (g *Gateway) FailRun(ctx context.Context, runID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorMessageLen {
		// Cut on a rune boundary; Postgres rejects invalid UTF-8.
		msg = strings.ToValidUTF8(msg[:maxErrorMessageLen], "")
	}

	tx, err := g.db.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "fail_run", Err: err}
	}
	defer tx.Rollback(ctx)

	endedAt := g.now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE reconciliation_runs
		SET status = $2, ended_at = $3, error_message = $4, updated_at = $3
		WHERE id = $1 AND status = $5`,
		runID, StatusFailed, endedAt, msg, StatusRunning)
	if err != nil {
		return &PersistenceError{Op: "fail_run", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}

	after := map[string]any{"status": StatusFailed, "error_message": msg}
	return g.commitAudited(ctx, tx, "fail_run", "run_failed", "reconciliation_run", runID, map[string]any{"status": StatusRunning}, after)
}

// RecordArtifact stores the delivered artifact's location and kind on
// the run record.
func (g *Gateway) RecordArtifact(ctx context.Context, runID, location, kind string) error {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "record_artifact", Err: err}
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE reconciliation_runs
		SET artifact_location = $2, artifact_kind = $3, updated_at = $4
		WHERE id = $1`,
		runID, location, kind, g.now().UTC())
	if err != nil {
		return &PersistenceError{Op: "record_artifact", Err: err}
	}

	after := map[string]any{"artifact_location": location, "artifact_kind": kind}
	return g.commitAudited(ctx, tx, "record_artifact", "artifact_recorded", "reconciliation_run", runID, nil, after)
}

// AnnotateAuditEvent attaches an operator note to an audit row. Allowed
// only inside the grace window; afterwards the row is immutable and
// ErrAuditImmutable is returned. The annotation lives outside the hash
// chain so the chain stays verifiable.
func (g *Gateway) AnnotateAuditEvent(ctx context.Context, eventID, note string) error {
	tag, err := g.db.Exec(ctx, `
		UPDATE audit_log
		SET annotation = $2
		WHERE id = $1 AND occurred_at > $3`,
		eventID, note, g.now().UTC().Add(-g.graceWindow))
	if err != nil {
		return &PersistenceError{Op: "annotate_audit_event", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrAuditImmutable
	}
	return nil
}

// HealthCheck verifies basic connectivity and table access.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	var one int
	if err := g.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return &PersistenceError{Op: "health_check", Err: err}
	}
	var count int
	if err := g.db.QueryRow(ctx, `SELECT COUNT(*) FROM reconciliation_runs`).Scan(&count); err != nil {
		return &PersistenceError{Op: "health_check", Err: err}
	}
	return nil
}

// RunHistory returns the most recent runs for a processor, newest
// first, for operator monitoring and trend review.
func (g *Gateway) RunHistory(ctx context.Context, processor string, days int) ([]Run, error) {
	since := g.now().UTC().AddDate(0, 0, -days)
	rows, err := g.db.Query(ctx, `
		SELECT id, run_date, processor_name, status, started_at, ended_at,
		       processor_txn_count, internal_txn_count, missing_count,
		       total_discrepancy_amount, artifact_location, artifact_kind,
		       error_message, created_by
		FROM reconciliation_runs
		WHERE processor_name = $1 AND run_date >= $2
		ORDER BY run_date DESC`,
		processor, since)
	if err != nil {
		return nil, &PersistenceError{Op: "run_history", Err: err}
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "run_history", Err: err}
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "run_history", Err: err}
	}
	return runs, nil
}

// AuditTrail returns the audit events recorded against one entity,
// oldest first.
func (g *Gateway) AuditTrail(ctx context.Context, entityType, entityID string) ([]AuditEvent, error) {
	rows, err := g.db.Query(ctx, `
		SELECT id, occurred_at, action, entity_type, entity_id, before_state,
		       after_state, prev_hash, entry_hash, created_by
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at ASC, id ASC`,
		entityType, entityID)
	if err != nil {
		return nil, &PersistenceError{Op: "audit_trail", Err: err}
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Action, &e.EntityType, &e.EntityID,
			&e.BeforeState, &e.AfterState, &e.PrevHash, &e.EntryHash, &e.CreatedBy); err != nil {
			return nil, &PersistenceError{Op: "audit_trail", Err: err}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "audit_trail", Err: err}
	}
	return events, nil
}

// VerifyAuditTrail re-derives the hash chain over the stored audit log
// and reports whether it is intact.
func (g *Gateway) VerifyAuditTrail(ctx context.Context) (bool, error) {
	rows, err := g.db.Query(ctx, `
		SELECT occurred_at, action, prev_hash, entry_hash, before_state, after_state, entity_type, entity_id
		FROM audit_log
		ORDER BY occurred_at ASC, id ASC`)
	if err != nil {
		return false, &PersistenceError{Op: "verify_audit_trail", Err: err}
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var occurredAt time.Time
		var action, prevHash, entryHash, before, after, entityType, entityID string
		if err := rows.Scan(&occurredAt, &action, &prevHash, &entryHash, &before, &after, &entityType, &entityID); err != nil {
			return false, &PersistenceError{Op: "verify_audit_trail", Err: err}
		}
		entries = append(entries, &audit.Entry{
			Timestamp:    occurredAt.UTC().Format(time.RFC3339Nano),
			Action:       action,
			PreviousHash: prevHash,
			Payload:      auditPayload(entityType, entityID, before, after),
			Hash:         entryHash,
		})
	}
	if err := rows.Err(); err != nil {
		return false, &PersistenceError{Op: "verify_audit_trail", Err: err}
	}
	return audit.VerifyChain(entries), nil
}

// insertMissingBatched bulk-inserts missing transactions in bounded
// batches rather than row-by-row.
func (g *Gateway) insertMissingBatched(ctx context.Context, tx Tx, runID string, missing []transaction.Transaction) error {
	const insertSQL = `
		INSERT INTO missing_transactions
			(id, reconciliation_run_id, transaction_id, processor_name, amount,
			 currency, status, counterparty_id, occurred_at, reference_number, fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	for start := 0; start < len(missing); start += g.batchSize {
		end := start + g.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := &pgx.Batch{}
		for _, t := range missing[start:end] {
			batch.Queue(insertSQL,
				uuid.NewString(), runID, t.ID, t.Processor, t.Amount,
				t.Currency, t.Status, t.CounterpartyID, t.OccurredAt,
				t.ReferenceNumber, t.Fee)
		}
		results := tx.SendBatch(ctx, batch)
		var execErr error
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				execErr = err
				break
			}
		}
		if closeErr := results.Close(); execErr == nil {
			execErr = closeErr
		}
		if execErr != nil {
			return &PersistenceError{Op: "insert_missing_transactions", Err: execErr}
		}
	}
	return nil
}

// commitAudited appends the operation's audit row and commits the
// transaction, holding the chain mutex from hash computation through
// commit. Concurrent operations therefore only ever chain onto hashes
// that are already durable; a failure anywhere reseeds the in-memory
// chain from the last committed row before the next append runs.
func (g *Gateway) commitAudited(ctx context.Context, tx Tx, op, action, entityType, entityID string, before, after any) error {
	g.chainMu.Lock()
	defer g.chainMu.Unlock()

	if err := g.appendAuditEvent(ctx, tx, action, entityType, entityID, before, after); err != nil {
		g.reseedChainLocked(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		g.reseedChainLocked(ctx)
		return &PersistenceError{Op: op, Err: err}
	}
	return nil
}

// appendAuditEvent writes one hash-chained audit row inside tx. The
// caller must hold chainMu and must roll the transaction back when
// this fails: no business state change is accepted without its audit
// record.
func (g *Gateway) appendAuditEvent(ctx context.Context, tx Tx, action, entityType, entityID string, before, after any) error {
	beforeJSON, err := marshalState(before)
	if err != nil {
		return &AuditWriteError{Action: action, Err: err}
	}
	afterJSON, err := marshalState(after)
	if err != nil {
		return &AuditWriteError{Action: action, Err: err}
	}

	entry := g.chain.Append(action, auditPayload(entityType, entityID, beforeJSON, afterJSON))
	occurredAt, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
	if err != nil {
		return &AuditWriteError{Action: action, Err: err}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log
			(id, occurred_at, action, entity_type, entity_id, before_state,
			 after_state, prev_hash, entry_hash, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.NewString(), occurredAt, action, entityType, entityID,
		beforeJSON, afterJSON, entry.PreviousHash, entry.Hash, g.createdBy)
	if err != nil {
		return &AuditWriteError{Action: action, Err: err}
	}
	return nil
}

// reseedChainLocked realigns the in-memory hash chain with the
// persisted log after a rollback left the two out of step. The caller
// must hold chainMu.
func (g *Gateway) reseedChainLocked(ctx context.Context) {
	var lastHash string
	err := g.db.QueryRow(ctx,
		`SELECT entry_hash FROM audit_log ORDER BY occurred_at DESC, id DESC LIMIT 1`).Scan(&lastHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			g.chain = audit.NewChainLogger()
			return
		}
		g.log.WithError(err).Warn("could not reseed audit chain")
		return
	}
	fresh := audit.NewChainLogger()
	fresh.Seed(lastHash)
	g.chain = fresh
}

func auditPayload(entityType, entityID, before, after string) string {
	return fmt.Sprintf(`{"entity_type":%q,"entity_id":%q,"before":%s,"after":%s}`,
		entityType, entityID, before, after)
}

func marshalState(state any) (string, error) {
	if state == nil {
		return "{}", nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(
		&run.ID, &run.RunDate, &run.ProcessorName, &run.Status, &run.StartedAt,
		&run.EndedAt, &run.ProcessorTxnCount, &run.InternalTxnCount,
		&run.MissingCount, &run.TotalDiscrepancyAmount, &run.ArtifactLocation,
		&run.ArtifactKind, &run.ErrorMessage, &run.CreatedBy)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
