package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/artifact"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/notify"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/recon"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/store"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/transaction"
)

var runDate = time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)

type mockStore struct {
	mu    sync.Mutex
	calls []string

	beginErr      error
	beginExisting *store.Run
	completeErr   error

	failedWith error
}

func (m *mockStore) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockStore) BeginRun(ctx context.Context, runDate time.Time, processor string, forceNew bool) (*store.Run, error) {
	m.record("begin:" + processor)
	if m.beginExisting != nil {
		return m.beginExisting, store.ErrAlreadyReconciled
	}
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	return &store.Run{
		ID:            "run-" + processor,
		RunDate:       runDate,
		ProcessorName: processor,
		Status:        store.StatusRunning,
	}, nil
}

func (m *mockStore) CompleteRun(ctx context.Context, runID string, summary recon.Summary, missing []transaction.Transaction) error {
	m.record("complete:" + runID)
	return m.completeErr
}

func (m *mockStore) FailRun(ctx context.Context, runID string, cause error) error {
	m.record("fail:" + runID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedWith = cause
	return nil
}

func (m *mockStore) RecordArtifact(ctx context.Context, runID, location, kind string) error {
	m.record("artifact:" + kind)
	return nil
}

type mockDeliverer struct {
	mu       sync.Mutex
	kind     artifact.Kind
	err      error
	received []artifact.Artifact
}

func (m *mockDeliverer) Deliver(ctx context.Context, a artifact.Artifact) (artifact.Location, error) {
	m.mu.Lock()
	m.received = append(m.received, a)
	m.mu.Unlock()
	if m.err != nil {
		return artifact.Location{Kind: artifact.KindFailed}, m.err
	}
	return artifact.Location{Kind: m.kind, URI: "uri://" + a.Name}, nil
}

func (m *mockDeliverer) PrimaryAvailable() bool { return m.kind == artifact.KindPrimary }

type mockFeed struct {
	records map[string][]transaction.RawRecord
	err     error
	panics  map[string]bool
}

func (m *mockFeed) Fetch(ctx context.Context, processor string, runDate time.Time) ([]transaction.RawRecord, error) {
	if m.panics != nil && m.panics[processor] {
		panic("feed blew up")
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.records[processor], nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	results  []notify.Alert
	failures []notify.FailureAlert
	err      error
}

func (r *recordingNotifier) NotifyResult(ctx context.Context, alert notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, alert)
	return r.err
}

func (r *recordingNotifier) NotifyFailure(ctx context.Context, alert notify.FailureAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, alert)
	return r.err
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func raw(id, amount string) transaction.RawRecord {
	return transaction.RawRecord{
		TransactionID:  id,
		ProcessorName:  "stripe",
		Amount:         amount,
		Currency:       "USD",
		Status:         "completed",
		CounterpartyID: "cp-1",
		OccurredAt:     runDate,
		Fee:            "0.30",
	}
}

func newTestOrchestrator(st *mockStore, del *mockDeliverer, notifier *recordingNotifier,
	procFeed, intFeed Feed, opts ...Option) *Orchestrator {
	return New(
		procFeed, intFeed,
		transaction.NewNormalizer(testLogger(), 0.05),
		st, del, notifier,
		recon.DefaultThresholdConfig(),
		testLogger(),
		opts...,
	)
}

func TestReconcilePairHappyPath(t *testing.T) {
	st := &mockStore{}
	del := &mockDeliverer{kind: artifact.KindPrimary}
	notifier := &recordingNotifier{}
	procFeed := &mockFeed{records: map[string][]transaction.RawRecord{
		"stripe": {raw("A", "10.00"), raw("B", "20.00"), raw("C", "15.00")},
	}}
	intFeed := &mockFeed{records: map[string][]transaction.RawRecord{
		"stripe": {raw("A", "10.00"), raw("C", "15.00")},
	}}

	o := newTestOrchestrator(st, del, notifier, procFeed, intFeed)

	result := o.ReconcilePair(context.Background(), "stripe", runDate)

	require.NoError(t, result.Err)
	assert.False(t, result.Skipped)
	assert.Equal(t, artifact.KindPrimary, result.Location.Kind)

	// Persistence strictly precedes delivery; artifact recording follows.
	require.Equal(t, []string{"begin:stripe", "complete:run-stripe", "artifact:primary"}, st.calls)
	assert.Len(t, del.received, 3) // csv, json, summary

	require.Len(t, notifier.results, 1)
	alert := notifier.results[0]
	assert.Equal(t, "run-stripe", alert.RunID)
	assert.Equal(t, 1, alert.Summary.MissingCount)
	assert.True(t, alert.Summary.TotalDiscrepancyAmount.Equal(decimal.RequireFromString("20.00")))
}

func TestReconcilePairSkipsTerminalRun(t *testing.T) {
	st := &mockStore{beginExisting: &store.Run{ID: "old-run", Status: store.StatusCompleted}}
	notifier := &recordingNotifier{}

	o := newTestOrchestrator(st, &mockDeliverer{kind: artifact.KindPrimary}, notifier,
		&mockFeed{}, &mockFeed{})

	result := o.ReconcilePair(context.Background(), "stripe", runDate)

	require.NoError(t, result.Err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "old-run", result.Run.ID)
	assert.Equal(t, []string{"begin:stripe"}, st.calls)
	assert.Empty(t, notifier.results)
}

func TestReconcilePairBeginFailureNeverRuns(t *testing.T) {
	st := &mockStore{beginErr: errors.New("database unreachable")}
	del := &mockDeliverer{kind: artifact.KindPrimary}
	notifier := &recordingNotifier{}

	o := newTestOrchestrator(st, del, notifier, &mockFeed{}, &mockFeed{})

	result := o.ReconcilePair(context.Background(), "stripe", runDate)

	require.Error(t, result.Err)
	assert.Nil(t, result.Run)
	assert.Equal(t, []string{"begin:stripe"}, st.calls)
	assert.Empty(t, del.received)
}

func TestReconcilePairFetchFailureFailsRun(t *testing.T) {
	st := &mockStore{}
	notifier := &recordingNotifier{}
	procFeed := &mockFeed{err: errors.New("feed unavailable")}

	o := newTestOrchestrator(st, &mockDeliverer{kind: artifact.KindPrimary}, notifier,
		procFeed, &mockFeed{})

	result := o.ReconcilePair(context.Background(), "stripe", runDate)

	require.Error(t, result.Err)
	assert.Equal(t, []string{"begin:stripe", "fail:run-stripe"}, st.calls)
	assert.ErrorContains(t, st.failedWith, "feed unavailable")

	require.Len(t, notifier.failures, 1)
	assert.Equal(t, "run-stripe", notifier.failures[0].RunID)
	assert.Empty(t, notifier.results)
}

func TestReconcilePairCorruptFeedFailsRun(t *testing.T) {
	st := &mockStore{}
	notifier := &recordingNotifier{}
	bad := raw("X", "not-a-number")
	procFeed := &mockFeed{records: map[string][]transaction.RawRecord{
		"stripe": {bad, bad, bad},
	}}

	o := newTestOrchestrator(st, &mockDeliverer{kind: artifact.KindPrimary}, notifier,
		procFeed, &mockFeed{})

	result := o.ReconcilePair(context.Background(), "stripe", runDate)

	require.Error(t, result.Err)
	var corruptErr *transaction.CorruptionRateError
	assert.ErrorAs(t, result.Err, &corruptErr)
	assert.Equal(t, []string{"begin:stripe", "fail:run-stripe"}, st.calls)
}

func TestReconcilePairDeliveryFallbackStillCompletes(t *testing.T) {
	st := &mockStore{}
	del := &mockDeliverer{kind: artifact.KindFallback}
	notifier := &recordingNotifier{}
	procFeed := &mockFeed{records: map[string][]transaction.RawRecord{
		"stripe": {raw("A", "10.00")},
	}}

	o := newTestOrchestrator(st, del, notifier, procFeed, &mockFeed{})

	result := o.ReconcilePair(context.Background(), "stripe", runDate)

	// Degraded delivery is not a run failure.
	require.NoError(t, result.Err)
	assert.Equal(t, artifact.KindFallback, result.Location.Kind)
	assert.Contains(t, st.calls, "complete:run-stripe")
	assert.Contains(t, st.calls, "artifact:fallback")

	require.Len(t, notifier.results, 1)
	assert.Equal(t, artifact.KindFallback, notifier.results[0].ArtifactKind)
}

func TestReconcilePairDeliveryTotalFailureStillCompletes(t *testing.T) {
	st := &mockStore{}
	del := &mockDeliverer{err: errors.New("all tiers down")}
	notifier := &recordingNotifier{}
	procFeed := &mockFeed{records: map[string][]transaction.RawRecord{
		"stripe": {raw("A", "10.00")},
	}}

	o := newTestOrchestrator(st, del, notifier, procFeed, &mockFeed{})

	result := o.ReconcilePair(context.Background(), "stripe", runDate)

	require.NoError(t, result.Err)
	assert.Equal(t, artifact.KindFailed, result.Location.Kind)
	assert.Contains(t, st.calls, "complete:run-stripe")
	// A failed location is never recorded as an artifact.
	assert.NotContains(t, st.calls, "artifact:failed")
}

func TestRunBatchIsolatesPanickingPair(t *testing.T) {
	st := &mockStore{}
	notifier := &recordingNotifier{}
	procFeed := &mockFeed{
		records: map[string][]transaction.RawRecord{
			"stripe": {raw("A", "10.00")},
			"adyen":  {raw("B", "5.00")},
		},
		panics: map[string]bool{"paypal": true},
	}

	o := newTestOrchestrator(st, &mockDeliverer{kind: artifact.KindPrimary}, notifier,
		procFeed, &mockFeed{}, WithWorkers(2))

	summary := o.RunBatch(context.Background(), []string{"stripe", "paypal", "adyen"}, runDate)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.ExitCode())

	for _, r := range summary.Results {
		if r.Processor == "paypal" {
			require.Error(t, r.Err)
			assert.Contains(t, r.Err.Error(), "panic")
		} else {
			assert.NoError(t, r.Err)
		}
	}
}

func TestRunBatchAllCleanExitsZero(t *testing.T) {
	st := &mockStore{}
	procFeed := &mockFeed{records: map[string][]transaction.RawRecord{
		"stripe": {raw("A", "10.00")},
	}}

	o := newTestOrchestrator(st, &mockDeliverer{kind: artifact.KindPrimary}, &recordingNotifier{},
		procFeed, &mockFeed{})

	summary := o.RunBatch(context.Background(), []string{"stripe"}, runDate)

	assert.Equal(t, 0, summary.ExitCode())
	assert.Equal(t, 1, summary.Completed)
}

func TestScratchCleanupOnlyAfterPrimaryDelivery(t *testing.T) {
	procFeed := &mockFeed{records: map[string][]transaction.RawRecord{
		"stripe": {raw("A", "10.00")},
	}}

	t.Run("primary delivery removes scratch", func(t *testing.T) {
		scratch := t.TempDir()
		o := newTestOrchestrator(&mockStore{}, &mockDeliverer{kind: artifact.KindPrimary},
			&recordingNotifier{}, procFeed, &mockFeed{}, WithScratchDir(scratch, true))

		result := o.ReconcilePair(context.Background(), "stripe", runDate)

		require.NoError(t, result.Err)
		_, err := os.Stat(filepath.Join(scratch, "2024-05-15", "stripe", "report.csv"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("fallback delivery keeps scratch", func(t *testing.T) {
		scratch := t.TempDir()
		o := newTestOrchestrator(&mockStore{}, &mockDeliverer{kind: artifact.KindFallback},
			&recordingNotifier{}, procFeed, &mockFeed{}, WithScratchDir(scratch, true))

		result := o.ReconcilePair(context.Background(), "stripe", runDate)

		require.NoError(t, result.Err)
		_, err := os.Stat(filepath.Join(scratch, "2024-05-15", "stripe", "report.csv"))
		assert.NoError(t, err)
	})
}

func TestReconcilePairNotificationFailureIsNotFatal(t *testing.T) {
	st := &mockStore{}
	notifier := &recordingNotifier{err: errors.New("pubsub down")}
	procFeed := &mockFeed{records: map[string][]transaction.RawRecord{
		"stripe": {raw("A", "10.00")},
	}}

	o := newTestOrchestrator(st, &mockDeliverer{kind: artifact.KindPrimary}, notifier,
		procFeed, &mockFeed{})

	result := o.ReconcilePair(context.Background(), "stripe", runDate)

	require.NoError(t, result.Err)
	assert.Contains(t, st.calls, "complete:run-stripe")
}
