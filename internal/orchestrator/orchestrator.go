package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/artifact"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/notify"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/recon"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/report"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/store"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/transaction"
)

// RunStore is the persistence surface the orchestrator drives.
type RunStore interface {
	BeginRun(ctx context.Context, runDate time.Time, processor string, forceNew bool) (*store.Run, error)
	CompleteRun(ctx context.Context, runID string, summary recon.Summary, missing []transaction.Transaction) error
	FailRun(ctx context.Context, runID string, cause error) error
	RecordArtifact(ctx context.Context, runID, location, kind string) error
}

// Deliverer ships rendered artifacts.
type Deliverer interface {
	Deliver(ctx context.Context, a artifact.Artifact) (artifact.Location, error)
	PrimaryAvailable() bool
}

// Feed pulls raw records for one (processor, date) pair.
type Feed interface {
	Fetch(ctx context.Context, processor string, runDate time.Time) ([]transaction.RawRecord, error)
}

// Normalizer turns raw records into validated transactions.
type Normalizer interface {
	Normalize(records []transaction.RawRecord) ([]transaction.Transaction, transaction.Stats, error)
}

// PairResult is the outcome of one (processor, date) reconciliation.
type PairResult struct {
	Processor string
	Run       *store.Run
	Severity  recon.Severity
	Location  artifact.Location
	Skipped   bool
	Err       error
}

// BatchSummary aggregates a batch of pairs for the exit code and the
// end-of-run log line.
type BatchSummary struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Results   []PairResult
}

// ExitCode maps the batch outcome onto the process exit status: any
// failed pair makes the whole invocation fail.
func (b BatchSummary) ExitCode() int {
	if b.Failed > 0 {
		return 1
	}
	return 0
}

// Orchestrator runs the reconciliation pipeline for processor/date
// pairs: fetch, normalize, match, persist, deliver, notify. Stage order
// is load-bearing: the result is persisted before the artifact ships,
// and notification comes last, so a crash at any stage leaves a state
// the next invocation can resume from.
type Orchestrator struct {
	processorFeed Feed
	internalFeed  Feed
	normalizer    Normalizer
	store         RunStore
	deliverer     Deliverer
	notifier      notify.Notifier
	thresholds    recon.ThresholdConfig
	log           *logrus.Entry

	forceNew   bool
	workers    int
	scratchDir string
	cleanup    bool
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithForceNew makes terminal runs restart instead of being skipped.
func WithForceNew(force bool) Option {
	return func(o *Orchestrator) { o.forceNew = force }
}

// WithWorkers bounds how many pairs reconcile concurrently.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithScratchDir stages rendered reports on local disk before delivery.
// When cleanup is set, staged copies are removed once the primary tier
// has confirmed the artifact; fallback or failed deliveries keep them.
func WithScratchDir(dir string, cleanup bool) Option {
	return func(o *Orchestrator) {
		o.scratchDir = dir
		o.cleanup = cleanup
	}
}

// New builds an orchestrator.
func New(processorFeed, internalFeed Feed, normalizer Normalizer, runStore RunStore,
	deliverer Deliverer, notifier notify.Notifier, thresholds recon.ThresholdConfig,
	log *logrus.Entry, opts ...Option) *Orchestrator {

	o := &Orchestrator{
		processorFeed: processorFeed,
		internalFeed:  internalFeed,
		normalizer:    normalizer,
		store:         runStore,
		deliverer:     deliverer,
		notifier:      notifier,
		thresholds:    thresholds,
		log:           log,
		workers:       1,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunBatch reconciles every processor for runDate. Pairs are isolated:
// one processor's failure, including a panic, never stops the others.
func (o *Orchestrator) RunBatch(ctx context.Context, processors []string, runDate time.Time) BatchSummary {
	results := make([]PairResult, len(processors))

	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup
	for i, processor := range processors {
		wg.Add(1)
		go func(idx int, name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = o.reconcilePairIsolated(ctx, name, runDate)
		}(i, processor)
	}
	wg.Wait()

	summary := BatchSummary{Total: len(processors), Results: results}
	for _, r := range results {
		switch {
		case r.Skipped:
			summary.Skipped++
		case r.Err != nil:
			summary.Failed++
		default:
			summary.Completed++
		}
	}

	o.log.WithFields(logrus.Fields{
		"date":      runDate.Format("2006-01-02"),
		"total":     summary.Total,
		"completed": summary.Completed,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	}).Info("reconciliation batch finished")
	return summary
}

// reconcilePairIsolated converts a panic inside one pair into a failed
// result so the rest of the batch keeps going.
func (o *Orchestrator) reconcilePairIsolated(ctx context.Context, processor string, runDate time.Time) (result PairResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during reconciliation of %s: %v", processor, r)
			o.log.WithField("processor", processor).WithError(err).Error("pair aborted")
			if result.Run != nil {
				if failErr := o.store.FailRun(ctx, result.Run.ID, err); failErr != nil {
					o.log.WithError(failErr).Warn("could not mark panicked run failed")
				}
			}
			result.Err = err
		}
	}()
	return o.ReconcilePair(ctx, processor, runDate)
}

// ReconcilePair runs the full pipeline for one (processor, date) pair.
func (o *Orchestrator) ReconcilePair(ctx context.Context, processor string, runDate time.Time) PairResult {
	log := o.log.WithFields(logrus.Fields{
		"processor": processor,
		"date":      runDate.Format("2006-01-02"),
	})
	result := PairResult{Processor: processor}

	run, err := o.store.BeginRun(ctx, runDate, processor, o.forceNew)
	if errors.Is(err, store.ErrAlreadyReconciled) {
		log.WithField("run_id", run.ID).Info("pair already reconciled, skipping")
		result.Run = run
		result.Skipped = true
		return result
	}
	if err != nil {
		log.WithError(err).Error("could not start run")
		result.Err = err
		return result
	}
	result.Run = run
	log = log.WithField("run_id", run.ID)

	reconResult, classification, err := o.executeRun(ctx, processor, runDate)
	if err != nil {
		result.Err = err
		o.failRun(ctx, log, run, processor, runDate, err)
		return result
	}
	result.Severity = classification.Severity

	// Persist before anything leaves the process.
	if err := o.store.CompleteRun(ctx, run.ID, reconResult.Summary, reconResult.MissingTransactions); err != nil {
		result.Err = err
		o.failRun(ctx, log, run, processor, runDate, err)
		return result
	}

	location := o.deliverReports(ctx, log, run.ID, reconResult, classification, runDate, processor)
	result.Location = location

	alert := notify.Alert{
		RunID:          run.ID,
		RunDate:        runDate.Format("2006-01-02"),
		Processor:      processor,
		Severity:       classification.Severity,
		Summary:        reconResult.Summary,
		Classification: classification,
		ArtifactKind:   location.Kind,
		ArtifactURI:    location.URI,
		SentAt:         o.now().UTC(),
	}
	if err := o.notifier.NotifyResult(ctx, alert); err != nil {
		// Notification is best-effort; the run result already stands.
		log.WithError(err).Warn("result notification failed")
	}

	log.WithFields(logrus.Fields{
		"severity":      classification.Severity,
		"missing_count": reconResult.Summary.MissingCount,
		"artifact_kind": location.Kind,
	}).Info("pair reconciled")
	return result
}

// executeRun covers the stages that can fail a run: fetch, normalize,
// match, classify.
func (o *Orchestrator) executeRun(ctx context.Context, processor string, runDate time.Time) (recon.Result, recon.Classification, error) {
	rawProcessor, err := o.processorFeed.Fetch(ctx, processor, runDate)
	if err != nil {
		return recon.Result{}, recon.Classification{}, fmt.Errorf("processor feed: %w", err)
	}
	rawInternal, err := o.internalFeed.Fetch(ctx, processor, runDate)
	if err != nil {
		return recon.Result{}, recon.Classification{}, fmt.Errorf("internal feed: %w", err)
	}

	processorTxns, procStats, err := o.normalizer.Normalize(rawProcessor)
	if err != nil {
		return recon.Result{}, recon.Classification{}, fmt.Errorf("processor feed rejected: %w", err)
	}
	internalTxns, intStats, err := o.normalizer.Normalize(rawInternal)
	if err != nil {
		return recon.Result{}, recon.Classification{}, fmt.Errorf("internal feed rejected: %w", err)
	}
	if procStats.Dropped > 0 || intStats.Dropped > 0 {
		o.log.WithFields(logrus.Fields{
			"processor":         processor,
			"processor_dropped": procStats.Dropped,
			"internal_dropped":  intStats.Dropped,
		}).Warn("invalid records dropped during normalization")
	}

	result := recon.Reconcile(processorTxns, internalTxns, runDate, processor)
	classification := recon.Classify(result.Summary, o.thresholds)
	return result, classification, nil
}

// deliverReports renders and ships the report bundle. Delivery can
// degrade but never fails the run; the worst case is a run with a
// failed artifact location and an operator alert in the logs.
func (o *Orchestrator) deliverReports(ctx context.Context, log *logrus.Entry, runID string,
	result recon.Result, classification recon.Classification, runDate time.Time, processor string) artifact.Location {

	bundle, err := report.Render(result, classification)
	if err != nil {
		log.WithError(err).Error("report rendering failed")
		return artifact.Location{Kind: artifact.KindFailed}
	}

	files := []artifact.Artifact{
		{Name: report.ObjectName(runDate, processor, "report.csv"), ContentType: "text/csv", Data: bundle.CSV},
		{Name: report.ObjectName(runDate, processor, "report.json"), ContentType: "application/json", Data: bundle.JSON},
		{Name: report.ObjectName(runDate, processor, "summary.txt"), ContentType: "text/plain", Data: bundle.Summary},
	}

	staged := o.stageScratch(log, files)

	// The CSV detail is the artifact of record.
	location := artifact.Location{Kind: artifact.KindFailed}
	for i, f := range files {
		loc, err := o.deliverer.Deliver(ctx, f)
		if err != nil {
			log.WithError(err).WithField("artifact", f.Name).Error("artifact delivery failed")
		}
		if i == 0 {
			location = loc
		}
	}

	if location.Kind != artifact.KindFailed {
		if err := o.store.RecordArtifact(ctx, runID, location.URI, string(location.Kind)); err != nil {
			log.WithError(err).Warn("could not record artifact location")
		}
	}

	// Scratch copies exist to survive delivery outages; remove them only
	// once the primary tier holds the artifact.
	if o.cleanup && location.Kind == artifact.KindPrimary {
		for _, path := range staged {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.WithError(err).WithField("path", path).Warn("scratch cleanup failed")
			}
		}
	}

	return location
}

// stageScratch writes local copies of the rendered reports before any
// network delivery is attempted. Failure to stage is logged and
// ignored; scratch is a convenience, not a tier.
func (o *Orchestrator) stageScratch(log *logrus.Entry, files []artifact.Artifact) []string {
	if o.scratchDir == "" {
		return nil
	}
	var staged []string
	for _, f := range files {
		path := filepath.Join(o.scratchDir, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			log.WithError(err).Warn("could not stage scratch copy")
			continue
		}
		if err := os.WriteFile(path, f.Data, 0o640); err != nil {
			log.WithError(err).Warn("could not stage scratch copy")
			continue
		}
		staged = append(staged, path)
	}
	return staged
}

// failRun marks the run failed and sends the failure alert. Both are
// best-effort: the original error is what the caller reports.
func (o *Orchestrator) failRun(ctx context.Context, log *logrus.Entry, run *store.Run, processor string, runDate time.Time, cause error) {
	log.WithError(cause).Error("reconciliation failed")

	if err := o.store.FailRun(ctx, run.ID, cause); err != nil {
		log.WithError(err).Error("could not mark run failed")
	}
	if err := o.notifier.NotifyFailure(ctx, notify.FailureAlert{
		RunID:     run.ID,
		RunDate:   runDate.Format("2006-01-02"),
		Processor: processor,
		Error:     cause.Error(),
		SentAt:    o.now().UTC(),
	}); err != nil {
		log.WithError(err).Warn("failure notification failed")
	}
}
