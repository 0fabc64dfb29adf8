package notify

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/artifact"
	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/recon"
)

// Alert is the notification payload for a finished reconciliation run.
type Alert struct {
	RunID          string               `json:"run_id"`
	RunDate        string               `json:"run_date"`
	Processor      string               `json:"processor"`
	Severity       recon.Severity       `json:"severity"`
	Summary        recon.Summary        `json:"summary"`
	Classification recon.Classification `json:"classification"`
	ArtifactKind   artifact.Kind        `json:"artifact_kind,omitempty"`
	ArtifactURI    string               `json:"artifact_uri,omitempty"`
	SentAt         time.Time            `json:"sent_at"`
}

// FailureAlert reports a run that could not complete.
type FailureAlert struct {
	RunID     string    `json:"run_id"`
	RunDate   string    `json:"run_date"`
	Processor string    `json:"processor"`
	Error     string    `json:"error"`
	SentAt    time.Time `json:"sent_at"`
}

// Notifier delivers reconciliation outcomes to operators. Delivery
// failures are the caller's to log, never to escalate: a run's result
// stands whether or not anyone heard about it.
type Notifier interface {
	NotifyResult(ctx context.Context, alert Alert) error
	NotifyFailure(ctx context.Context, alert FailureAlert) error
}

// LogNotifier emits alerts as structured log lines. It is always
// configured so every run leaves an operator-visible trace even when
// no external channel is set up.
type LogNotifier struct {
	log *logrus.Entry
}

// NewLogNotifier builds a log-backed notifier.
func NewLogNotifier(log *logrus.Entry) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyResult(ctx context.Context, alert Alert) error {
	entry := n.log.WithFields(logrus.Fields{
		"run_id":        alert.RunID,
		"run_date":      alert.RunDate,
		"processor":     alert.Processor,
		"severity":      alert.Severity,
		"missing_count": alert.Summary.MissingCount,
		"discrepancy":   alert.Summary.TotalDiscrepancyAmount.String(),
		"artifact_kind": alert.ArtifactKind,
		"artifact_uri":  alert.ArtifactURI,
	})
	switch alert.Severity {
	case recon.SeverityCritical, recon.SeverityHigh:
		entry.Warn("reconciliation discrepancies require attention")
	default:
		entry.Info("reconciliation completed")
	}
	return nil
}

func (n *LogNotifier) NotifyFailure(ctx context.Context, alert FailureAlert) error {
	n.log.WithFields(logrus.Fields{
		"run_id":    alert.RunID,
		"run_date":  alert.RunDate,
		"processor": alert.Processor,
		"error":     alert.Error,
	}).Error("reconciliation run failed")
	return nil
}

// MultiNotifier fans an alert out to every configured channel. Each
// channel gets its chance even when an earlier one fails; the first
// error is returned for the caller to log.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier composes notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) NotifyResult(ctx context.Context, alert Alert) error {
	var firstErr error
	for _, n := range m.notifiers {
		if err := n.NotifyResult(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiNotifier) NotifyFailure(ctx context.Context, alert FailureAlert) error {
	var firstErr error
	for _, n := range m.notifiers {
		if err := n.NotifyFailure(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
