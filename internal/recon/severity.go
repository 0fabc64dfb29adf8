package recon

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Severity grades a reconciliation outcome for alert triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Cutoffs is a four-tier set of discrepancy-rate thresholds. A rate at
// or below Low classifies low; above Critical classifies critical.
type Cutoffs struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

// Validate checks that cutoffs are positive and strictly increasing.
func (c Cutoffs) Validate() error {
	if c.Low <= 0 || c.Medium <= c.Low || c.High <= c.Medium || c.Critical <= c.High {
		return fmt.Errorf("cutoffs must be positive and strictly increasing: %+v", c)
	}
	return nil
}

// VolumeBracket binds a cutoff set to processor feeds below MaxTxns
// unique transactions. Brackets are evaluated in order; the last
// bracket should use MaxTxns = 0, meaning "everything larger".
type VolumeBracket struct {
	MaxTxns int
	Cutoffs Cutoffs
}

// ThresholdConfig is the volume-adaptive classification policy.
// High-volume processors get stricter relative cutoffs because a fixed
// percentage represents far larger absolute exposure at scale. The
// absolute override forces critical regardless of rate.
type ThresholdConfig struct {
	Brackets               []VolumeBracket
	AbsoluteCriticalAmount decimal.Decimal
}

// DefaultThresholdConfig returns the policy the operations team runs
// with today. The numbers are policy, not law: override via config.
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		Brackets: []VolumeBracket{
			{MaxTxns: 10_000, Cutoffs: Cutoffs{Low: 0.02, Medium: 0.05, High: 0.10, Critical: 0.20}},
			{MaxTxns: 100_000, Cutoffs: Cutoffs{Low: 0.005, Medium: 0.02, High: 0.05, Critical: 0.10}},
			{MaxTxns: 0, Cutoffs: Cutoffs{Low: 0.001, Medium: 0.003, High: 0.005, Critical: 0.01}},
		},
		AbsoluteCriticalAmount: decimal.NewFromInt(100_000),
	}
}

// Validate checks the whole policy.
func (tc ThresholdConfig) Validate() error {
	if len(tc.Brackets) == 0 {
		return fmt.Errorf("at least one volume bracket is required")
	}
	for i, b := range tc.Brackets {
		if err := b.Cutoffs.Validate(); err != nil {
			return fmt.Errorf("bracket %d: %w", i, err)
		}
	}
	if last := tc.Brackets[len(tc.Brackets)-1]; last.MaxTxns != 0 {
		return fmt.Errorf("last bracket must be unbounded (MaxTxns = 0)")
	}
	return nil
}

// Classification is the classifier's verdict plus the signals behind it.
type Classification struct {
	Severity          Severity `json:"severity"`
	NoData            bool     `json:"no_data"`
	DiscrepancySignal float64  `json:"discrepancy_signal"`
}

// Classify grades a reconciliation summary. The discrepancy signal is
// the worse of the missing-count rate and the missing-amount rate, so a
// small number of very large missing transactions still escalates.
// An empty processor feed is graded low with the no-data flag set
// rather than risking a divide by zero.
func Classify(s Summary, cfg ThresholdConfig) Classification {
	if s.NoData() {
		return Classification{Severity: SeverityLow, NoData: true}
	}

	countRate := s.DiscrepancyRate()
	amountRate := 0.0
	if s.TotalVolumeProcessed.IsPositive() {
		amountRate, _ = s.TotalDiscrepancyAmount.Div(s.TotalVolumeProcessed).Float64()
	}
	signal := countRate
	if amountRate > signal {
		signal = amountRate
	}

	cutoffs := cfg.bracketFor(s.ProcessorTxnCount)

	sev := SeverityLow
	switch {
	case signal > cutoffs.Critical:
		sev = SeverityCritical
	case signal > cutoffs.High:
		sev = SeverityHigh
	case signal > cutoffs.Medium:
		sev = SeverityMedium
	}

	if !cfg.AbsoluteCriticalAmount.IsZero() && s.TotalDiscrepancyAmount.GreaterThan(cfg.AbsoluteCriticalAmount) {
		sev = SeverityCritical
	}

	return Classification{Severity: sev, DiscrepancySignal: signal}
}

func (tc ThresholdConfig) bracketFor(txnCount int) Cutoffs {
	for _, b := range tc.Brackets {
		if b.MaxTxns == 0 || txnCount < b.MaxTxns {
			return b.Cutoffs
		}
	}
	return tc.Brackets[len(tc.Brackets)-1].Cutoffs
}
