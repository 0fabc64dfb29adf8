package transaction

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxFeeRatio is the highest fee a processor may legitimately charge,
// expressed as a fraction of the transaction amount.
var maxFeeRatio = decimal.NewFromFloat(0.5)

// ValidationError reports a raw record that failed normalization.
type ValidationError struct {
	TransactionID string
	Reason        string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record %q: %s", e.TransactionID, e.Reason)
}

// CorruptionRateError is returned when the share of dropped records in a
// feed exceeds the configured tolerance. It fails the run: a feed that
// corrupt cannot be reconciled meaningfully.
type CorruptionRateError struct {
	Dropped int
	Total   int
	Limit   float64
}

func (e *CorruptionRateError) Error() string {
	return fmt.Sprintf("corruption rate %.4f exceeds limit %.4f (%d of %d records dropped)",
		float64(e.Dropped)/float64(e.Total), e.Limit, e.Dropped, e.Total)
}

// Stats summarizes one normalization pass over a feed.
type Stats struct {
	Total   int
	Valid   int
	Dropped int
}

// Normalizer validates and type-coerces raw feed records into canonical
// Transactions. Invalid records are dropped and logged; the run only
// fails when the drop rate crosses MaxCorruptionRate.
type Normalizer struct {
	validate          *validator.Validate
	log               *logrus.Entry
	maxCorruptionRate float64
	now               func() time.Time
}

// NewNormalizer builds a Normalizer. maxCorruptionRate is the fraction
// of a feed that may be dropped before normalization fails the run
// (e.g. 0.05 for 5%).
func NewNormalizer(log *logrus.Entry, maxCorruptionRate float64) *Normalizer {
	return &Normalizer{
		validate:          validator.New(),
		log:               log,
		maxCorruptionRate: maxCorruptionRate,
		now:               time.Now,
	}
}

// Normalize converts a feed of raw records into Transactions. Records
// that fail structural or business validation are dropped with a
// warning. Returns a CorruptionRateError when the dropped share exceeds
// the configured limit.
func (n *Normalizer) Normalize(records []RawRecord) ([]Transaction, Stats, error) {
	stats := Stats{Total: len(records)}
	txns := make([]Transaction, 0, len(records))

	for _, rec := range records {
		txn, err := n.normalizeOne(rec)
		if err != nil {
			stats.Dropped++
			n.log.WithFields(logrus.Fields{
				"transaction_id": rec.TransactionID,
				"error":          err.Error(),
			}).Warn("dropping invalid record")
			continue
		}
		txns = append(txns, txn)
	}

	stats.Valid = len(txns)
	if stats.Total > 0 && n.maxCorruptionRate > 0 {
		rate := float64(stats.Dropped) / float64(stats.Total)
		if rate > n.maxCorruptionRate {
			return nil, stats, &CorruptionRateError{
				Dropped: stats.Dropped,
				Total:   stats.Total,
				Limit:   n.maxCorruptionRate,
			}
		}
	}
	return txns, stats, nil
}

func (n *Normalizer) normalizeOne(rec RawRecord) (Transaction, error) {
	if err := n.validate.Struct(rec); err != nil {
		return Transaction{}, &ValidationError{TransactionID: rec.TransactionID, Reason: err.Error()}
	}

	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		return Transaction{}, &ValidationError{TransactionID: rec.TransactionID, Reason: "amount is not a decimal: " + rec.Amount}
	}
	if !amount.IsPositive() {
		return Transaction{}, &ValidationError{TransactionID: rec.TransactionID, Reason: "amount must be positive"}
	}

	fee := decimal.Zero
	if rec.Fee != "" {
		fee, err = decimal.NewFromString(rec.Fee)
		if err != nil {
			return Transaction{}, &ValidationError{TransactionID: rec.TransactionID, Reason: "fee is not a decimal: " + rec.Fee}
		}
	}
	if fee.IsNegative() {
		return Transaction{}, &ValidationError{TransactionID: rec.TransactionID, Reason: "fee must not be negative"}
	}
	if fee.GreaterThan(amount.Mul(maxFeeRatio)) {
		return Transaction{}, &ValidationError{TransactionID: rec.TransactionID, Reason: "fee exceeds 50% of amount"}
	}

	if rec.OccurredAt.After(n.now()) {
		return Transaction{}, &ValidationError{TransactionID: rec.TransactionID, Reason: "occurred_at is in the future"}
	}

	return Transaction{
		ID:              rec.TransactionID,
		Processor:       rec.ProcessorName,
		Amount:          amount,
		Currency:        rec.Currency,
		Status:          rec.Status,
		CounterpartyID:  rec.CounterpartyID,
		OccurredAt:      rec.OccurredAt,
		ReferenceNumber: rec.ReferenceNumber,
		Fee:             fee,
	}, nil
}
