package recon

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/transaction"
)

// Summary captures the high-level metrics of one reconciliation pass.
// All counts are over unique transaction ids; duplicates within a feed
// are dropped first-wins and surfaced through the Duplicate* counters.
type Summary struct {
	RunDate                time.Time       `json:"run_date"`
	Processor              string          `json:"processor"`
	ProcessorTxnCount      int             `json:"processor_transactions"`
	InternalTxnCount       int             `json:"internal_transactions"`
	MissingCount           int             `json:"missing_transactions_count"`
	TotalDiscrepancyAmount decimal.Decimal `json:"total_discrepancy_amount"`
	TotalVolumeProcessed   decimal.Decimal `json:"total_volume_processed"`
	DuplicateProcessorIDs  int             `json:"duplicate_processor_ids"`
	DuplicateInternalIDs   int             `json:"duplicate_internal_ids"`
}

// NoData reports whether the processor feed was empty, the degenerate
// case the classifier must treat specially.
func (s Summary) NoData() bool {
	return s.ProcessorTxnCount == 0
}

// DiscrepancyRate is missing count over unique processor transactions.
// Zero when there is no data.
func (s Summary) DiscrepancyRate() float64 {
	if s.ProcessorTxnCount == 0 {
		return 0
	}
	return float64(s.MissingCount) / float64(s.ProcessorTxnCount)
}

// Result is the full output of a reconciliation pass: the summary plus
// the missing transactions in their original processor-feed order.
type Result struct {
	Summary             Summary                   `json:"summary"`
	MissingTransactions []transaction.Transaction `json:"missing_transactions"`
}

// Reconcile compares the processor feed against the internal ledger for
// one (processor, date) pair and identifies processor transactions with
// no internal counterpart.
//
// The function is pure: identical inputs always produce identical
// output, so a failed run can be retried safely. Matching is by exact
// id equality. Duplicate ids within a single feed keep the first
// occurrence; the duplicate count is reported but never fails the run.
// Financial totals are exact decimal sums.
func Reconcile(processorTxns, internalTxns []transaction.Transaction, runDate time.Time, processor string) Result {
	procIndex, procOrder, procDupes := buildIndex(processorTxns)
	intIndex, _, intDupes := buildIndex(internalTxns)

	missing := make([]transaction.Transaction, 0)
	totalDiscrepancy := decimal.Zero
	totalVolume := decimal.Zero

	// procOrder preserves the original feed sequence over unique ids.
	for _, id := range procOrder {
		txn := procIndex[id]
		totalVolume = totalVolume.Add(txn.Amount)
		if _, ok := intIndex[id]; !ok {
			missing = append(missing, txn)
			totalDiscrepancy = totalDiscrepancy.Add(txn.Amount)
		}
	}

	return Result{
		Summary: Summary{
			RunDate:                runDate,
			Processor:              processor,
			ProcessorTxnCount:      len(procIndex),
			InternalTxnCount:       len(intIndex),
			MissingCount:           len(missing),
			TotalDiscrepancyAmount: totalDiscrepancy,
			TotalVolumeProcessed:   totalVolume,
			DuplicateProcessorIDs:  procDupes,
			DuplicateInternalIDs:   intDupes,
		},
		MissingTransactions: missing,
	}
}

// buildIndex maps id -> Transaction in O(n), keeping the first
// occurrence of each id and counting the duplicates it drops.
func buildIndex(txns []transaction.Transaction) (map[string]transaction.Transaction, []string, int) {
	index := make(map[string]transaction.Transaction, len(txns))
	order := make([]string, 0, len(txns))
	dupes := 0
	for _, t := range txns {
		if _, seen := index[t.ID]; seen {
			dupes++
			continue
		}
		index[t.ID] = t
		order = append(order, t.ID)
	}
	return index, order, dupes
}

// FeesAtRisk sums the processor fees attached to the missing set, a
// secondary financial-impact figure used in reporting.
func (r Result) FeesAtRisk() decimal.Decimal {
	total := decimal.Zero
	for _, t := range r.MissingTransactions {
		total = total.Add(t.Fee)
	}
	return total
}
