package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/recon"
)

// Bundle is the rendered report set for one reconciliation run. The
// artifact chain decides where the bytes live; this package only
// renders them.
type Bundle struct {
	CSV     []byte
	JSON    []byte
	Summary []byte
}

// csvHeader is the detail-report column order. Finance tooling parses
// this file, so the order is part of the contract.
var csvHeader = []string{
	"transaction_id", "processor", "amount", "currency", "status",
	"counterparty_id", "occurred_at", "reference_number", "fee",
}

// Render produces all three report formats for a run.
func Render(result recon.Result, classification recon.Classification) (Bundle, error) {
	csvBytes, err := renderCSV(result)
	if err != nil {
		return Bundle{}, fmt.Errorf("render csv: %w", err)
	}
	jsonBytes, err := renderJSON(result, classification)
	if err != nil {
		return Bundle{}, fmt.Errorf("render json: %w", err)
	}
	return Bundle{
		CSV:     csvBytes,
		JSON:    jsonBytes,
		Summary: renderSummary(result, classification),
	}, nil
}

// ObjectName returns the canonical object key for a report file, e.g.
// "2024-05-15/stripe/report.csv".
func ObjectName(runDate time.Time, processor, file string) string {
	return fmt.Sprintf("%s/%s/%s", runDate.Format("2006-01-02"), processor, file)
}

func renderCSV(result recon.Result) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, t := range result.MissingTransactions {
		row := []string{
			t.ID,
			t.Processor,
			t.Amount.String(),
			t.Currency,
			t.Status,
			t.CounterpartyID,
			t.OccurredAt.UTC().Format(time.RFC3339),
			t.ReferenceNumber,
			t.Fee.String(),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// jsonReport is the machine-readable report envelope. Monetary fields
// serialize as decimal strings, never binary floats.
type jsonReport struct {
	GeneratedAt    time.Time            `json:"generated_at"`
	Summary        recon.Summary        `json:"summary"`
	Classification recon.Classification `json:"classification"`
	FeesAtRisk     string               `json:"fees_at_risk"`
	Missing        []jsonMissing        `json:"missing_transactions"`
}

type jsonMissing struct {
	TransactionID   string `json:"transaction_id"`
	Processor       string `json:"processor"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	CounterpartyID  string `json:"counterparty_id,omitempty"`
	OccurredAt      string `json:"occurred_at"`
	ReferenceNumber string `json:"reference_number,omitempty"`
	Fee             string `json:"fee"`
}

func renderJSON(result recon.Result, classification recon.Classification) ([]byte, error) {
	missing := make([]jsonMissing, 0, len(result.MissingTransactions))
	for _, t := range result.MissingTransactions {
		missing = append(missing, jsonMissing{
			TransactionID:   t.ID,
			Processor:       t.Processor,
			Amount:          t.Amount.String(),
			Currency:        t.Currency,
			Status:          t.Status,
			CounterpartyID:  t.CounterpartyID,
			OccurredAt:      t.OccurredAt.UTC().Format(time.RFC3339),
			ReferenceNumber: t.ReferenceNumber,
			Fee:             t.Fee.String(),
		})
	}

	return json.MarshalIndent(jsonReport{
		GeneratedAt:    time.Now().UTC(),
		Summary:        result.Summary,
		Classification: classification,
		FeesAtRisk:     result.FeesAtRisk().String(),
		Missing:        missing,
	}, "", "  ")
}

// renderSummary builds the plain-text digest operators read first.
func renderSummary(result recon.Result, classification recon.Classification) []byte {
	s := result.Summary
	var b strings.Builder

	fmt.Fprintf(&b, "RECONCILIATION SUMMARY\n")
	fmt.Fprintf(&b, "======================\n")
	fmt.Fprintf(&b, "Date:       %s\n", s.RunDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "Processor:  %s\n", s.Processor)
	fmt.Fprintf(&b, "Severity:   %s\n", classification.Severity)
	if classification.NoData {
		fmt.Fprintf(&b, "Note:       no processor data received for this date\n")
	}
	fmt.Fprintf(&b, "\n")
	fmt.Fprintf(&b, "Processor transactions: %d\n", s.ProcessorTxnCount)
	fmt.Fprintf(&b, "Internal transactions:  %d\n", s.InternalTxnCount)
	fmt.Fprintf(&b, "Missing transactions:   %d\n", s.MissingCount)
	if s.DuplicateProcessorIDs > 0 || s.DuplicateInternalIDs > 0 {
		fmt.Fprintf(&b, "Duplicate ids dropped:  processor=%d internal=%d\n",
			s.DuplicateProcessorIDs, s.DuplicateInternalIDs)
	}
	fmt.Fprintf(&b, "\n")
	fmt.Fprintf(&b, "Total volume processed:  %s\n", s.TotalVolumeProcessed.StringFixed(2))
	fmt.Fprintf(&b, "Discrepancy amount:      %s\n", s.TotalDiscrepancyAmount.StringFixed(2))
	fmt.Fprintf(&b, "Fees at risk:            %s\n", result.FeesAtRisk().StringFixed(2))
	fmt.Fprintf(&b, "Discrepancy rate:        %.4f%%\n", s.DiscrepancyRate()*100)

	return []byte(b.String())
}
