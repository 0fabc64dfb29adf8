package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anthonyuketui/Fintech-renconcilliation/internal/store"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type fakeOpsGateway struct {
	verifyOK  bool
	verifyErr error
	runs      []store.Run
	runsErr   error
	processor string
	days      int
}

func (f *fakeOpsGateway) VerifyAuditTrail(ctx context.Context) (bool, error) {
	return f.verifyOK, f.verifyErr
}

func (f *fakeOpsGateway) RunHistory(ctx context.Context, processor string, days int) ([]store.Run, error) {
	f.processor = processor
	f.days = days
	return f.runs, f.runsErr
}

func TestResolveRunDateDefaultsToYesterday(t *testing.T) {
	d, err := resolveRunDate("")
	require.NoError(t, err)

	y := time.Now().UTC().AddDate(0, 0, -1)
	assert.Equal(t, y.Format("2006-01-02"), d.Format("2006-01-02"))
	assert.Equal(t, 0, d.Hour())
}

func TestResolveRunDateParsesExplicitDate(t *testing.T) {
	d, err := resolveRunDate("2024-05-15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), d)

	_, err = resolveRunDate("15/05/2024")
	assert.Error(t, err)
}

func TestSplitProcessors(t *testing.T) {
	assert.Equal(t, []string{"stripe", "paypal"}, splitProcessors("stripe, paypal"))
	assert.Equal(t, []string{"square"}, splitProcessors(",square,,"))
	assert.Nil(t, splitProcessors(""))
}

func TestVerifyAuditReportsIntactChain(t *testing.T) {
	g := &fakeOpsGateway{verifyOK: true}
	assert.Equal(t, 0, verifyAudit(context.Background(), g, testLogger()))
}

func TestVerifyAuditReportsBrokenChain(t *testing.T) {
	g := &fakeOpsGateway{verifyOK: false}
	assert.Equal(t, 1, verifyAudit(context.Background(), g, testLogger()))
}

func TestVerifyAuditReportsQueryFailure(t *testing.T) {
	g := &fakeOpsGateway{verifyErr: errors.New("connection refused")}
	assert.Equal(t, 2, verifyAudit(context.Background(), g, testLogger()))
}

func TestPrintHistoryRendersRuns(t *testing.T) {
	g := &fakeOpsGateway{runs: []store.Run{
		{
			RunDate:                time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC),
			Status:                 store.StatusCompleted,
			ProcessorTxnCount:      100,
			InternalTxnCount:       98,
			MissingCount:           2,
			TotalDiscrepancyAmount: decimal.RequireFromString("35.00"),
			ArtifactLocation:       "gs://recon-reports/2024-05-15/stripe.csv",
		},
	}}

	var out bytes.Buffer
	code := printHistory(context.Background(), g, "stripe", 7, &out, testLogger())

	assert.Equal(t, 0, code)
	assert.Equal(t, "stripe", g.processor)
	assert.Equal(t, 7, g.days)
	assert.Contains(t, out.String(), "2024-05-15")
	assert.Contains(t, out.String(), "completed")
	assert.Contains(t, out.String(), "35.00")
	assert.Contains(t, out.String(), "gs://recon-reports/2024-05-15/stripe.csv")
}

func TestPrintHistoryEmptyWindow(t *testing.T) {
	g := &fakeOpsGateway{}

	var out bytes.Buffer
	code := printHistory(context.Background(), g, "paypal", 30, &out, testLogger())

	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "no runs for paypal")
}

func TestPrintHistoryQueryFailure(t *testing.T) {
	g := &fakeOpsGateway{runsErr: errors.New("connection refused")}

	var out bytes.Buffer
	code := printHistory(context.Background(), g, "stripe", 30, &out, testLogger())

	assert.Equal(t, 2, code)
	assert.Empty(t, out.String())
}
