package transaction

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func validRecord() RawRecord {
	return RawRecord{
		TransactionID:   "TXN_STRIPE_20240515_0001",
		ProcessorName:   "stripe",
		Amount:          "125.50",
		Currency:        "USD",
		Status:          "completed",
		CounterpartyID:  "MERCH_001",
		OccurredAt:      time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC),
		ReferenceNumber: "REF_STRIPE_1",
		Fee:             "3.94",
	}
}

func TestNormalizeValidRecord(t *testing.T) {
	n := NewNormalizer(testLogger(), 0.05)

	txns, stats, err := n.Normalize([]RawRecord{validRecord()})

	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, 1, stats.Valid)
	assert.Equal(t, 0, stats.Dropped)

	txn := txns[0]
	assert.Equal(t, "TXN_STRIPE_20240515_0001", txn.ID)
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("125.50")))
	assert.True(t, txn.Fee.Equal(decimal.RequireFromString("3.94")))
}

func TestNormalizeDropsInvalidRecords(t *testing.T) {
	n := NewNormalizer(testLogger(), 0.9)

	missingID := validRecord()
	missingID.TransactionID = ""

	badAmount := validRecord()
	badAmount.Amount = "not-a-number"

	negativeAmount := validRecord()
	negativeAmount.Amount = "-10.00"

	badCurrency := validRecord()
	badCurrency.Currency = "usd"

	excessiveFee := validRecord()
	excessiveFee.Fee = "70.00" // more than half of 125.50

	futureDated := validRecord()
	futureDated.OccurredAt = time.Now().Add(48 * time.Hour)

	txns, stats, err := n.Normalize([]RawRecord{
		validRecord(), missingID, badAmount, negativeAmount, badCurrency, excessiveFee, futureDated,
	})

	require.NoError(t, err)
	assert.Len(t, txns, 1)
	assert.Equal(t, 6, stats.Dropped)
	assert.Equal(t, 7, stats.Total)
}

func TestNormalizeMissingFeeDefaultsToZero(t *testing.T) {
	n := NewNormalizer(testLogger(), 0.05)

	rec := validRecord()
	rec.Fee = ""

	txns, _, err := n.Normalize([]RawRecord{rec})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.True(t, txns[0].Fee.IsZero())
}

func TestNormalizeCorruptionRateExceeded(t *testing.T) {
	n := NewNormalizer(testLogger(), 0.25)

	bad := validRecord()
	bad.Amount = "garbage"

	_, stats, err := n.Normalize([]RawRecord{validRecord(), bad, bad, bad})

	require.Error(t, err)
	var corrErr *CorruptionRateError
	require.True(t, errors.As(err, &corrErr))
	assert.Equal(t, 3, corrErr.Dropped)
	assert.Equal(t, 4, corrErr.Total)
	assert.Equal(t, 3, stats.Dropped)
}

func TestNormalizeEmptyFeed(t *testing.T) {
	n := NewNormalizer(testLogger(), 0.05)

	txns, stats, err := n.Normalize(nil)
	require.NoError(t, err)
	assert.Empty(t, txns)
	assert.Equal(t, 0, stats.Total)
}

// Monetary fields must serialize as decimal strings, never as native
// JSON numbers, so precision survives the boundary.
func TestTransactionJSONEncodesMoneyAsStrings(t *testing.T) {
	txn := Transaction{
		ID:       "TXN_1",
		Amount:   decimal.RequireFromString("0.10"),
		Fee:      decimal.RequireFromString("0.01"),
		Currency: "USD",
	}

	data, err := json.Marshal(txn)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	_, amountIsString := decoded["amount"].(string)
	_, feeIsString := decoded["fee"].(string)
	assert.True(t, amountIsString, "amount should encode as a string")
	assert.True(t, feeIsString, "fee should encode as a string")
	assert.Equal(t, "0.1", decoded["amount"])
}
