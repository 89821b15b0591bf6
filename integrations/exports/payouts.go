package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PayoutRow is a single value movement out of a distribution pool: a claim,
// a refund or a sweep.
type PayoutRow struct {
	Sequence   uint64
	Kind       string
	Target     string
	Asset      string
	Epoch      uint64
	Account    string
	Amount     string
	OccurredAt time.Time
}

var csvHeader = []string{"sequence", "kind", "target", "asset", "epoch", "account", "amount", "occurred_at"}

func (r PayoutRow) amount() string {
	if r.Amount == "" {
		return "0"
	}
	return r.Amount
}

func (r PayoutRow) occurredAt() string {
	occurred := r.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return occurred.UTC().Format(time.RFC3339Nano)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PayoutsCSV builds a CSV export for the supplied rows and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func PayoutsCSV(rows []PayoutRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.Sequence, 10),
			row.Kind,
			row.Target,
			row.Asset,
			strconv.FormatUint(row.Epoch, 10),
			row.Account,
			row.amount(),
			row.occurredAt(),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", fmt.Errorf("exports: write csv row %d: %w", row.Sequence, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

// PayoutsJSONL builds a JSON Lines export for the supplied rows and returns
// the serialised payload alongside a checksum.
func PayoutsJSONL(rows []PayoutRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, row := range rows {
		payload := map[string]interface{}{
			"sequence":    row.Sequence,
			"kind":        row.Kind,
			"target":      row.Target,
			"asset":       row.Asset,
			"epoch":       row.Epoch,
			"account":     row.Account,
			"amount":      row.amount(),
			"occurred_at": row.occurredAt(),
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
