package exports

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	Kind       string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Target     string `parquet:"name=target, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset      string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Epoch      int64  `parquet:"name=epoch, type=INT64"`
	Account    string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	OccurredAt string `parquet:"name=occurred_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// PayoutsParquet builds a snappy-compressed Parquet export for the supplied
// rows and returns the file bytes alongside a checksum. Amounts stay decimal
// strings so arbitrary precision survives.
func PayoutsParquet(rows []PayoutRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	fw := writerfile.NewWriterFile(buffer)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return nil, "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		record := &parquetRow{
			Sequence:   int64(row.Sequence),
			Kind:       row.Kind,
			Target:     row.Target,
			Asset:      row.Asset,
			Epoch:      int64(row.Epoch),
			Account:    row.Account,
			Amount:     row.amount(),
			OccurredAt: row.occurredAt(),
		}
		if err := pw.Write(record); err != nil {
			_ = pw.WriteStop()
			return nil, "", fmt.Errorf("exports: write parquet row %d: %w", row.Sequence, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, "", fmt.Errorf("exports: finish parquet: %w", err)
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
