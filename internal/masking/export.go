package masking

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/segmentio/parquet-go"
)

// ExportFormat selects the serialization of a mapping dump
type ExportFormat string

const (
	FormatCSV     ExportFormat = "csv"
	FormatJSON    ExportFormat = "json"
	FormatParquet ExportFormat = "parquet"
)

// ParseExportFormat validates a user supplied export format
func ParseExportFormat(name string) (ExportFormat, error) {
	switch ExportFormat(name) {
	case FormatCSV, FormatJSON, FormatParquet:
		return ExportFormat(name), nil
	default:
		return "", fmt.Errorf("unsupported export format: %q (must be csv, json or parquet)", name)
	}
}

// ContentType returns the MIME type used when serving an export
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	default:
		return "text/csv"
	}
}

// Export writes the full original to masked mapping of store to w
func Export(ctx context.Context, store Store, format ExportFormat, w io.Writer) (int64, error) {
	switch format {
	case FormatCSV:
		return exportCSV(ctx, store, w)
	case FormatJSON:
		return exportJSON(ctx, store, w)
	case FormatParquet:
		return exportParquet(ctx, store, w)
	default:
		return 0, fmt.Errorf("unsupported export format: %q", format)
	}
}

func exportCSV(ctx context.Context, store Store, w io.Writer) (int64, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"id", "original_value", "masked_value", "category", "created_at"}); err != nil {
		return 0, fmt.Errorf("failed to write CSV header: %w", err)
	}

	var count int64
	err := store.Dump(ctx, func(e *Entry) error {
		count++
		return writer.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.OriginalValue,
			e.MaskedValue,
			string(e.Category),
			e.CreatedAt.UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return count, fmt.Errorf("failed to export CSV: %w", err)
	}

	writer.Flush()
	return count, writer.Error()
}

// exportJSON writes a JSON array without holding the whole map in memory
func exportJSON(ctx context.Context, store Store, w io.Writer) (int64, error) {
	if _, err := io.WriteString(w, "["); err != nil {
		return 0, err
	}

	var count int64
	err := store.Dump(ctx, func(e *Entry) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if count > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		count++
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return count, fmt.Errorf("failed to export JSON: %w", err)
	}

	_, err = io.WriteString(w, "]\n")
	return count, err
}

// parquetRow is the flat row layout of a Parquet export
type parquetRow struct {
	ID            int64  `parquet:"id"`
	OriginalValue string `parquet:"original_value"`
	MaskedValue   string `parquet:"masked_value"`
	Category      string `parquet:"category"`
	CreatedAt     string `parquet:"created_at"`
}

func exportParquet(ctx context.Context, store Store, w io.Writer) (int64, error) {
	writer := parquet.NewGenericWriter[parquetRow](w)

	var count int64
	batch := make([]parquetRow, 0, 1000)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := writer.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err := store.Dump(ctx, func(e *Entry) error {
		count++
		batch = append(batch, parquetRow{
			ID:            e.ID,
			OriginalValue: e.OriginalValue,
			MaskedValue:   e.MaskedValue,
			Category:      string(e.Category),
			CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339),
		})
		if len(batch) == cap(batch) {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return count, fmt.Errorf("failed to export Parquet: %w", err)
	}

	if err := writer.Close(); err != nil {
		return count, fmt.Errorf("failed to finalize Parquet export: %w", err)
	}
	return count, nil
}
