package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"mailreg/internal/config"
	"mailreg/internal/license"
)

// Format names an export target.
type Format string

const (
	FormatCSV    Format = "csv"
	FormatXLSX   Format = "xlsx"
	FormatSheets Format = "sheets"
)

// BatchHeaders is the column layout of every export.
var BatchHeaders = []string{
	"License Key",
	"Duration",
	"Duration Days",
	"Status",
	"Batch ID",
	"Created",
	"Created By",
}

// BatchExporter writes a batch somewhere and returns where it went.
type BatchExporter interface {
	ExportBatch(ctx context.Context, batch *license.Batch) (string, error)
}

// New returns the exporter for format configured from cfg.
func New(ctx context.Context, format Format, cfg config.ExportConfig, logger *slog.Logger) (BatchExporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch Format(strings.ToLower(string(format))) {
	case FormatCSV:
		return NewCSVWriter(cfg.Dir, logger), nil
	case FormatXLSX:
		return NewXLSXWriter(cfg.Dir, logger), nil
	case FormatSheets:
		return NewSheetsWriter(ctx, SheetsConfig{
			SpreadsheetID:   cfg.SpreadsheetID,
			SheetName:       cfg.SheetName,
			CredentialsFile: cfg.CredentialsFile,
			Endpoint:        cfg.SheetsEndpoint,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported export format: %q", format)
	}
}

// batchRows flattens a batch into BatchHeaders order.
func batchRows(batch *license.Batch) [][]string {
	rows := make([][]string, 0, len(batch.Records))
	for _, r := range batch.Records {
		rows = append(rows, []string{
			r.Key,
			r.DurationLabel,
			formatInt(r.DurationDays),
			string(r.Status),
			r.BatchID,
			formatTime(r.CreatedDate),
			r.CreatedBy,
		})
	}
	return rows
}

func batchFileName(batch *license.Batch, ext string) string {
	return batch.ID + "." + ext
}

func formatInt(i int) string {
	return strconv.Itoa(i)
}

// formatTime renders timestamps in UTC so exports from different hosts agree
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
