package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"mailreg/internal/license"
)

const xlsxSheet = "Licenses"

// XLSXWriter exports batches as Excel workbooks.
type XLSXWriter struct {
	dir    string
	logger *slog.Logger
}

// NewXLSXWriter creates a writer placing workbooks under dir.
func NewXLSXWriter(dir string, logger *slog.Logger) *XLSXWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &XLSXWriter{dir: dir, logger: logger.With(slog.String("component", "xlsx_exporter"))}
}

// ExportBatch writes batch to <dir>/<batch id>.xlsx with a bold header row.
func (w *XLSXWriter) ExportBatch(_ context.Context, batch *license.Batch) (string, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return "", fmt.Errorf("rename sheet: %w", err)
	}

	rows := append([][]string{BatchHeaders}, batchRows(batch)...)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return "", err
		}
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := f.SetSheetRow(xlsxSheet, cell, &values); err != nil {
			return "", fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return "", fmt.Errorf("create header style: %w", err)
	}
	lastHeader, err := excelize.CoordinatesToCellName(len(BatchHeaders), 1)
	if err != nil {
		return "", err
	}
	if err := f.SetCellStyle(xlsxSheet, "A1", lastHeader, bold); err != nil {
		return "", fmt.Errorf("style header: %w", err)
	}
	if err := f.SetColWidth(xlsxSheet, "A", "A", 28); err != nil {
		return "", err
	}
	if err := f.SetColWidth(xlsxSheet, "E", "F", 24); err != nil {
		return "", err
	}

	path := filepath.Join(w.dir, batchFileName(batch, "xlsx"))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return "", err
	}

	w.logger.Info("batch exported",
		slog.String("batch_id", batch.ID),
		slog.String("path", path),
		slog.Int("keys", len(batch.Records)))
	return path, nil
}
