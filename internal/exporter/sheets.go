package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"mailreg/internal/license"
)

// SheetsConfig locates the target spreadsheet.
type SheetsConfig struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsFile string
	// Endpoint overrides the API base URL; requests are then sent without
	// credentials unless CredentialsFile is set.
	Endpoint string
}

// SheetsWriter appends batches to a Google Sheet.
type SheetsWriter struct {
	service *sheets.Service
	cfg     SheetsConfig
	logger  *slog.Logger
}

// NewSheetsWriter creates the Sheets client.
func NewSheetsWriter(ctx context.Context, cfg SheetsConfig, logger *slog.Logger) (*SheetsWriter, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("sheets export: spreadsheet id is required")
	}
	if cfg.SheetName == "" {
		cfg.SheetName = xlsxSheet
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		if cfg.CredentialsFile == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}

	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return &SheetsWriter{
		service: service,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "sheets_exporter")),
	}, nil
}

// ExportBatch appends the batch rows below the existing data and returns the
// updated range.
func (w *SheetsWriter) ExportBatch(ctx context.Context, batch *license.Batch) (string, error) {
	rows := batchRows(batch)
	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		values[i] = make([]interface{}, len(row))
		for j, v := range row {
			values[i][j] = v
		}
	}

	resp, err := w.service.Spreadsheets.Values.
		Append(w.cfg.SpreadsheetID, w.cfg.SheetName+"!A1", &sheets.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("append batch %s to sheet: %w", batch.ID, err)
	}

	updated := ""
	if resp.Updates != nil {
		updated = resp.Updates.UpdatedRange
	}
	w.logger.InfoContext(ctx, "batch appended to sheet",
		slog.String("batch_id", batch.ID),
		slog.String("range", updated),
		slog.Int("keys", len(batch.Records)))
	return updated, nil
}
