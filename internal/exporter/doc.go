// Package exporter writes issued license batches to files and spreadsheets so
// they can be handed to resellers.
//
// Three BatchExporter implementations share one column layout (BatchHeaders):
//
// CSVWriter: UTF-8 CSV with a BOM for Excel compatibility, one file per batch.
//
// XLSXWriter: an Excel workbook per batch built with excelize.
//
// SheetsWriter: appends the batch rows to a Google Sheet through the Sheets v4
// API.
//
// Example usage:
//
//	exp, err := exporter.New(ctx, exporter.FormatXLSX, cfg.Export, logger)
//	if err != nil {
//		return err
//	}
//	location, err := exp.ExportBatch(ctx, batch)
package exporter
