package exporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"mailreg/internal/config"
	"mailreg/internal/license"
)

func testBatch() *license.Batch {
	created := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	batch := &license.Batch{
		ID:            "BATCH-20260504-0a1b2c3d",
		CreatedAt:     created,
		DurationDays:  30,
		DurationLabel: "1 Month",
		CreatedBy:     "ops",
	}
	for _, key := range []string{"AAAAAAAAAAAA", "BBBBBBBBBBBB", "CCCCCCCCCCCC"} {
		batch.Records = append(batch.Records, license.Record{
			Key:           key,
			DurationDays:  30,
			DurationLabel: "1 Month",
			Status:        license.StatusActive,
			CreatedDate:   created,
			BatchID:       batch.ID,
			CreatedBy:     "ops",
		})
	}
	return batch
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBatchRows(t *testing.T) {
	rows := batchRows(testBatch())

	require.Len(t, rows, 3)
	assert.Equal(t, []string{
		"AAAAAAAAAAAA", "1 Month", "30", "ACTIVE", "BATCH-20260504-0a1b2c3d", "2026-05-04T10:30:00Z", "ops",
	}, rows[0])
	assert.Len(t, rows[0], len(BatchHeaders))
}

func TestCSVExport(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(dir, quietLogger())

	path, err := w.ExportBatch(context.Background(), testBatch())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "BATCH-20260504-0a1b2c3d.csv"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(raw), "\xEF\xBB\xBF"), "file starts with a BOM")

	records, err := csv.NewReader(strings.NewReader(string(raw[3:]))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, BatchHeaders, records[0])
	assert.Equal(t, "CCCCCCCCCCCC", records[3][0])
}

func TestXLSXExport(t *testing.T) {
	dir := t.TempDir()
	w := NewXLSXWriter(dir, quietLogger())

	path, err := w.ExportBatch(context.Background(), testBatch())
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(xlsxSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, BatchHeaders, rows[0])
	assert.Equal(t, "BBBBBBBBBBBB", rows[2][0])
	assert.Equal(t, "1 Month", rows[2][1])
}

func TestSheetsExport(t *testing.T) {
	var (
		gotPath string
		gotBody struct {
			Values [][]string `json:"values"`
		}
		gotQuery map[string][]string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"spreadsheetId":"sheet-123","updates":{"updatedRange":"Licenses!A2:G4","updatedRows":3}}`))
	}))
	defer srv.Close()

	w, err := NewSheetsWriter(context.Background(), SheetsConfig{
		SpreadsheetID: "sheet-123",
		SheetName:     "Licenses",
		Endpoint:      srv.URL + "/",
	}, quietLogger())
	require.NoError(t, err)

	updated, err := w.ExportBatch(context.Background(), testBatch())
	require.NoError(t, err)

	assert.Equal(t, "Licenses!A2:G4", updated)
	assert.Contains(t, gotPath, "/v4/spreadsheets/sheet-123/values/")
	assert.True(t, strings.HasSuffix(gotPath, ":append"))
	assert.Equal(t, []string{"RAW"}, gotQuery["valueInputOption"])
	require.Len(t, gotBody.Values, 3)
	assert.Equal(t, "AAAAAAAAAAAA", gotBody.Values[0][0])
}

func TestSheetsExportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	w, err := NewSheetsWriter(context.Background(), SheetsConfig{SpreadsheetID: "s", Endpoint: srv.URL + "/"}, quietLogger())
	require.NoError(t, err)

	_, err = w.ExportBatch(context.Background(), testBatch())
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	cfg := config.ExportConfig{Dir: t.TempDir(), SheetName: "Licenses"}

	csvExp, err := New(ctx, FormatCSV, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &CSVWriter{}, csvExp)

	xlsxExp, err := New(ctx, "XLSX", cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &XLSXWriter{}, xlsxExp)

	_, err = New(ctx, FormatSheets, cfg, nil)
	assert.Error(t, err, "sheets export needs a spreadsheet id")

	_, err = New(ctx, "pdf", cfg, nil)
	assert.Error(t, err)
}
