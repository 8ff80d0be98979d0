package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailreg/internal/app"
	"mailreg/internal/config"
	apperrors "mailreg/internal/errors"
	"mailreg/internal/license"
	"mailreg/internal/tui"
)

type harness struct {
	cli *cli
	out *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.License.CacheFile = filepath.Join(dir, "license.dat")
	cfg.License.DomainCacheFile = filepath.Join(dir, "domain.cache")
	cfg.License.CacheSecret = "licensectl-test-secret"
	cfg.Admin.CreatedBy = "ops"
	cfg.Export.Dir = dir

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	core, err := app.BuildCore(context.Background(), cfg, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })

	out := &bytes.Buffer{}
	c := newCLI(out)
	c.cfg = cfg
	c.logger = logger
	c.core = core
	return &harness{cli: c, out: out}
}

// run executes one command line on a fresh command tree and returns stdout.
func (h *harness) run(args ...string) (string, error) {
	h.out.Reset()
	h.cli.jsonOut = false
	root := h.cli.rootCommand()
	root.SetArgs(args)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return h.out.String(), err
}

func (h *harness) runJSON(t *testing.T, v interface{}, args ...string) {
	t.Helper()
	out, err := h.run(append(args, "--json")...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func (h *harness) issue(t *testing.T, days string) string {
	t.Helper()
	var batch license.Batch
	h.runJSON(t, &batch, "generate", "--count", "1", "--days", days)
	require.Len(t, batch.Records, 1)
	return batch.Records[0].Key
}

func TestGenerateIssuesBatch(t *testing.T) {
	h := newHarness(t)

	var batch struct {
		license.Batch
		ExportedTo string `json:"exported_to"`
	}
	h.runJSON(t, &batch, "generate", "-n", "3", "-d", "365", "--export", "csv")

	assert.Len(t, batch.Records, 3)
	assert.Equal(t, 365, batch.DurationDays)
	assert.Equal(t, "ops", batch.CreatedBy)
	for _, r := range batch.Records {
		assert.NoError(t, license.ValidateKeyFormat(r.Key))
	}

	require.NotEmpty(t, batch.ExportedTo)
	data, err := os.ReadFile(batch.ExportedTo)
	require.NoError(t, err)
	for _, r := range batch.Records {
		assert.Contains(t, string(data), r.Key)
	}

	var stats license.LedgerStats
	h.runJSON(t, &stats, "stats")
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Unused)
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("generate", "--count", "0")
	assert.Error(t, err)

	_, err = h.run("generate", "--format", "hex")
	assert.Error(t, err)

	_, err = h.run("generate", "--export", "pdf")
	assert.Error(t, err)
}

func TestActivateAndStatus(t *testing.T) {
	h := newHarness(t)
	key := h.issue(t, "30")

	out, err := h.run("activate", key)
	require.NoError(t, err, out)
	assert.NotContains(t, out, key)

	out, err = h.run("status", "--json")
	require.NoError(t, err)
	assert.NotContains(t, out, key)

	var report license.StatusReport
	h.runJSON(t, &report, "status")
	assert.True(t, report.Active)
	assert.Equal(t, license.StateActive, report.State)
	assert.Equal(t, 30, report.DaysRemaining)
	assert.Equal(t, 1, report.HistoryCount)

	h.runJSON(t, &report, "status", "--refresh")
	assert.Equal(t, 30, report.DaysRemaining)

	_, err = h.run("validate", key)
	assert.ErrorIs(t, err, apperrors.ErrKeyAlreadyUsed)
}

func TestActivatePromptsWithoutKey(t *testing.T) {
	h := newHarness(t)
	key := h.issue(t, "90")

	var prompted bool
	h.cli.prompt = func(ctx context.Context, activate tui.ActivateFunc) (*license.ActivationResult, error) {
		prompted = true
		return activate(ctx, key)
	}

	var result license.ActivationResult
	h.runJSON(t, &result, "activate")
	assert.True(t, prompted)
	assert.True(t, result.Success)
	require.NotNil(t, result.Entry)
	assert.Equal(t, license.MaskKey(key), result.Entry.LicenseKey)
	assert.Equal(t, 90, result.DaysRemaining)

	h.cli.prompt = func(context.Context, tui.ActivateFunc) (*license.ActivationResult, error) {
		return nil, tui.ErrCancelled
	}
	_, err := h.run("activate")
	assert.ErrorIs(t, err, tui.ErrCancelled)
}

func TestActivateForOtherDomain(t *testing.T) {
	h := newHarness(t)
	first := h.issue(t, "30")
	second := h.issue(t, "60")
	domain := "f00dfeedcafebabe0123456789abcdef"

	_, err := h.run("activate", "--domain", domain)
	assert.Error(t, err)

	out, err := h.run("activate", first, "--domain", domain)
	require.NoError(t, err, out)
	assert.Contains(t, out, "f00dfeed")

	var res struct {
		DaysRemaining int  `json:"days_remaining"`
		Stacked       bool `json:"stacked"`
	}
	out, err = h.run("activate", second, "--domain", domain, "--json")
	require.NoError(t, err, out)
	assert.NotContains(t, out, second)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 90, res.DaysRemaining)
	assert.True(t, res.Stacked)

	out, err = h.run("reset-domain", domain)
	require.NoError(t, err, out)
	assert.Contains(t, out, "f00dfeed")

	// the local deployment never activated anything
	var report license.StatusReport
	h.runJSON(t, &report, "status")
	assert.False(t, report.Active)
}

func TestValidateAndRevoke(t *testing.T) {
	h := newHarness(t)
	key := h.issue(t, "7")

	var v struct {
		Redeemable bool   `json:"redeemable"`
		Status     string `json:"status"`
	}
	h.runJSON(t, &v, "validate", key)
	assert.True(t, v.Redeemable)

	out, err := h.run("revoke", key)
	require.NoError(t, err)
	assert.Contains(t, out, license.MaskKey(key))
	assert.NotContains(t, out, key)

	_, err = h.run("validate", key)
	assert.ErrorIs(t, err, apperrors.ErrKeyInactive)

	_, err = h.run("activate", key)
	assert.Error(t, err)

	_, err = h.run("validate", "not-a-key")
	assert.ErrorIs(t, err, apperrors.ErrInvalidKeyFormat)
}

func TestFingerprintAndMigrate(t *testing.T) {
	h := newHarness(t)

	var fp struct {
		Value string `json:"value"`
	}
	h.runJSON(t, &fp, "fingerprint")
	m, err := h.cli.core.RequireManager()
	require.NoError(t, err)
	assert.Equal(t, m.Fingerprint().Value, fp.Value)

	out, err := h.run("migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "memory")
}

func TestClientCommandsNeedCacheSecret(t *testing.T) {
	h := newHarness(t)
	h.cli.core.Manager = nil

	_, err := h.run("status")
	assert.ErrorContains(t, err, "LICENSE_CACHE_SECRET")

	_, err = h.run("activate", "ABCDEFGHJKMN")
	assert.ErrorContains(t, err, "LICENSE_CACHE_SECRET")

	// ledger commands keep working
	_, err = h.run("stats")
	assert.NoError(t, err)
}
