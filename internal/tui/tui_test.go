package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mailreg/internal/errors"
	"mailreg/internal/license"
)

func typeKey(t *testing.T, m ActivationModel, s string) ActivationModel {
	t.Helper()
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
	return next.(ActivationModel)
}

func pressEnter(t *testing.T, m ActivationModel) (ActivationModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(ActivationModel), cmd
}

func TestActivationModelRejectsMalformedKey(t *testing.T) {
	called := false
	m := NewActivationModel(context.Background(), func(ctx context.Context, key string) (*license.ActivationResult, error) {
		called = true
		return nil, nil
	})

	m = typeKey(t, m, "abc")
	m, cmd := pressEnter(t, m)

	assert.Nil(t, cmd)
	assert.False(t, called)
	assert.Contains(t, m.View(), "does not look like a license key")
}

func TestActivationModelActivatesNormalizedKey(t *testing.T) {
	exp := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	var got string
	m := NewActivationModel(context.Background(), func(ctx context.Context, key string) (*license.ActivationResult, error) {
		got = key
		return &license.ActivationResult{Success: true, Message: "License activated", Expiration: &exp, DaysRemaining: 47}, nil
	})

	m = typeKey(t, m, " abcd efgh jkmn ")
	m, cmd := pressEnter(t, m)
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "Activating license")

	next, quit := m.Update(cmd())
	m = next.(ActivationModel)

	assert.Equal(t, "ABCDEFGHJKMN", got)
	require.NotNil(t, m.Result())
	assert.Equal(t, 47, m.Result().DaysRemaining)
	require.NotNil(t, quit)
	assert.IsType(t, tea.QuitMsg{}, quit())
	assert.Contains(t, m.View(), "License activated")
}

func TestActivationModelKeepsPromptOpenOnFailure(t *testing.T) {
	m := NewActivationModel(context.Background(), func(ctx context.Context, key string) (*license.ActivationResult, error) {
		return &license.ActivationResult{Code: apperrors.CodeAlreadyUsed, Message: "This license key has already been used"},
			errors.New("redeem: " + apperrors.ErrKeyAlreadyUsed.Error())
	})

	m = typeKey(t, m, "ABCDEFGHJKMN")
	m, cmd := pressEnter(t, m)
	next, again := m.Update(cmd())
	m = next.(ActivationModel)

	assert.Nil(t, again)
	assert.Nil(t, m.Result())
	assert.Contains(t, m.View(), "already been used")
}

func TestActivationModelCancel(t *testing.T) {
	m := NewActivationModel(context.Background(), nil)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})

	require.NotNil(t, cmd)
	assert.True(t, next.(ActivationModel).cancelled)
	assert.Empty(t, next.View())
}

func TestRenderStats(t *testing.T) {
	out := RenderStats(&license.LedgerStats{
		Total:      12,
		Used:       4,
		Unused:     8,
		Active:     11,
		Revoked:    1,
		Batches:    3,
		ByDuration: map[string]int{"1 Year": 2, "45 Days": 1, "1 Day": 9},
	})

	assert.Contains(t, out, "Total")
	assert.Contains(t, out, "12")
	assert.Less(t, strings.Index(out, "1 Day"), strings.Index(out, "1 Year"))
	assert.Less(t, strings.Index(out, "1 Year"), strings.Index(out, "45 Days"))
}

func TestRenderStatus(t *testing.T) {
	exp := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	out := RenderStatus(&license.StatusReport{
		State:         license.StateActive,
		Expiration:    &exp,
		DaysRemaining: 90,
		HistoryCount:  1,
		History: []license.ActivationEntry{{
			LicenseKey: "ABCD****JKMN", DurationLabel: "3 Months",
			ActivationDate: exp.AddDate(0, 0, -90), Expiration: exp,
		}},
		Source:      license.SourceCache,
		Fingerprint: "0123456789abcdef0123456789abcdef",
		Confidence:  "high",
	})

	assert.Contains(t, out, string(license.StateActive))
	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789abcdef0123456789abcdef")
	assert.Contains(t, out, "Ledger unreachable")
	assert.Contains(t, out, "ABCD****JKMN")
}

func TestRenderMasksLicenseKeys(t *testing.T) {
	const key = "CW8QANZQJFHW"
	exp := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	entry := license.ActivationEntry{
		LicenseKey: key, DurationDays: 30, DurationLabel: "1 Month",
		ActivationDate: exp.AddDate(0, 0, -30), Expiration: exp,
	}

	out := RenderActivation(&license.ActivationResult{
		Success: true, Message: "License activated", Expiration: &exp, DaysRemaining: 30, Entry: &entry,
	})
	assert.NotContains(t, out, key)
	assert.Contains(t, out, license.MaskKey(key))

	out = RenderStatus(&license.StatusReport{
		Active: true, State: license.StateActive, Expiration: &exp, DaysRemaining: 30,
		HistoryCount: 1, History: []license.ActivationEntry{entry}, StoreReachable: true,
	})
	assert.NotContains(t, out, key)
	assert.Contains(t, out, license.MaskKey(key))
}
