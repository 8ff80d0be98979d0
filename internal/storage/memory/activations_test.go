package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailreg/internal/license"
)

func TestActivationStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewActivationStore()

	got, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.Update(ctx, "fp", func(d *license.DomainActivation) error {
		assert.Equal(t, "fp", d.DomainFingerprint)
		d.Licenses = append(d.Licenses, license.ActivationEntry{LicenseKey: "AAAAAAAAAAAA"})
		return nil
	})
	require.NoError(t, err)

	got, err = s.Get(ctx, "fp")
	require.NoError(t, err)
	require.Len(t, got.Licenses, 1)

	got.Licenses[0].LicenseKey = "mutated"
	again, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAAAA", again.Licenses[0].LicenseKey, "callers receive copies")
}

func TestActivationStoreUpdateErrorDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	s := NewActivationStore()
	boom := errors.New("boom")

	_, err := s.Update(ctx, "fp", func(d *license.DomainActivation) error {
		d.Licenses = append(d.Licenses, license.ActivationEntry{LicenseKey: "AAAAAAAAAAAA"})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestActivationStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewActivationStore()
	_, err := s.Update(ctx, "fp", func(*license.DomainActivation) error { return nil })
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "fp"))
	got, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Nil(t, got)
}
