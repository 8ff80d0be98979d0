package security

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mailreg/internal/errors"
)

// fastConfig keeps scrypt cheap in tests
func fastConfig() *EncryptionConfig {
	cfg := DefaultEncryptionConfig()
	cfg.SCryptN = 1024
	return cfg
}

func TestSealOpenRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext []byte
		aad       []byte
	}{
		{"json payload", []byte(`{"domain_fingerprint":"abc","licenses":[]}`), []byte("MAILREG-LICENSE-CACHE|2")},
		{"empty plaintext", []byte{}, nil},
		{"large payload", bytes.Repeat([]byte{0xA5}, 64*1024), []byte("aad")},
	}

	sealer, err := NewSealer("deployment-secret", fastConfig())
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := sealer.Seal(tt.plaintext, tt.aad)
			require.NoError(t, err)
			assert.NotContains(t, string(sealed), "domain_fingerprint")

			opened, err := sealer.Open(sealed, tt.aad)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.plaintext, opened))
		})
	}
}

func TestSealUsesFreshSaltAndNonce(t *testing.T) {
	sealer, err := NewSealer("deployment-secret", fastConfig())
	require.NoError(t, err)

	a, err := sealer.Seal([]byte("same"), nil)
	require.NoError(t, err)
	b, err := sealer.Seal([]byte("same"), nil)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestOpenRejectsTampering(t *testing.T) {
	sealer, err := NewSealer("deployment-secret", fastConfig())
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("payload"), []byte("aad"))
	require.NoError(t, err)

	t.Run("every flipped byte fails", func(t *testing.T) {
		for i := 1; i < len(sealed); i++ {
			tampered := append([]byte(nil), sealed...)
			tampered[i] ^= 0x01
			_, err := sealer.Open(tampered, []byte("aad"))
			require.Error(t, err, "byte %d", i)
		}
	})

	t.Run("wrong aad", func(t *testing.T) {
		_, err := sealer.Open(sealed, []byte("other"))
		assert.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("unknown version", func(t *testing.T) {
		tampered := append([]byte(nil), sealed...)
		tampered[0] = 9
		_, err := sealer.Open(tampered, []byte("aad"))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := sealer.Open(sealed[:10], []byte("aad"))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestOpenWithChangedSecret(t *testing.T) {
	original, err := NewSealer("secret-one", fastConfig())
	require.NoError(t, err)
	rotated, err := NewSealer("secret-two", fastConfig())
	require.NoError(t, err)

	sealed, err := original.Seal([]byte("payload"), nil)
	require.NoError(t, err)

	_, err = rotated.Open(sealed, nil)
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestNewSealerRequiresSecret(t *testing.T) {
	_, err := NewSealer("", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingSecret)
	assert.ErrorIs(t, err, apperrors.ErrEncryptionFailure)
}

func TestSealerInvalidScryptParameters(t *testing.T) {
	cfg := fastConfig()
	cfg.SCryptN = 1000 // not a power of two

	sealer, err := NewSealer("secret", cfg)
	require.NoError(t, err)

	_, err = sealer.Seal([]byte("x"), nil)
	assert.ErrorIs(t, err, apperrors.ErrEncryptionFailure)
}
