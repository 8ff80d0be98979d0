package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"

	apperrors "mailreg/internal/errors"
)

const sealVersion byte = 1

var (
	// ErrMissingSecret is returned when no deployment secret is configured.
	ErrMissingSecret = fmt.Errorf("%w: deployment secret is not configured", apperrors.ErrEncryptionFailure)
	// ErrMalformedPayload is returned for sealed data that cannot be parsed.
	ErrMalformedPayload = errors.New("sealed payload is malformed")
	// ErrAuthentication is returned when GCM authentication fails, which covers
	// tampering as well as a changed deployment secret.
	ErrAuthentication = errors.New("sealed payload failed authentication")
)

// EncryptionConfig defines encryption parameters
type EncryptionConfig struct {
	SCryptN      int // CPU/memory cost parameter
	SCryptR      int // Block size parameter
	SCryptP      int // Parallelization parameter
	SCryptKeyLen int // 32 for AES-256
	SaltSize     int
}

// DefaultEncryptionConfig returns the production scrypt parameters
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		SaltSize:     16,
	}
}

// Sealer encrypts small blobs with AES-256-GCM under a key derived from a
// deployment secret. Output layout: version | salt | nonce | ciphertext+tag.
type Sealer struct {
	secret []byte
	config *EncryptionConfig

	// last derived key, keyed by salt; avoids re-running scrypt when a file
	// is read back right after being written
	mu      sync.Mutex
	keySalt []byte
	key     []byte
}

// NewSealer creates a sealer for secret. An empty secret yields ErrMissingSecret.
func NewSealer(secret string, config *EncryptionConfig) (*Sealer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	return &Sealer{secret: []byte(secret), config: config}, nil
}

// Seal encrypts plaintext. aad is authenticated but not encrypted.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	salt := make([]byte, s.config.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: generate salt: %v", apperrors.ErrEncryptionFailure, err)
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", apperrors.ErrEncryptionFailure, err)
	}

	out := make([]byte, 0, 1+len(salt)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, sealVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	saltSize := s.config.SaltSize
	if len(sealed) < 1+saltSize+12+16 {
		return nil, ErrMalformedPayload
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedPayload, sealed[0])
	}

	salt := sealed[1 : 1+saltSize]
	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	rest := sealed[1+saltSize:]
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key, err := s.deriveKey(salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", apperrors.ErrEncryptionFailure, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create gcm: %v", apperrors.ErrEncryptionFailure, err)
	}
	return gcm, nil
}

func (s *Sealer) deriveKey(salt []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil && bytes.Equal(s.keySalt, salt) {
		return s.key, nil
	}

	key, err := scrypt.Key(s.secret, salt, s.config.SCryptN, s.config.SCryptR, s.config.SCryptP, s.config.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", apperrors.ErrEncryptionFailure, err)
	}

	s.keySalt = append(s.keySalt[:0], salt...)
	s.key = key
	return key, nil
}
