package license

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	apperrors "mailreg/internal/errors"
)

// KeyAlphabet excludes the ambiguous characters 0, O, 1 and I. Its length is
// 32 so a random byte maps onto it without bias.
const KeyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// KeyLength is the length of a plain generated key.
	KeyLength = 12

	segmentLength  = 4
	dataSegments   = 3
	minPrefixLen   = 2
	maxPrefixLen   = 8
	checksumLength = 4
)

// KeyFormat selects which key shape the generator produces.
type KeyFormat string

const (
	KeyFormatPlain    KeyFormat = "plain"
	KeyFormatChecksum KeyFormat = "checksum"
)

// GenerateKey returns a plain 12 character key.
func GenerateKey() (string, error) {
	return randomString(KeyLength)
}

// GenerateChecksumKey returns a key shaped PREFIX-XXXX-XXXX-XXXX-CCCC.
func GenerateChecksumKey(prefix string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if err := validatePrefix(prefix); err != nil {
		return "", err
	}

	data, err := randomString(segmentLength * dataSegments)
	if err != nil {
		return "", err
	}

	segments := make([]string, 0, dataSegments)
	for i := 0; i < dataSegments; i++ {
		segments = append(segments, data[i*segmentLength:(i+1)*segmentLength])
	}

	return fmt.Sprintf("%s-%s-%s", prefix, strings.Join(segments, "-"), keyChecksum(prefix, segments)), nil
}

// NewKey generates a key in the requested format.
func NewKey(format KeyFormat, prefix string) (string, error) {
	if format == KeyFormatChecksum {
		return GenerateChecksumKey(prefix)
	}
	return GenerateKey()
}

// NormalizeKey upper-cases a user supplied key and strips surrounding and
// embedded whitespace.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.Join(strings.Fields(key), ""))
}

// ValidateKeyFormat checks the syntax of a normalised key. Checksum-format
// keys have their checksum verified.
func ValidateKeyFormat(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", apperrors.ErrInvalidKeyFormat)
	}

	if !strings.Contains(key, "-") {
		if len(key) != KeyLength {
			return fmt.Errorf("%w: key must be %d characters", apperrors.ErrInvalidKeyFormat, KeyLength)
		}
		if !inAlphabet(key) {
			return fmt.Errorf("%w: key contains characters outside the key alphabet", apperrors.ErrInvalidKeyFormat)
		}
		return nil
	}

	parts := strings.Split(key, "-")
	if len(parts) != dataSegments+2 {
		return fmt.Errorf("%w: expected PREFIX-XXXX-XXXX-XXXX-CCCC", apperrors.ErrInvalidKeyFormat)
	}

	prefix, segments, checksum := parts[0], parts[1:1+dataSegments], parts[len(parts)-1]
	if err := validatePrefix(prefix); err != nil {
		return err
	}
	for _, seg := range append(append([]string{}, segments...), checksum) {
		if len(seg) != segmentLength || !inAlphabet(seg) {
			return fmt.Errorf("%w: malformed segment %q", apperrors.ErrInvalidKeyFormat, seg)
		}
	}

	if keyChecksum(prefix, segments) != checksum {
		return fmt.Errorf("%w: checksum mismatch", apperrors.ErrInvalidKeyFormat)
	}
	return nil
}

// MaskKey hides the middle of a key for logs and audit events.
func MaskKey(key string) string {
	if len(key) < 8 {
		return "****"
	}

	if parts := strings.Split(key, "-"); len(parts) > 2 {
		for i := 2; i < len(parts)-1; i++ {
			parts[i] = "****"
		}
		return strings.Join(parts, "-")
	}

	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func keyChecksum(prefix string, segments []string) string {
	sum := sha256.Sum256([]byte(prefix + "|" + strings.Join(segments, "")))

	out := make([]byte, checksumLength)
	for i := range out {
		out[i] = KeyAlphabet[int(sum[i])%len(KeyAlphabet)]
	}
	return string(out)
}

func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = KeyAlphabet[int(b)%len(KeyAlphabet)]
	}
	return string(buf), nil
}

func validatePrefix(prefix string) error {
	if len(prefix) < minPrefixLen || len(prefix) > maxPrefixLen {
		return fmt.Errorf("%w: prefix must be %d-%d characters", apperrors.ErrInvalidKeyFormat, minPrefixLen, maxPrefixLen)
	}
	for _, r := range prefix {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return fmt.Errorf("%w: prefix must be alphanumeric", apperrors.ErrInvalidKeyFormat)
		}
	}
	return nil
}

func inAlphabet(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune(KeyAlphabet, r) {
			return false
		}
	}
	return true
}
