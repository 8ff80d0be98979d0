package license

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	apperrors "mailreg/internal/errors"
)

const (
	cacheMarker  = "MAILREG-LICENSE-CACHE"
	cacheVersion = 2

	defaultLoadAttempts = 3
	defaultRetryDelay   = 20 * time.Millisecond
)

// CacheState is the outcome of reading the local license cache.
type CacheState int

const (
	CacheAbsent CacheState = iota
	CacheCorrupt
	CacheStale
	CacheValid
)

func (s CacheState) String() string {
	switch s {
	case CacheAbsent:
		return "absent"
	case CacheCorrupt:
		return "corrupt"
	case CacheStale:
		return "stale"
	case CacheValid:
		return "valid"
	default:
		return "unknown"
	}
}

// Sealer encrypts and authenticates the cache payload.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// CacheConfig locates the cache files.
type CacheConfig struct {
	Path         string
	DomainPath   string
	LoadAttempts int
	RetryDelay   time.Duration
}

type cacheEnvelope struct {
	Marker  string `json:"marker"`
	Version int    `json:"version"`
	Sealed  []byte `json:"sealed"`
}

// DomainRecord is the plaintext companion file remembering the last
// fingerprint this host observed.
type DomainRecord struct {
	Fingerprint string    `json:"fingerprint"`
	ObservedAt  time.Time `json:"observed_at"`
	Confidence  string    `json:"confidence"`
}

// LocalCache is the encrypted on-disk copy of this deployment's timeline.
// Writes replace the file atomically; reads retry to ride out a concurrent
// writer on platforms where rename is not atomic.
type LocalCache struct {
	cfg    CacheConfig
	sealer Sealer
	logger *slog.Logger

	writeMutex sync.Mutex

	hits    atomic.Int64
	misses  atomic.Int64
	corrupt atomic.Int64
}

// NewLocalCache creates a cache. A nil sealer means no deployment secret is
// configured: the cache then reads as corrupt and refuses writes.
func NewLocalCache(cfg CacheConfig, sealer Sealer, logger *slog.Logger) *LocalCache {
	if cfg.LoadAttempts <= 0 {
		cfg.LoadAttempts = defaultLoadAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalCache{
		cfg:    cfg,
		sealer: sealer,
		logger: logger.With(slog.String("component", "license_cache")),
	}
}

// Save encrypts and atomically writes the timeline.
func (c *LocalCache) Save(activation *DomainActivation) error {
	if activation == nil {
		return errors.New("save cache: nil activation")
	}
	if c.sealer == nil {
		return fmt.Errorf("%w: no cache secret configured", apperrors.ErrEncryptionFailure)
	}

	plaintext, err := json.Marshal(activation)
	if err != nil {
		return fmt.Errorf("marshal cache payload: %w", err)
	}

	sealed, err := c.sealer.Seal(plaintext, cacheAAD())
	if err != nil {
		return fmt.Errorf("seal cache payload: %w", err)
	}

	data, err := json.Marshal(cacheEnvelope{Marker: cacheMarker, Version: cacheVersion, Sealed: sealed})
	if err != nil {
		return fmt.Errorf("marshal cache envelope: %w", err)
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if err := writeFileAtomic(c.cfg.Path, data); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}

	c.logger.Debug("license cache saved",
		slog.String("path", c.cfg.Path),
		slog.Int("entries", len(activation.Licenses)))
	return nil
}

// Load reads the cache for the current fingerprint. The error is non-nil only
// for CacheCorrupt and describes why the file was rejected; callers treat a
// corrupt cache as absent.
func (c *LocalCache) Load(fingerprint string) (*DomainActivation, CacheState, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.LoadAttempts; attempt++ {
		activation, err := c.read()
		if err == nil {
			if activation.DomainFingerprint != fingerprint {
				c.misses.Add(1)
				c.logger.Info("license cache belongs to another fingerprint",
					slog.String("cached_prefix", FingerprintPrefix(activation.DomainFingerprint)),
					slog.String("current_prefix", FingerprintPrefix(fingerprint)))
				return activation, CacheStale, nil
			}
			c.hits.Add(1)
			return activation, CacheValid, nil
		}

		if errors.Is(err, os.ErrNotExist) {
			c.misses.Add(1)
			return nil, CacheAbsent, nil
		}

		lastErr = err
		if errors.Is(err, apperrors.ErrEncryptionFailure) {
			break
		}
		if attempt < c.cfg.LoadAttempts {
			time.Sleep(c.cfg.RetryDelay)
		}
	}

	c.corrupt.Add(1)
	c.misses.Add(1)
	c.logger.Warn("license cache unreadable, treating as absent",
		slog.String("path", c.cfg.Path),
		slog.String("error", lastErr.Error()))
	return nil, CacheCorrupt, lastErr
}

func (c *LocalCache) read() (*DomainActivation, error) {
	data, err := os.ReadFile(c.cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read: %v", apperrors.ErrCacheCorrupt, err)
	}

	if c.sealer == nil {
		return nil, fmt.Errorf("%w: no cache secret configured", apperrors.ErrEncryptionFailure)
	}

	var env cacheEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", apperrors.ErrCacheCorrupt, err)
	}
	if env.Marker != cacheMarker {
		return nil, fmt.Errorf("%w: unexpected marker %q", apperrors.ErrCacheCorrupt, env.Marker)
	}
	if env.Version != cacheVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", apperrors.ErrCacheCorrupt, env.Version)
	}

	plaintext, err := c.sealer.Open(env.Sealed, cacheAAD())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCacheCorrupt, err)
	}

	var activation DomainActivation
	if err := json.Unmarshal(plaintext, &activation); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", apperrors.ErrCacheCorrupt, err)
	}
	return &activation, nil
}

// Delete removes the license cache and the domain record.
func (c *LocalCache) Delete() error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	for _, path := range []string{c.cfg.Path, c.cfg.DomainPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

// RecordDomain stores the fingerprint observed on this host.
func (c *LocalCache) RecordDomain(rec DomainRecord) error {
	if c.cfg.DomainPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal domain record: %w", err)
	}
	if err := writeFileAtomic(c.cfg.DomainPath, data); err != nil {
		return fmt.Errorf("write domain record: %w", err)
	}
	return nil
}

// LastDomain returns the previously observed fingerprint, or nil when none
// was recorded or the file is unreadable.
func (c *LocalCache) LastDomain() *DomainRecord {
	if c.cfg.DomainPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.cfg.DomainPath)
	if err != nil {
		return nil
	}
	var rec DomainRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		c.logger.Warn("domain record unreadable", slog.String("error", err.Error()))
		return nil
	}
	return &rec
}

// DomainChanged reports whether fingerprint differs from the last recorded
// one. A host with no record has not changed.
func (c *LocalCache) DomainChanged(fingerprint string) bool {
	last := c.LastDomain()
	return last != nil && last.Fingerprint != fingerprint
}

// Path returns the license cache file location.
func (c *LocalCache) Path() string {
	return c.cfg.Path
}

// GetStats returns cache read statistics
func (c *LocalCache) GetStats() map[string]interface{} {
	hits, misses := c.hits.Load(), c.misses.Load()
	hitRatio := float64(0)
	if total := hits + misses; total > 0 {
		hitRatio = float64(hits) / float64(total)
	}
	return map[string]interface{}{
		"hit_count":     hits,
		"miss_count":    misses,
		"corrupt_count": c.corrupt.Load(),
		"hit_ratio":     hitRatio,
		"path":          c.cfg.Path,
	}
}

func cacheAAD() []byte {
	return []byte(cacheMarker + "|" + strconv.Itoa(cacheVersion))
}

// writeFileAtomic writes data to a temp file in the target directory, syncs it
// and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
