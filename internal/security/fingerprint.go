package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Confidence describes how trustworthy a fingerprint derivation was.
type Confidence string

const (
	// ConfidenceHigh is reported when the slow KDF derivation succeeded.
	ConfidenceHigh Confidence = "high"
	// ConfidenceLow is reported for the hostname-only fallback hash.
	ConfidenceLow Confidence = "low"
)

const (
	// MinFingerprintIterations is the PBKDF2 work factor floor.
	MinFingerprintIterations = 100000
	// FingerprintLength is the number of hex characters in a fingerprint.
	FingerprintLength = 32

	machineIDPath = "/etc/machine-id"
)

// Fingerprint identifies one deployment of the application.
type Fingerprint struct {
	Value       string     `json:"value"`
	Confidence  Confidence `json:"confidence"`
	Components  []string   `json:"components"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// FingerprintSources are the environment probes used to build a fingerprint.
// Any probe may fail; a failing probe contributes an empty field.
type FingerprintSources struct {
	Hostname  func() (string, error)
	MachineID func() (string, error)
	Getenv    func(string) string
	Getwd     func() (string, error)
}

// DefaultFingerprintSources reads the real host.
func DefaultFingerprintSources() FingerprintSources {
	return FingerprintSources{
		Hostname: os.Hostname,
		MachineID: func() (string, error) {
			data, err := os.ReadFile(machineIDPath)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		Getenv: os.Getenv,
		Getwd:  os.Getwd,
	}
}

// FingerprintConfig holds derivation parameters.
type FingerprintConfig struct {
	Salt       string
	Iterations int
	TTL        time.Duration
	// WorkspaceEnv lists environment variables carrying platform-provided
	// workspace identifiers, read in order.
	WorkspaceEnv []string
}

// DefaultWorkspaceEnv is the portable set of workspace identifier variables.
var DefaultWorkspaceEnv = []string{"MAILREG_WORKSPACE_ID", "CONTAINER_ID"}

// FingerprintGenerator derives the deployment fingerprint and memoises it
// for a short TTL.
type FingerprintGenerator struct {
	cfg     FingerprintConfig
	sources FingerprintSources
	logger  *slog.Logger
	now     func() time.Time

	cacheMutex  sync.Mutex
	cache       *Fingerprint
	cacheExpiry time.Time
}

// NewFingerprintGenerator creates a generator. Zero-valued sources fall back
// to the host probes.
func NewFingerprintGenerator(cfg FingerprintConfig, sources FingerprintSources, logger *slog.Logger) *FingerprintGenerator {
	def := DefaultFingerprintSources()
	if sources.Hostname == nil {
		sources.Hostname = def.Hostname
	}
	if sources.MachineID == nil {
		sources.MachineID = def.MachineID
	}
	if sources.Getenv == nil {
		sources.Getenv = def.Getenv
	}
	if sources.Getwd == nil {
		sources.Getwd = def.Getwd
	}
	if cfg.WorkspaceEnv == nil {
		cfg.WorkspaceEnv = DefaultWorkspaceEnv
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &FingerprintGenerator{
		cfg:     cfg,
		sources: sources,
		logger:  logger.With(slog.String("component", "fingerprint")),
		now:     time.Now,
	}
}

// Generate returns the current fingerprint, served from the memo while fresh.
func (g *FingerprintGenerator) Generate() Fingerprint {
	g.cacheMutex.Lock()
	defer g.cacheMutex.Unlock()

	now := g.now()
	if g.cache != nil && now.Before(g.cacheExpiry) {
		return *g.cache
	}

	fp := g.derive(now)
	g.cache = &fp
	g.cacheExpiry = now.Add(g.cfg.TTL)
	return fp
}

// Invalidate drops the memoised fingerprint.
func (g *FingerprintGenerator) Invalidate() {
	g.cacheMutex.Lock()
	g.cache = nil
	g.cacheMutex.Unlock()
}

func (g *FingerprintGenerator) derive(now time.Time) Fingerprint {
	hostname := g.probe("hostname", g.sources.Hostname)

	components := []string{
		hostname,
		g.probe("machine_id", g.sources.MachineID),
	}
	for _, name := range g.cfg.WorkspaceEnv {
		components = append(components, normalizeComponent(g.sources.Getenv(name)))
	}
	components = append(components, g.probe("cwd", g.sources.Getwd))

	value, err := DeriveFingerprint(components, g.cfg.Salt, g.cfg.Iterations)
	if err != nil {
		g.logger.Warn("fingerprint derivation failed, using hostname fallback",
			slog.String("error", err.Error()))
		return Fingerprint{
			Value:       FallbackFingerprint(hostname),
			Confidence:  ConfidenceLow,
			Components:  []string{"hostname"},
			GeneratedAt: now,
		}
	}

	g.logger.Debug("fingerprint derived",
		slog.Int("components", len(components)),
		slog.String("fingerprint_prefix", value[:8]))

	return Fingerprint{
		Value:       value,
		Confidence:  ConfidenceHigh,
		Components:  presentComponents(components, g.cfg.WorkspaceEnv),
		GeneratedAt: now,
	}
}

func (g *FingerprintGenerator) probe(name string, fn func() (string, error)) string {
	v, err := fn()
	if err != nil {
		g.logger.Debug("fingerprint input unavailable",
			slog.String("input", name),
			slog.String("error", err.Error()))
		return ""
	}
	return normalizeComponent(v)
}

// DeriveFingerprint runs PBKDF2-HMAC-SHA256 over the joined components and
// returns the first FingerprintLength hex characters.
func DeriveFingerprint(components []string, salt string, iterations int) (string, error) {
	if iterations < MinFingerprintIterations {
		return "", fmt.Errorf("fingerprint iterations %d below minimum %d", iterations, MinFingerprintIterations)
	}
	if salt == "" {
		return "", errors.New("fingerprint salt is empty")
	}

	material := strings.Join(components, "|")
	key := pbkdf2.Key([]byte(material), []byte(salt), iterations, sha256.Size, sha256.New)
	return hex.EncodeToString(key)[:FingerprintLength], nil
}

// FallbackFingerprint is the low-confidence SHA-256 of the hostname alone.
func FallbackFingerprint(hostname string) string {
	sum := sha256.Sum256([]byte(normalizeComponent(hostname)))
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

func normalizeComponent(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func presentComponents(values []string, workspaceEnv []string) []string {
	names := make([]string, 0, len(values))
	names = append(names, "hostname", "machine_id")
	names = append(names, workspaceEnv...)
	names = append(names, "cwd")

	present := make([]string, 0, len(names))
	for i, v := range values {
		if v != "" {
			present = append(present, names[i])
		}
	}
	return present
}
