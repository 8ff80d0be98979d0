package license

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GuardConfig tunes the AttemptGuard.
type GuardConfig struct {
	MaxFailedAttempts int
	Window            time.Duration
	BlockDuration     time.Duration
	RatePerSecond     float64
	Burst             int
	SweepInterval     time.Duration
}

type attemptRecord struct {
	failures     int
	windowStart  time.Time
	blockedUntil time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AttemptGuard throttles activation attempts per identifier (client IP or
// key prefix). Identifiers are blocked after MaxFailedAttempts failures
// inside Window and additionally pass through a token bucket.
type AttemptGuard struct {
	cfg    GuardConfig
	clock  Clock
	logger *slog.Logger

	mutex    sync.Mutex
	attempts map[string]*attemptRecord
	limiters map[string]*limiterEntry

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewAttemptGuard creates a guard. Call Start to run the expiry sweep.
func NewAttemptGuard(cfg GuardConfig, clock Clock, logger *slog.Logger) *AttemptGuard {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AttemptGuard{
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With(slog.String("component", "attempt_guard")),
		attempts: make(map[string]*attemptRecord),
		limiters: make(map[string]*limiterEntry),
		stopChan: make(chan struct{}),
	}
}

// Allow reports whether identifier may attempt an activation now. When it may
// not, the returned duration is how long the caller should wait.
func (g *AttemptGuard) Allow(identifier string) (bool, time.Duration) {
	if identifier == "" {
		return true, 0
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.clock.Now()
	if rec, ok := g.attempts[identifier]; ok && now.Before(rec.blockedUntil) {
		return false, rec.blockedUntil.Sub(now)
	}

	if g.cfg.RatePerSecond > 0 {
		entry, ok := g.limiters[identifier]
		if !ok {
			burst := g.cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), burst)}
			g.limiters[identifier] = entry
		}
		entry.lastSeen = now
		if !entry.limiter.AllowN(now, 1) {
			return false, time.Duration(float64(time.Second) / g.cfg.RatePerSecond)
		}
	}
	return true, 0
}

// RecordFailure counts a failed attempt and reports whether the identifier is
// now blocked.
func (g *AttemptGuard) RecordFailure(identifier string) bool {
	if identifier == "" {
		return false
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.clock.Now()
	rec, ok := g.attempts[identifier]
	if !ok || now.Sub(rec.windowStart) > g.cfg.Window {
		rec = &attemptRecord{windowStart: now}
		g.attempts[identifier] = rec
	}
	rec.failures++

	if rec.failures >= g.cfg.MaxFailedAttempts {
		rec.blockedUntil = now.Add(g.cfg.BlockDuration)
		g.logger.Warn("identifier blocked due to too many failed attempts",
			slog.String("action", "security_violation"),
			slog.String("identifier", identifier),
			slog.Int("attempt_count", rec.failures),
			slog.Int("max_attempts", g.cfg.MaxFailedAttempts),
		)
		return true
	}
	return false
}

// RecordSuccess clears the failure history of identifier.
func (g *AttemptGuard) RecordSuccess(identifier string) {
	g.mutex.Lock()
	delete(g.attempts, identifier)
	g.mutex.Unlock()
}

// Sweep drops expired attempt windows, lifted blocks and idle limiters.
func (g *AttemptGuard) Sweep() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.clock.Now()
	for id, rec := range g.attempts {
		if now.Sub(rec.windowStart) > g.cfg.Window && !now.Before(rec.blockedUntil) {
			delete(g.attempts, id)
		}
	}
	for id, entry := range g.limiters {
		if now.Sub(entry.lastSeen) > g.cfg.Window {
			delete(g.limiters, id)
		}
	}
}

// Start runs the periodic sweep until Stop is called.
func (g *AttemptGuard) Start() {
	go func() {
		ticker := time.NewTicker(g.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				g.Sweep()
			case <-g.stopChan:
				return
			}
		}
	}()
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (g *AttemptGuard) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
}

// GetStats returns guard statistics
func (g *AttemptGuard) GetStats() map[string]interface{} {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := g.clock.Now()
	blocked := 0
	for _, rec := range g.attempts {
		if now.Before(rec.blockedUntil) {
			blocked++
		}
	}
	return map[string]interface{}{
		"tracked_identifiers": len(g.attempts),
		"blocked":             blocked,
		"max_attempts":        g.cfg.MaxFailedAttempts,
		"block_duration":      g.cfg.BlockDuration.String(),
		"window_duration":     g.cfg.Window.String(),
	}
}
