// Package health tracks per-provider error counters and cooldown state.
// The dispatch loop reports one outcome per upstream attempt; the router
// consults Healthy when ordering candidates.
package health

import (
	"log/slog"
	"sync"
	"time"
)

// Outcome classifies the result of one upstream attempt.
type Outcome int

const (
	// Success means the attempt completed and passed quality validation.
	Success Outcome = iota
	// RecoverableError covers timeouts, 5xx, 429, connection failures,
	// SSE error events, and quality-validation failures.
	RecoverableError
	// FatalError covers auth rejections and invalid configuration;
	// the provider is cooled down immediately.
	FatalError
)

// State is the health record for one provider.
type State struct {
	FailureCount      int
	RollingErrorCount int
	LastErrorTime     time.Time
	LastSuccessTime   time.Time
	CooldownUntil     time.Time
	Unhealthy         bool
}

// Config carries the thresholds the tracker applies.
type Config struct {
	UnhealthyThreshold    int
	UnhealthyWindow       time.Duration
	UnhealthyResetTimeout time.Duration
	Cooldown              time.Duration
}

// Tracker holds health state for all providers.
// Updates are O(1) under a single mutex and never touch the network.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*State
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker with the given thresholds.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	return &Tracker{
		states: make(map[string]*State),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// SetConfig replaces the thresholds, typically after a config reload.
func (t *Tracker) SetConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
}

func (t *Tracker) state(name string) *State {
	s, ok := t.states[name]
	if !ok {
		s = &State{}
		t.states[name] = s
	}
	return s
}

// Report records an attempt outcome for the named provider.
func (t *Tracker) Report(name string, outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state(name)
	now := t.now()

	switch outcome {
	case Success:
		s.LastSuccessTime = now
		s.RollingErrorCount = 0
		if s.Unhealthy && now.After(s.CooldownUntil) {
			// Probe succeeded after cooldown: clear both counters.
			s.Unhealthy = false
			s.FailureCount = 0
			s.CooldownUntil = time.Time{}
			t.logger.Info("provider recovered", "provider", name)
		}

	case RecoverableError:
		// Errors outside the window restart the count.
		if !s.LastErrorTime.IsZero() && now.Sub(s.LastErrorTime) > t.cfg.UnhealthyWindow {
			s.RollingErrorCount = 0
		}
		s.RollingErrorCount++
		s.FailureCount++
		s.LastErrorTime = now
		if s.RollingErrorCount >= t.cfg.UnhealthyThreshold {
			t.markUnhealthyLocked(name, s, now)
		}

	case FatalError:
		s.FailureCount++
		s.LastErrorTime = now
		t.markUnhealthyLocked(name, s, now)
	}
}

func (t *Tracker) markUnhealthyLocked(name string, s *State, now time.Time) {
	if !s.Unhealthy {
		t.logger.Warn("provider marked unhealthy",
			"provider", name,
			"rolling_errors", s.RollingErrorCount,
			"cooldown", t.cfg.Cooldown,
		)
	}
	s.Unhealthy = true
	s.CooldownUntil = now.Add(t.cfg.Cooldown)
}

// Healthy reports whether a provider may be used without being demoted to
// the probe position. A provider whose cooldown has elapsed counts as
// healthy again so it gets probed.
func (t *Tracker) Healthy(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[name]
	if !ok {
		return true
	}
	if s.Unhealthy && t.now().Before(s.CooldownUntil) {
		return false
	}
	return true
}

// Get returns a copy of the provider's health record.
func (t *Tracker) Get(name string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[name]
	if !ok {
		return State{}
	}
	return *s
}

// Sweep resets rolling error counts for providers whose last error is older
// than the reset timeout. Invoked periodically from the cleanup scheduler.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for name, s := range t.states {
		if s.RollingErrorCount > 0 && !s.LastErrorTime.IsZero() &&
			now.Sub(s.LastErrorTime) > t.cfg.UnhealthyResetTimeout {
			t.logger.Debug("resetting rolling error count", "provider", name)
			s.RollingErrorCount = 0
		}
	}
}

// Migrate keeps state for the given provider names and drops the rest.
// Called on config reload; unknown names start fresh on first report.
func (t *Tracker) Migrate(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	for name := range t.states {
		if !keep[name] {
			delete(t.states, name)
		}
	}
}
