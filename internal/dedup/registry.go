package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zkytech/claude-code-provider-balancer/internal/broadcast"
)

// Role distinguishes the first arrival of a fingerprint from later ones.
type Role int

const (
	// Originator issues the actual upstream call.
	Originator Role = iota
	// Joiner consumes the originator's broadcaster.
	Joiner
)

func (r Role) String() string {
	if r == Originator {
		return "originator"
	}
	return "joiner"
}

// Entry is one in-flight request keyed by fingerprint.
type Entry struct {
	Fingerprint string
	RequestID   string
	Broadcaster *broadcast.Broadcaster
	ArrivedAt   time.Time
}

// Registry is the process-wide fingerprint map. The mutex is held only for
// map manipulation, never across upstream I/O.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry

	stuckTTL  time.Duration
	grace     time.Duration
	testDelay time.Duration
	logger    *slog.Logger
}

// Options tunes the registry.
type Options struct {
	// StuckTTL is the age past which an in-flight entry is considered stuck.
	StuckTTL time.Duration
	// Grace bounds how long a finalized entry lingers for joiners to drain.
	Grace time.Duration
	// TestDelay is an injected sleep between claim and upstream dispatch so
	// tests can reliably produce joiners.
	TestDelay time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, logger *slog.Logger) *Registry {
	if opts.StuckTTL <= 0 {
		opts.StuckTTL = 5 * time.Minute
	}
	if opts.Grace <= 0 {
		opts.Grace = 10 * time.Second
	}
	return &Registry{
		entries:   make(map[string]*Entry),
		stuckTTL:  opts.StuckTTL,
		grace:     opts.Grace,
		testDelay: opts.TestDelay,
		logger:    logger,
	}
}

// SetOptions replaces the tunables, typically after config reload.
func (r *Registry) SetOptions(opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if opts.StuckTTL > 0 {
		r.stuckTTL = opts.StuckTTL
	}
	if opts.Grace > 0 {
		r.grace = opts.Grace
	}
	r.testDelay = opts.TestDelay
}

// ClaimOrJoin atomically resolves the caller's role for a fingerprint.
// Exactly one concurrent caller becomes the originator; the rest receive
// the originator's entry. A cancelled entry is replaced, so duplicates of a
// cancelled request become fresh originators.
func (r *Registry) ClaimOrJoin(fingerprint, requestID string, create func() *broadcast.Broadcaster) (Role, *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[fingerprint]; ok {
		if e.Broadcaster.Outcome() != broadcast.Cancelled {
			return Joiner, e
		}
		delete(r.entries, fingerprint)
	}

	e := &Entry{
		Fingerprint: fingerprint,
		RequestID:   requestID,
		Broadcaster: create(),
		ArrivedAt:   time.Now(),
	}
	r.entries[fingerprint] = e
	return Originator, e
}

// Finalize is invoked by the originator once its broadcaster is terminal.
// The entry is removed immediately when no subscriber is attached, or after
// the grace period otherwise, so late joiners can still pick up the
// completed result briefly.
func (r *Registry) Finalize(e *Entry) {
	if e.Broadcaster.SubscriberCount() == 0 {
		r.remove(e)
		return
	}
	time.AfterFunc(r.graceDuration(), func() { r.remove(e) })
}

func (r *Registry) graceDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grace
}

func (r *Registry) remove(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.Fingerprint]; ok && cur == e {
		delete(r.entries, e.Fingerprint)
	}
}

// CleanupStuck sweeps entries older than the stuck TTL, cancelling their
// broadcasters. force removes every entry regardless of age. Returns the
// number of entries cleaned. Exposed as an operator command and run
// periodically.
func (r *Registry) CleanupStuck(force bool) int {
	r.mu.Lock()
	var stuck []*Entry
	now := time.Now()
	for _, e := range r.entries {
		if force || now.Sub(e.ArrivedAt) > r.stuckTTL {
			stuck = append(stuck, e)
		}
	}
	for _, e := range stuck {
		delete(r.entries, e.Fingerprint)
	}
	r.mu.Unlock()

	for _, e := range stuck {
		r.logger.Warn("cleaning up stuck request",
			"request_id", e.RequestID,
			"age", now.Sub(e.ArrivedAt),
		)
		e.Broadcaster.CancelForce()
	}
	return len(stuck)
}

// Size returns the number of in-flight entries.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SimulateTestingDelay sleeps the configured claim-to-dispatch delay.
// A zero delay returns immediately.
func (r *Registry) SimulateTestingDelay(ctx context.Context) {
	r.mu.Lock()
	delay := r.testDelay
	r.mu.Unlock()
	if delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
