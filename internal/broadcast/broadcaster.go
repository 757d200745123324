// Package broadcast fans one upstream response out to many clients.
// The originator's producer goroutine publishes chunks; the originator and
// any deduplicated joiners consume them through per-subscriber cursors into
// a retained backlog, each at its own pace. Subscribers are held in an
// arena addressed by index so a slot release never races a publish.
package broadcast

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	proxyerrors "github.com/zkytech/claude-code-provider-balancer/pkg/errors"
)

// Outcome is the broadcaster lifecycle state.
type Outcome int32

const (
	// Streaming means the producer is still emitting.
	Streaming Outcome = iota
	// ClosedOK means the producer finished and quality validation passed.
	ClosedOK
	// ClosedError means the producer failed or validation rejected the stream.
	ClosedError
	// Cancelled means the originator released with no joiners attached, or
	// the stuck sweep forced cleanup.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Streaming:
		return "streaming"
	case ClosedOK:
		return "closed-ok"
	case ClosedError:
		return "closed-error"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	// ErrCancelled is returned to subscribers of a cancelled broadcaster and
	// to attach attempts made after cancellation has been decided.
	ErrCancelled = errors.New("broadcast: cancelled")

	// ErrSlowConsumer is returned to a subscriber that fell further behind
	// the producer than the backlog bound allows.
	ErrSlowConsumer = errors.New("broadcast: subscriber fell behind backlog bound")

	// ErrClosed is returned from Next after Close.
	ErrClosed = errors.New("broadcast: subscription closed")
)

// Broadcaster multiplexes one upstream response to many subscribers.
type Broadcaster struct {
	mu        sync.Mutex
	streaming bool
	backlog   [][]byte
	body      []byte
	subs      []*Subscription
	outcome   Outcome
	err       *proxyerrors.ProxyError
	published bool
	delivered bool
	maxLag    int
	cancel    context.CancelFunc
	createdAt time.Time
	done      chan struct{}
}

// New creates a broadcaster. streaming records the producer's mode; maxLag
// bounds how far the slowest subscriber may trail the producer before it is
// forcibly disconnected.
func New(streaming bool, maxLag int) *Broadcaster {
	if maxLag <= 0 {
		maxLag = 4096
	}
	return &Broadcaster{
		streaming: streaming,
		maxLag:    maxLag,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// SetCancel installs the upstream cancel function. Cancellation is
// fire-and-forget; it is invoked at most once, when the originator releases
// mid-stream with no joiners attached or the stuck sweep forces cleanup.
func (b *Broadcaster) SetCancel(cancel context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancel = cancel
}

// Streaming reports the producer's mode.
func (b *Broadcaster) Streaming() bool { return b.streaming }

// CreatedAt returns the broadcaster creation time.
func (b *Broadcaster) CreatedAt() time.Time { return b.createdAt }

// Done is closed when the broadcaster reaches a terminal state.
func (b *Broadcaster) Done() <-chan struct{} { return b.done }

// Attach adds a subscriber. A subscriber attached after the producer has
// emitted chunks replays the retained backlog first, then switches to live
// delivery; attaching after a clean or failed completion yields the full
// buffered result. Attachment is rejected once cancellation is decided.
func (b *Broadcaster) Attach(original bool) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.outcome == Cancelled {
		return nil, ErrCancelled
	}

	sub := &Subscription{
		b:        b,
		wake:     make(chan struct{}, 1),
		original: original,
	}

	slot := -1
	for i, s := range b.subs {
		if s == nil {
			slot = i
			break
		}
	}
	if slot >= 0 {
		sub.idx = slot
		b.subs[slot] = sub
	} else {
		sub.idx = len(b.subs)
		b.subs = append(b.subs, sub)
	}
	return sub, nil
}

// Publish appends a chunk to the backlog and wakes waiting subscribers.
// Subscribers lagging past the bound are disconnected so they never stall
// the producer or faster peers.
func (b *Broadcaster) Publish(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.outcome != Streaming {
		return
	}

	b.backlog = append(b.backlog, chunk)
	b.published = true

	for _, s := range b.subs {
		if s == nil {
			continue
		}
		if len(b.backlog)-s.cursor > b.maxLag {
			s.evicted = true
			b.releaseLocked(s)
			continue
		}
		s.signal()
	}
}

// SetBody stores the single-body result of a non-streaming producer.
func (b *Broadcaster) SetBody(body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.body = body
	b.published = true
}

// FinishOK marks the stream complete.
func (b *Broadcaster) FinishOK() {
	b.finish(ClosedOK, nil)
}

// Fail marks the stream failed with the given error.
func (b *Broadcaster) Fail(err *proxyerrors.ProxyError) {
	b.finish(ClosedError, err)
}

// CancelForce cancels a broadcaster regardless of subscribers. Used by the
// stuck-request sweep.
func (b *Broadcaster) CancelForce() {
	b.finish(Cancelled, nil)
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Broadcaster) finish(outcome Outcome, err *proxyerrors.ProxyError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.outcome != Streaming {
		return
	}
	b.outcome = outcome
	b.err = err
	close(b.done)
	for _, s := range b.subs {
		if s != nil {
			s.signal()
		}
	}
}

// HasPublished reports whether any chunk or body has been produced.
func (b *Broadcaster) HasPublished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// HasDelivered reports whether any subscriber has consumed a chunk. Once
// true the request is committed to the current provider: forwarded bytes
// cannot be retracted, so failover is off the table.
func (b *Broadcaster) HasDelivered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delivered
}

// TryResetForRetry discards the backlog of a failed attempt so the next
// candidate starts clean. It refuses once any subscriber has consumed a
// chunk; the false return tells the dispatch loop the attempt is committed.
func (b *Broadcaster) TryResetForRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.delivered || b.outcome != Streaming {
		return false
	}
	b.backlog = nil
	b.published = false
	return true
}

// Outcome returns the current lifecycle state.
func (b *Broadcaster) Outcome() Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outcome
}

// Err returns the terminal error, if any.
func (b *Broadcaster) Err() *proxyerrors.ProxyError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s != nil {
			n++
		}
	}
	return n
}

// Backlog returns the retained chunk sequence. Callers must not mutate the
// returned slices.
func (b *Broadcaster) Backlog() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.backlog))
	copy(out, b.backlog)
	return out
}

// Body blocks until the broadcaster is terminal and returns the single-body
// result of a non-streaming producer.
func (b *Broadcaster) Body(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.outcome {
	case ClosedOK:
		return b.body, nil
	case ClosedError:
		return nil, b.err
	default:
		return nil, ErrCancelled
	}
}

// releaseLocked frees a subscriber slot; the caller holds b.mu.
// Cancellation is decided only when the subscriber releasing is the
// original and no joiners remain: the upstream cancel is fired best-effort
// and later attach attempts are rejected. Joiner releases never cancel the
// upstream, even when the joiner is the last subscriber left; an orphaned
// stream runs to its natural end and the stuck sweep covers hangs.
func (b *Broadcaster) releaseLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	b.subs[s.idx] = nil
	s.signal()

	if b.outcome != Streaming || !s.original {
		return
	}
	for _, other := range b.subs {
		if other != nil {
			return
		}
	}

	b.outcome = Cancelled
	close(b.done)
	if b.cancel != nil {
		go b.cancel()
	}
}

// Subscription is one client's cursor into the broadcast.
type Subscription struct {
	b        *Broadcaster
	idx      int
	cursor   int
	wake     chan struct{}
	closed   bool
	evicted  bool
	original bool
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next returns the next chunk. It returns io.EOF after the final chunk of a
// cleanly completed stream, the terminal error for a failed one, and
// ErrCancelled for a cancelled one. Chunks already in the backlog are
// always drained before a terminal condition is reported.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		s.b.mu.Lock()
		if s.closed {
			err := ErrClosed
			if s.evicted {
				err = ErrSlowConsumer
			}
			s.b.mu.Unlock()
			return nil, err
		}
		if s.cursor < len(s.b.backlog) {
			chunk := s.b.backlog[s.cursor]
			s.cursor++
			s.b.delivered = true
			s.b.mu.Unlock()
			return chunk, nil
		}
		switch s.b.outcome {
		case ClosedOK:
			s.b.mu.Unlock()
			return nil, io.EOF
		case ClosedError:
			err := s.b.err
			s.b.mu.Unlock()
			return nil, err
		case Cancelled:
			s.b.mu.Unlock()
			return nil, ErrCancelled
		}
		s.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.wake:
		}
	}
}

// Close releases the subscriber. Disconnecting one subscriber never affects
// the others; the upstream is cancelled only when the originator closes and
// no joiners remain.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.releaseLocked(s)
}
