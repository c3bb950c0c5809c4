// Package correlation pairs outbound requests with their replies.
//
// A Broker hands out single-resolution slots keyed by a short opaque token.
// Each slot ends exactly once: by a matching reply, by its timeout, or by
// cancellation. Ended slots are removed from the broker, so a late or
// duplicate reply for the same token is dropped.
package correlation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/metrics"
)

// TokenLength is the number of hex characters in generated tokens
const TokenLength = 8

var (
	// ErrTimeout is returned when no reply arrived before the deadline
	ErrTimeout = errors.New("correlation: timed out waiting for reply")
	// ErrCancelled is returned when the slot was cancelled before a reply arrived
	ErrCancelled = errors.New("correlation: request cancelled")
	// ErrDuplicateToken is returned when registering a token that is still pending
	ErrDuplicateToken = errors.New("correlation: token already pending")
)

// Waiter is the caller's handle on one pending slot
type Waiter[T any] struct {
	id  string
	seq uint64
	ch  chan T
}

// ID returns the correlation token of the slot
func (w *Waiter[T]) ID() string { return w.id }

// Broker owns the pending slots; the backing map never leaves it
type Broker[T any] struct {
	name     string
	mu       sync.Mutex
	pending  map[string]*Waiter[T]
	seq      uint64
	newToken func() string
}

// NewBroker creates a broker; name labels its metrics
func NewBroker[T any](name string) *Broker[T] {
	return &Broker[T]{
		name:     name,
		pending:  make(map[string]*Waiter[T]),
		newToken: NewToken,
	}
}

// NewToken returns a short random alphanumeric token
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:TokenLength]
}

// Issue allocates a fresh token unique among pending slots
func (b *Broker[T]) Issue() *Waiter[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		id := b.newToken()
		if _, taken := b.pending[id]; !taken {
			return b.add(id)
		}
	}
}

// Register opens a slot under a caller-chosen token
func (b *Broker[T]) Register(id string) (*Waiter[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, taken := b.pending[id]; taken {
		return nil, ErrDuplicateToken
	}
	return b.add(id), nil
}

func (b *Broker[T]) add(id string) *Waiter[T] {
	b.seq++
	w := &Waiter[T]{id: id, seq: b.seq, ch: make(chan T, 1)}
	b.pending[id] = w
	return w
}

// Resolve completes the slot for id with payload.
// Unknown or already-ended tokens are a no-op and return false.
func (b *Broker[T]) Resolve(id string, payload T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.pending[id]
	if !ok {
		metrics.CorrelationOutcomes.WithLabelValues(b.name, "dropped").Inc()
		return false
	}
	b.complete(w, payload)
	return true
}

// ResolveOldest completes the longest-waiting slot, returning its token.
// This is how replies that carry no token are paired with a request.
func (b *Broker[T]) ResolveOldest(payload T) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var oldest *Waiter[T]
	for _, w := range b.pending {
		if oldest == nil || w.seq < oldest.seq {
			oldest = w
		}
	}
	if oldest == nil {
		return "", false
	}
	b.complete(oldest, payload)
	return oldest.id, true
}

// complete must be called with mu held
func (b *Broker[T]) complete(w *Waiter[T], payload T) {
	delete(b.pending, w.id)
	w.ch <- payload
	metrics.CorrelationOutcomes.WithLabelValues(b.name, "resolved").Inc()
}

// Await blocks until the slot is resolved, the timeout elapses or ctx ends.
// On timeout or cancellation the slot is purged before returning.
func (b *Broker[T]) Await(ctx context.Context, w *Waiter[T], timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-w.ch:
		return payload, nil
	case <-timer.C:
		return b.abandon(w, ErrTimeout, "timeout")
	case <-ctx.Done():
		return b.abandon(w, ctx.Err(), "cancelled")
	}
}

// Cancel purges a slot that will not be awaited, e.g. when sending the request failed
func (b *Broker[T]) Cancel(w *Waiter[T]) {
	_, _ = b.abandon(w, ErrCancelled, "cancelled")
}

// abandon purges w unless a reply won the race, in which case that reply is returned
func (b *Broker[T]) abandon(w *Waiter[T], cause error, outcome string) (T, error) {
	b.mu.Lock()
	if cur, ok := b.pending[w.id]; ok && cur == w {
		delete(b.pending, w.id)
		b.mu.Unlock()
		metrics.CorrelationOutcomes.WithLabelValues(b.name, outcome).Inc()
		var zero T
		return zero, cause
	}
	b.mu.Unlock()

	select {
	case payload := <-w.ch:
		return payload, nil
	default:
		var zero T
		return zero, cause
	}
}

// Pending returns the number of open slots
func (b *Broker[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
