package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRequestTimeout bounds EmitAndAwait when no timeout is given
	DefaultRequestTimeout = 15 * time.Second
	// DefaultMaxPending caps outstanding correlations per reply consumer
	DefaultMaxPending = 10
	// DefaultPendingWaitTimeout bounds the wait for a free correlation slot
	DefaultPendingWaitTimeout = 15 * time.Second
	// DefaultReplyGraceFactor extends the expiry of delivered but unconsumed replies
	DefaultReplyGraceFactor = 3
)

type resolution int

const (
	resolutionPending resolution = iota
	resolutionReply
	resolutionCancelled
)

// CorrelationEntry is one outstanding request waiting for its reply
type CorrelationEntry struct {
	ID      string
	Created time.Time
	Timeout time.Duration

	once     sync.Once
	done     chan struct{}
	outcome  resolution
	reply    *Message
	consumed atomic.Bool
}

// NewCorrelationEntry creates a pending entry
func NewCorrelationEntry(id string, timeout time.Duration) *CorrelationEntry {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &CorrelationEntry{
		ID:      id,
		Created: time.Now(),
		Timeout: timeout,
		done:    make(chan struct{}),
	}
}

// resolve delivers the reply. Only the first resolution counts.
func (e *CorrelationEntry) resolve(msg *Message) bool {
	resolved := false
	e.once.Do(func() {
		e.reply = msg
		e.outcome = resolutionReply
		close(e.done)
		resolved = true
	})
	return resolved
}

// cancel wakes the waiter without a reply
func (e *CorrelationEntry) cancel() bool {
	cancelled := false
	e.once.Do(func() {
		e.outcome = resolutionCancelled
		close(e.done)
		cancelled = true
	})
	return cancelled
}

// Done is closed once the entry is resolved or cancelled
func (e *CorrelationEntry) Done() <-chan struct{} {
	return e.done
}

// Delivered reports whether a reply arrived
func (e *CorrelationEntry) Delivered() bool {
	select {
	case <-e.done:
		return e.outcome == resolutionReply
	default:
		return false
	}
}

// Wait blocks until the entry resolves, its timeout elapses or ctx ends
func (e *CorrelationEntry) Wait(ctx context.Context) (*Message, error) {
	timer := time.NewTimer(e.Timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		if e.outcome == resolutionCancelled {
			return nil, newCorrelationError("await", e.ID, ErrCancelled)
		}
		e.consumed.Store(true)
		return e.reply, nil
	case <-timer.C:
		return nil, newCorrelationError("await", e.ID, ErrTimeout)
	case <-ctx.Done():
		return nil, newCorrelationError("await", e.ID, &cancelledError{cause: ctx.Err()})
	}
}

// expired applies the grace factor to replies delivered but not yet consumed
func (e *CorrelationEntry) expired(now time.Time, graceFactor int) bool {
	limit := e.Timeout
	if e.Delivered() && !e.consumed.Load() && graceFactor > 1 {
		limit *= time.Duration(graceFactor)
	}
	return now.Sub(e.Created) > limit
}

// cancelledError keeps the context cause reachable next to ErrCancelled
type cancelledError struct {
	cause error
}

func (e *cancelledError) Error() string {
	return ErrCancelled.Error() + ": " + e.cause.Error()
}

func (e *cancelledError) Unwrap() []error {
	return []error{ErrCancelled, e.cause}
}

// correlationRegistry maps correlation ids to entries with a bounded size.
// Every entry leaves the map exactly once: retract or expire. A resolved entry
// stays until then so an unconsumed reply gets the grace period.
type correlationRegistry struct {
	mu          sync.Mutex
	entries     map[string]*CorrelationEntry
	limit       int
	waitTimeout time.Duration
	graceFactor int
	slotFreed   chan struct{}
}

func newCorrelationRegistry(limit int, waitTimeout time.Duration, graceFactor int) *correlationRegistry {
	if limit <= 0 {
		limit = DefaultMaxPending
	}
	if waitTimeout <= 0 {
		waitTimeout = DefaultPendingWaitTimeout
	}
	return &correlationRegistry{
		entries:     make(map[string]*CorrelationEntry),
		limit:       limit,
		waitTimeout: waitTimeout,
		graceFactor: graceFactor,
		slotFreed:   make(chan struct{}),
	}
}

// register adds entry, waiting up to waitTimeout for a free slot
func (r *correlationRegistry) register(ctx context.Context, entry *CorrelationEntry) error {
	var deadline <-chan time.Time

	for {
		r.mu.Lock()
		if _, exists := r.entries[entry.ID]; exists {
			r.mu.Unlock()
			return newCorrelationError("register", entry.ID, ErrDuplicateCorrelation)
		}
		if len(r.entries) < r.limit {
			r.entries[entry.ID] = entry
			r.mu.Unlock()
			return nil
		}
		freed := r.slotFreed
		r.mu.Unlock()

		if deadline == nil {
			timer := time.NewTimer(r.waitTimeout)
			defer timer.Stop()
			deadline = timer.C
		}

		select {
		case <-freed:
		case <-deadline:
			return newCorrelationError("register", entry.ID, ErrTooManyPending)
		case <-ctx.Done():
			return newCorrelationError("register", entry.ID, &cancelledError{cause: ctx.Err()})
		}
	}
}

// take removes id and signals waiters for a slot. Caller holds mu.
func (r *correlationRegistry) take(id string) (*CorrelationEntry, bool) {
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	close(r.slotFreed)
	r.slotFreed = make(chan struct{})
	return entry, true
}

// resolve hands the reply to the entry for msg.CorrelationID. The entry keeps its
// slot until the waiter retracts it or the sweep expires it with the grace factor.
func (r *correlationRegistry) resolve(msg *Message) bool {
	if msg.CorrelationID == "" {
		return false
	}
	r.mu.Lock()
	entry, ok := r.entries[msg.CorrelationID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return entry.resolve(msg)
}

// retract removes id and cancels its waiter. Idempotent.
func (r *correlationRegistry) retract(id string) bool {
	r.mu.Lock()
	entry, ok := r.take(id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel()
	return true
}

// expire removes and cancels stale entries
func (r *correlationRegistry) expire(now time.Time) []*CorrelationEntry {
	r.mu.Lock()
	var expired []*CorrelationEntry
	for id, entry := range r.entries {
		if entry.expired(now, r.graceFactor) {
			r.take(id)
			expired = append(expired, entry)
		}
	}
	r.mu.Unlock()

	for _, entry := range expired {
		entry.cancel()
	}
	return expired
}

// cancelAll empties the registry, waking every waiter
func (r *correlationRegistry) cancelAll() int {
	r.mu.Lock()
	entries := make([]*CorrelationEntry, 0, len(r.entries))
	for id, entry := range r.entries {
		r.take(id)
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
	}
	return len(entries)
}

func (r *correlationRegistry) contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

func (r *correlationRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
