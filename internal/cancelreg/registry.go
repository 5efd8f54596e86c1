// Package cancelreg implements the Cancellation Registry: cooperative,
// per-chat cancellation with a pending-cancel flag to cover
// the race where a "stop" request arrives before the producing Stream
// Runtime has registered. Without it, a click between "message created"
// and "producer attached" would be silently lost.
package cancelreg

import (
	"sync"
	"time"
)

// Event is a one-shot, idempotently-settable cancellation signal.
type Event struct {
	ch   chan struct{}
	once sync.Once
}

func newEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set arms the event. Safe to call more than once or concurrently.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// IsSet reports whether the event has been armed.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the event is armed, for use in a
// select alongside the agent-event iterator's consume loop.
func (e *Event) Done() <-chan struct{} {
	return e.ch
}

// Registry tracks one live cancellation Event per currently-streaming
// chat plus any pending cancel requests that arrived before a producer
// registered.
type Registry struct {
	mu         sync.Mutex
	live       map[string]*Event
	pending    map[string]time.Time // chatID -> expiry
	pendingTTL time.Duration
}

// New builds a Registry. pendingTTL bounds how long a cancel request
// raised with no registered producer stays honored.
func New(pendingTTL time.Duration) *Registry {
	return &Registry{
		live:       make(map[string]*Event),
		pending:    make(map[string]time.Time),
		pendingTTL: pendingTTL,
	}
}

// Register creates a fresh Event for chatID. If a non-expired pending
// cancel exists for this chat, the returned event is already set — the
// producer will stop immediately — and the pending flag is cleared.
func (r *Registry) Register(chatID string) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := newEvent()
	if expiry, ok := r.pending[chatID]; ok {
		if time.Now().Before(expiry) {
			ev.Set()
		}
		delete(r.pending, chatID)
	}
	r.live[chatID] = ev
	return ev
}

// RequestCancel sets the live event for chatID if a producer is
// registered; otherwise it records a pending flag with a short TTL so a
// producer that registers shortly after still observes the cancel.
func (r *Registry) RequestCancel(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev, ok := r.live[chatID]; ok {
		ev.Set()
		return
	}
	r.pending[chatID] = time.Now().Add(r.pendingTTL)
}

// Unregister clears the registration for chatID if ev is still the
// currently-registered event (a later producer's registration is never
// clobbered by an earlier producer's cleanup). The pending flag, if any,
// is left untouched.
func (r *Registry) Unregister(chatID string, ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.live[chatID]; ok && current == ev {
		delete(r.live, chatID)
	}
}

// IsCancelled reports whether chatID has been cancelled, either via a set
// live event or a non-expired pending flag.
func (r *Registry) IsCancelled(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev, ok := r.live[chatID]; ok && ev.IsSet() {
		return true
	}
	if expiry, ok := r.pending[chatID]; ok && time.Now().Before(expiry) {
		return true
	}
	return false
}
