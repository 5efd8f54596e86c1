// Package permission implements the Permission Registry: an in-process,
// mutex-guarded table of outstanding tool-permission requests,
// each with a TTL and a single waiter woken by a buffered channel.
package permission

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/shsh-labs/internal/domain"
)

type entry struct {
	request   domain.PermissionRequest
	responded bool
	wake      chan *domain.PermissionResponse // buffered(1); closed on respond or removal
}

// Registry is the in-process permission table. The map and each entry's
// response field are guarded by a single mutex — contention is expected
// to be negligible since permission requests are rare relative to stream
// events.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create inserts a new pending request with expires_at = now + ttl.
func (r *Registry) Create(chatID, requestID, toolName string, toolInput map[string]any, ttl time.Duration) *domain.PermissionRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpiredLocked()

	req := domain.PermissionRequest{
		RequestID: requestID,
		ChatID:    chatID,
		ToolName:  toolName,
		ToolInput: toolInput,
		ExpiresAt: time.Now().Add(ttl),
	}
	r.entries[requestID] = &entry{
		request: req,
		wake:    make(chan *domain.PermissionResponse, 1),
	}
	return &req
}

// Get returns the request iff present and not expired, evicting it
// opportunistically if its TTL has elapsed.
func (r *Registry) Get(requestID string) (*domain.PermissionRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpiredLocked()

	e, ok := r.entries[requestID]
	if !ok {
		return nil, false
	}
	reqCopy := e.request
	return &reqCopy, true
}

// Respond stores resp on requestID and wakes its single waiter. Returns
// false if the request is missing or already expired — the caller must
// then publish a "denied, expired" envelope on the Live Bus's
// permission:{request_id}:response channel so a waiter attached only via
// pubsub still unblocks.
func (r *Registry) Respond(requestID string, resp *domain.PermissionResponse) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpiredLocked()

	e, ok := r.entries[requestID]
	if !ok {
		return false
	}
	if e.responded {
		// Already answered: report success without re-waking. Answered
		// entries are deleted below, so a repeat Respond normally finds
		// no entry and returns false instead.
		return true
	}

	e.responded = true
	e.request.Response = resp
	e.wake <- resp
	close(e.wake)
	delete(r.entries, requestID)
	return true
}

// Wait blocks up to min(timeout, remaining_ttl) for a response, returning
// nil if the wait times out or the request is missing. Only one call to
// Wait per requestID is expected; concurrent extra waiters will race on
// the same channel and at most one receives the value.
func (r *Registry) Wait(ctx context.Context, requestID string, timeout time.Duration) *domain.PermissionResponse {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	remaining := time.Until(e.request.ExpiresAt)
	r.mu.Unlock()

	if remaining < timeout {
		timeout = remaining
	}
	if timeout <= 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-e.wake:
		if !ok {
			return nil
		}
		return resp
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// evictExpiredLocked removes every entry whose TTL has elapsed. Callers
// must hold r.mu.
func (r *Registry) evictExpiredLocked() {
	now := time.Now()
	for id, e := range r.entries {
		if !e.responded && now.After(e.request.ExpiresAt) {
			close(e.wake)
			delete(r.entries, id)
		}
	}
}
