package cancelreg

import (
	"testing"
	"time"
)

func TestRequestCancelAfterRegisterSetsLiveEvent(t *testing.T) {
	r := New(time.Second)
	ev := r.Register("chat-1")
	if ev.IsSet() {
		t.Fatal("freshly registered event should not be set")
	}

	r.RequestCancel("chat-1")
	if !ev.IsSet() {
		t.Error("RequestCancel after Register should set the live event")
	}
	if !r.IsCancelled("chat-1") {
		t.Error("IsCancelled should reflect the set live event")
	}
}

func TestRequestCancelBeforeRegisterIsHonoredAsPending(t *testing.T) {
	r := New(time.Second)

	r.RequestCancel("chat-1")
	if !r.IsCancelled("chat-1") {
		t.Fatal("pending cancel should report cancelled before any producer registers")
	}

	// The classic race: cancel arrives first, producer registers shortly
	// after and must see itself as already cancelled.
	ev := r.Register("chat-1")
	if !ev.IsSet() {
		t.Error("Register must observe a non-expired pending cancel and arm the new event immediately")
	}
}

func TestPendingCancelExpiresAfterTTL(t *testing.T) {
	r := New(10 * time.Millisecond)

	r.RequestCancel("chat-1")
	time.Sleep(20 * time.Millisecond)

	ev := r.Register("chat-1")
	if ev.IsSet() {
		t.Error("a pending cancel older than its TTL must not arm a newly registered event")
	}
}

func TestUnregisterOnlyClearsMatchingEvent(t *testing.T) {
	r := New(time.Second)
	first := r.Register("chat-1")
	second := r.Register("chat-1") // a newer producer takes over

	r.Unregister("chat-1", first)
	// second is still the live event; RequestCancel should still reach it.
	r.RequestCancel("chat-1")
	if !second.IsSet() {
		t.Error("Unregister with a stale event handle must not clear a newer registration")
	}
}

func TestEventSetIsIdempotent(t *testing.T) {
	ev := newEvent()
	ev.Set()
	ev.Set() // must not panic on double-close
	if !ev.IsSet() {
		t.Error("expected event to be set")
	}
	select {
	case <-ev.Done():
	default:
		t.Error("Done() channel should be closed once Set")
	}
}
