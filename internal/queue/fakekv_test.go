package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/shsh-labs/internal/kv"
)

// fakeKV is a minimal in-process stand-in for kv.KV, good enough to drive
// the CAS retry loop under test without a live Redis instance. It is not
// safe for use across goroutines beyond what CompareAndSwap itself needs.
type fakeKV struct {
	mu       sync.Mutex
	values   map[string]string
	casHook  func(key string) // invoked once per CompareAndSwap attempt, before fn runs
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: make(map[string]string)}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeKV) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeKV) SetEX(_ context.Context, key, value string, _ time.Duration) error {
	return f.Set(context.Background(), key, value)
}

func (f *fakeKV) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func (f *fakeKV) Publish(_ context.Context, _, _ string) error { return nil }

func (f *fakeKV) Subscribe(_ context.Context, _ string) kv.Subscription {
	return &fakeSubscription{ch: make(chan string)}
}

type fakeSubscription struct{ ch chan string }

func (s *fakeSubscription) Channel() <-chan string { return s.ch }
func (s *fakeSubscription) Close() error           { close(s.ch); return nil }

func (f *fakeKV) CompareAndSwap(_ context.Context, key string, maxRetries int, fn kv.CASFunc) (string, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if f.casHook != nil {
			f.casHook(key)
		}
		f.mu.Lock()
		current, exists := f.values[key]
		next, _, err := fn(current, exists)
		if err != nil {
			f.mu.Unlock()
			if err == kv.ErrAbortCAS {
				return current, nil
			}
			return "", err
		}
		f.values[key] = next
		f.mu.Unlock()
		return next, nil
	}
	return "", kv.ErrCASConflict
}

func (f *fakeKV) Close() error { return nil }
