package api

import (
	"time"

	"github.com/ashureev/shsh-labs/internal/cancelreg"
	"github.com/ashureev/shsh-labs/internal/config"
	"github.com/ashureev/shsh-labs/internal/livebus"
	"github.com/ashureev/shsh-labs/internal/permission"
	"github.com/ashureev/shsh-labs/internal/queue"
	"github.com/ashureev/shsh-labs/internal/ratelimit"
	"github.com/ashureev/shsh-labs/internal/sse"
	"github.com/ashureev/shsh-labs/internal/stream"
)

// Valid anon cookie values for tests: identity.isValidAnonID requires
// "anon_" followed by exactly 32 lowercase hex characters.
const (
	anonA     = "anon_0000000000000000000000000000000a"
	anonB     = "anon_0000000000000000000000000000000b"
	anonOwner = "anon_0000000000000000000000000000000c"
)

// testDeps bundles a fully-wired Handler plus the fakes backing it, for
// tests that need to assert on fake state after driving a request.
type testDeps struct {
	handler *Handler
	store   *fakeStore
	sandbox *fakeSandbox
}

func newTestHandler() *testDeps {
	st := newFakeStore()
	sb := &fakeSandbox{}
	kvc := newMemKV()
	bus := livebus.New(kvc)

	h := &Handler{
		Store:     st,
		Bus:       bus,
		CancelReg: cancelreg.New(time.Second),
		PermReg:   permission.New(),
		Queue:     queue.New(kvc, time.Minute),
		KV:        kvc,
		Sandbox:   sb,
		Runner:    &fakeRunner{},
		Resumer:   sse.New(st, st, bus, sse.Config{PageSize: 100, PollInterval: 5 * time.Millisecond, HeartbeatInterval: time.Minute}),
		Limiter:   ratelimit.New(1000, time.Minute),
		StreamCfg: stream.Config{FlushInterval: 10 * time.Millisecond, FlushCount: 100, ContextUsagePoll: time.Hour, ContextUsageCacheTTL: time.Minute},
		Cfg:       config.Config{TTL: config.TTLConfig{Permission: 5 * time.Minute}},
	}
	return &testDeps{handler: h, store: st, sandbox: sb}
}
