// Package maintenance implements the Maintenance Loop: a supervisor
// that starts periodic background jobs on boot and stops
// them cleanly on shutdown. Each job runs on its own cron-style
// schedule and never overlaps its own previous run.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashureev/shsh-labs/internal/sandbox"
	"github.com/ashureev/shsh-labs/internal/scheduler"
	"github.com/ashureev/shsh-labs/internal/store"
)

// Supervisor owns the three periodic jobs: the scheduler tick (due-task
// dispatch plus stale-execution reap), refresh-token cleanup, and
// orphaned-sandbox cleanup.
type Supervisor struct {
	cron *cron.Cron
}

// Deps are the collaborators the supervisor's jobs call into.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Store     store.SchedulerStore
	Sandbox   sandbox.Service
	ChatStore store.EventLogStore

	SchedulerTickCron       string // default "@every 1m"
	RefreshTokenCleanupCron string // default "@every 24h"
	OrphanedSandboxCron     string // default "@every 1h"
	StaleExecutionAge       time.Duration
}

// New builds the supervisor, registering all three jobs with
// cron.SkipIfStillRunning so a slow run never overlaps its successor.
func New(deps Deps) (*Supervisor, error) {
	logger := cron.VerbosePrintfLogger(slogWriter{})
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	tickSpec := firstNonEmpty(deps.SchedulerTickCron, "@every 1m")
	tokenSpec := firstNonEmpty(deps.RefreshTokenCleanupCron, "@every 24h")
	sandboxSpec := firstNonEmpty(deps.OrphanedSandboxCron, "@every 1h")

	if _, err := c.AddFunc(tickSpec, func() { runJob("scheduler_tick", func() error {
		ctx := context.Background()
		deps.Scheduler.CheckDueTasks(ctx)
		if deps.StaleExecutionAge > 0 {
			n, err := deps.Store.ReapStaleExecutions(ctx, deps.StaleExecutionAge, deps.Scheduler.InFlightTaskIDs())
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Warn("reaped stale task executions", "count", n)
			}
		}
		return nil
	}) }); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(tokenSpec, func() { runJob("refresh_token_cleanup", func() error {
		return refreshTokenCleanup(context.Background())
	}) }); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(sandboxSpec, func() { runJob("orphaned_sandbox_cleanup", func() error {
		return orphanedSandboxCleanup(context.Background(), deps)
	}) }); err != nil {
		return nil, err
	}

	return &Supervisor{cron: c}, nil
}

// Start begins running the supervised jobs. Non-blocking.
func (s *Supervisor) Start() {
	s.cron.Start()
}

// Stop waits for any in-flight job run to finish, then stops the
// scheduler. Honors ctx's deadline.
func (s *Supervisor) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runJob(name string, fn func() error) {
	start := time.Now()
	if err := fn(); err != nil {
		slog.Error("maintenance job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	slog.Debug("maintenance job completed", "job", name, "duration", time.Since(start))
}

// refreshTokenCleanup purges expired server-side auth tokens. This
// deployment's identity layer (internal/identity) uses long-lived
// anonymous cookies with no server-side refresh token to expire —
// OAuth device flows are an explicit non-goal — so this job is
// currently a no-op kept as the documented slot for a future auth
// mechanism that does mint refresh tokens.
func refreshTokenCleanup(ctx context.Context) error {
	return nil
}

// orphanedSandboxCleanup tears down sandbox containers whose owning
// chat no longer exists or has been soft-deleted.
func orphanedSandboxCleanup(ctx context.Context, deps Deps) error {
	sandboxes, err := deps.Sandbox.ListSandboxes(ctx)
	if err != nil {
		return err
	}

	for chatID, sandboxID := range sandboxes {
		chat, err := deps.ChatStore.GetChat(ctx, chatID)
		if err != nil {
			slog.Warn("orphaned sandbox cleanup: lookup failed", "chat_id", chatID, "error", err)
			continue
		}
		if chat != nil && !chat.Deleted {
			continue
		}
		slog.Info("removing orphaned sandbox", "chat_id", chatID, "sandbox_id", sandboxID)
		if err := deps.Sandbox.Delete(ctx, sandboxID); err != nil {
			slog.Warn("orphaned sandbox removal failed", "chat_id", chatID, "sandbox_id", sandboxID, "error", err)
		}
	}
	return nil
}

func firstNonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// slogWriter adapts cron's printf-style logger onto slog.
type slogWriter struct{}

func (slogWriter) Printf(format string, args ...any) {
	slog.Debug("cron", "msg", fmt.Sprintf(format, args...))
}
