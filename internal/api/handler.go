// Package api wires the HTTP surface onto the chat streaming
// substrate: starting turns, SSE subscription, cancellation, the
// follow-up queue, the permission dialog, and scheduled-task CRUD.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/shsh-labs/internal/agentrunner"
	"github.com/ashureev/shsh-labs/internal/apperr"
	"github.com/ashureev/shsh-labs/internal/cancelreg"
	"github.com/ashureev/shsh-labs/internal/config"
	"github.com/ashureev/shsh-labs/internal/kv"
	"github.com/ashureev/shsh-labs/internal/livebus"
	"github.com/ashureev/shsh-labs/internal/permission"
	"github.com/ashureev/shsh-labs/internal/queue"
	"github.com/ashureev/shsh-labs/internal/ratelimit"
	"github.com/ashureev/shsh-labs/internal/sandbox"
	"github.com/ashureev/shsh-labs/internal/scheduler"
	"github.com/ashureev/shsh-labs/internal/sse"
	"github.com/ashureev/shsh-labs/internal/store"
	"github.com/ashureev/shsh-labs/internal/stream"
)

// Handler holds every collaborator the HTTP surface needs.
type Handler struct {
	Store     store.Store
	Bus       *livebus.Bus
	CancelReg *cancelreg.Registry
	PermReg   *permission.Registry
	Queue     *queue.Store
	KV        kv.KV
	Sandbox   sandbox.Service
	Runner    agentrunner.Runner
	Resumer   *sse.Resumer
	Scheduler *scheduler.Scheduler
	Limiter   *ratelimit.Limiter
	StreamCfg stream.Config
	Cfg       config.Config
}

// NewHandler builds a Handler.
func NewHandler(
	st store.Store,
	bus *livebus.Bus,
	cancelReg *cancelreg.Registry,
	permReg *permission.Registry,
	q *queue.Store,
	kvClient kv.KV,
	sb sandbox.Service,
	runner agentrunner.Runner,
	resumer *sse.Resumer,
	sched *scheduler.Scheduler,
	limiter *ratelimit.Limiter,
	streamCfg stream.Config,
	cfg config.Config,
) *Handler {
	return &Handler{
		Store:     st,
		Bus:       bus,
		CancelReg: cancelReg,
		PermReg:   permReg,
		Queue:     q,
		KV:        kvClient,
		Sandbox:   sb,
		Runner:    runner,
		Resumer:   resumer,
		Scheduler: sched,
		Limiter:   limiter,
		StreamCfg: streamCfg,
		Cfg:       cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// Error writes a JSON error response shaped {"error": message}.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// WriteErr maps err through apperr's taxonomy and writes the matching
// HTTP status and message, logging unexpected (Internal-kind) failures.
func WriteErr(w http.ResponseWriter, err error) {
	status := apperr.StatusFor(err)
	if apperr.KindOf(err) == apperr.KindInternal {
		slog.Error("request failed", "error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

// deps bundles the Stream Runtime's collaborators for one invocation.
func (h *Handler) streamDeps() stream.Deps {
	return stream.Deps{
		Store:     h.Store,
		Bus:       h.Bus,
		CancelReg: h.CancelReg,
		Queue:     h.Queue,
		KV:        h.KV,
		Sandbox:   h.Sandbox,
		Runner:    h.Runner,
		Config:    h.StreamCfg,
	}
}
