package agentrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/ashureev/shsh-labs/internal/domain"
)

// SandboxExecutor is the narrow slice of the SandboxService collaborator
// this package needs: the ability to attach a command inside a running
// sandbox and get back a read/write stream, the same shape the teacher's
// DockerManager.CreateExecSession exposes for PTY sessions.
type SandboxExecutor interface {
	Exec(ctx context.Context, sandboxID string, cmd []string) (io.ReadWriteCloser, error)
}

// frame is the NDJSON wire shape the agent CLI writes to stdout, one line
// per event. The agent CLI transport itself is out of scope; this is the
// minimal framing a concrete implementation must map onto the Runner
// contract.
type frame struct {
	Type          string         `json:"type"`
	RenderPayload map[string]any `json:"render_payload,omitempty"`
	AuditPayload  map[string]any `json:"audit_payload,omitempty"`
	TotalCostUSD  *float64       `json:"total_cost_usd,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// DockerExecRunner implements Runner by attaching the agent CLI binary
// inside the chat's sandbox via SandboxExecutor.Exec and framing its
// stdout as NDJSON.
type DockerExecRunner struct {
	executor SandboxExecutor
	cmd      []string // argv for the agent CLI, e.g. []string{"/usr/local/bin/agent-cli"}

	mu        sync.Mutex
	cancelled map[string]bool
	lastCost  map[string]*float64
	sessions  map[string]io.Closer
}

// NewDockerExecRunner builds a Runner that drives the agent CLI through
// cmd inside each chat's sandbox via executor.
func NewDockerExecRunner(executor SandboxExecutor, cmd []string) *DockerExecRunner {
	return &DockerExecRunner{
		executor:  executor,
		cmd:       cmd,
		cancelled: make(map[string]bool),
		lastCost:  make(map[string]*float64),
		sessions:  make(map[string]io.Closer),
	}
}

// Run attaches the agent CLI inside req's sandbox, writes the turn
// request as a single JSON line, and yields one Event per NDJSON line
// read back until the stream closes, an error frame arrives, or Cancel
// is called for this stream.
func (r *DockerExecRunner) Run(ctx context.Context, req Request) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		stream, err := r.executor.Exec(ctx, req.SandboxID, r.cmd)
		if err != nil {
			yield(Event{}, fmt.Errorf("attach agent cli: %w", err))
			return
		}
		defer stream.Close()

		streamID := req.MessageID
		r.registerSession(streamID, stream)
		defer r.clearSession(streamID)

		reqLine, err := json.Marshal(req)
		if err != nil {
			yield(Event{}, fmt.Errorf("encode agent request: %w", err))
			return
		}
		if _, err := stream.Write(append(reqLine, '\n')); err != nil {
			yield(Event{}, fmt.Errorf("write agent request: %w", err))
			return
		}

		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

		for scanner.Scan() {
			if r.isCancelled(streamID) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var f frame
			if err := json.Unmarshal(line, &f); err != nil {
				slog.Warn("agent cli emitted malformed frame", "error", err, "line", string(line))
				continue
			}
			if f.Error != "" {
				yield(Event{}, fmt.Errorf("agent cli: %s", f.Error))
				return
			}
			if f.TotalCostUSD != nil {
				r.mu.Lock()
				r.lastCost[streamID] = f.TotalCostUSD
				r.mu.Unlock()
			}

			ev := Event{
				Type:          domain.EventType(f.Type),
				RenderPayload: f.RenderPayload,
				AuditPayload:  f.AuditPayload,
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Event{}, fmt.Errorf("read agent cli stream: %w", err))
		}
	}
}

// Cancel marks streamID cancelled and closes its attached stream, which
// unblocks the scanner inside Run.
func (r *DockerExecRunner) Cancel(streamID string) {
	r.mu.Lock()
	r.cancelled[streamID] = true
	sess := r.sessions[streamID]
	r.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
}

func (r *DockerExecRunner) TotalCostUSD(streamID string) *float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCost[streamID]
}

// ContextTokenUsage is a best-effort accessor; a DockerExecRunner has no
// side channel to query usage outside the event stream, so it reports
// "unknown" and relies on the in-band system events the agent CLI emits.
func (r *DockerExecRunner) ContextTokenUsage(ctx context.Context, sessionID string) (*domain.ContextTokenUsage, error) {
	return nil, nil
}

func (r *DockerExecRunner) registerSession(streamID string, stream io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[streamID] = stream
}

func (r *DockerExecRunner) clearSession(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, streamID)
	delete(r.cancelled, streamID)
}

func (r *DockerExecRunner) isCancelled(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[streamID]
}

var _ Runner = (*DockerExecRunner)(nil)
