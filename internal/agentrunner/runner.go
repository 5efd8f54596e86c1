// Package agentrunner defines the AgentRunner collaborator contract: a
// black box that, given a prompt plus
// configuration, yields a lazy sequence of typed events and exposes
// cancel/cost/context-usage accessors. The agent CLI transport itself is
// out of scope; this package only owns the Go-side contract and a
// subprocess-based reference implementation that maps a child process's
// stdout framing onto it.
package agentrunner

import (
	"context"
	"iter"

	"github.com/ashureev/shsh-labs/internal/domain"
)

// Event is one item yielded by a Runner's Run sequence.
type Event struct {
	Type          domain.EventType
	RenderPayload map[string]any // nil for control events that carry no payload
	AuditPayload  map[string]any // full, unredacted detail; see internal/redact before persisting
}

// Request carries everything a Runner needs to produce one assistant
// turn.
type Request struct {
	ChatID         string
	MessageID      string
	SessionID      string
	SandboxID      string
	Prompt         string
	ModelID        string
	PermissionMode string
	ThinkingMode   string
	Attachments    []string
}

// Runner is the AgentRunner collaborator: given a Request, Run yields a
// lazy, single-consumer sequence of typed events. Implementations that
// wrap a subprocess must map stdout framing onto this contract. Cancel is
// safe to call at any time and is idempotent.
type Runner interface {
	// Run starts (or resumes) the agent turn and yields events as they
	// arrive. The sequence ends when the agent finishes, fails, or Cancel
	// is called. A non-nil error from the sequence ends iteration.
	Run(ctx context.Context, req Request) iter.Seq2[Event, error]

	// Cancel requests that the in-flight Run sequence stop producing
	// further events. Safe to call at any time, including before Run
	// starts or after it has finished, and idempotent.
	Cancel(streamID string)

	// TotalCostUSD returns the accumulated cost of the most recently
	// completed Run for streamID, or nil if unknown.
	TotalCostUSD(streamID string) *float64

	// ContextTokenUsage returns the model's current context-window usage
	// for sessionID, or nil if the runner cannot report it right now.
	ContextTokenUsage(ctx context.Context, sessionID string) (*domain.ContextTokenUsage, error)
}
