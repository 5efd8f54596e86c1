// Package domain contains the core domain types for the chat streaming
// substrate: chats, messages, the durable event log, and the scheduled-task
// entities that feed it.
package domain

import "time"

// Chat is the top-level conversation a user is having with the agent.
// last_event_seq is the sole allocator of per-chat sequence numbers and
// only ever increases.
type Chat struct {
	ID                string
	UserID            string
	SandboxID         string
	SessionID         string
	LastEventSeq      int64
	ContextTokenUsage *ContextTokenUsage
	Deleted           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ContextTokenUsage is the cached view of how much of the model's context
// window the conversation has consumed.
type ContextTokenUsage struct {
	TokensUsed    int64   `json:"tokens_used"`
	ContextWindow int64   `json:"context_window"`
	Percentage    float64 `json:"percentage"`
}

// StreamStatus is the terminal-or-not status of an assistant message.
type StreamStatus string

const (
	StreamInProgress StreamStatus = "in_progress"
	StreamCompleted  StreamStatus = "completed"
	StreamInterrupted StreamStatus = "interrupted"
	StreamFailed     StreamStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s StreamStatus) Terminal() bool {
	switch s {
	case StreamCompleted, StreamInterrupted, StreamFailed:
		return true
	default:
		return false
	}
}

// Role distinguishes user-authored from assistant-authored messages.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a chat. For assistant messages, ContentText
// and ContentRender are the coalesced snapshot of every snapshot-relevant
// event applied so far — the render is sufficient for a client to redraw
// the message without replaying the event log.
type Message struct {
	ID             string
	ChatID         string
	Role           Role
	ContentText    string
	ContentRender  ContentRender
	LastSeq        int64
	ActiveStreamID string // empty means no producer is currently writing
	StreamStatus   StreamStatus
	TotalCostUSD   *float64
	CheckpointID   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ContentRender is the persisted shape clients use to redraw a message.
// Segments is reserved for future use and always empty on write.
type ContentRender struct {
	Events   []RenderEvent `json:"events"`
	Segments []any         `json:"segments"`
}

// RenderEvent is one snapshot-relevant event folded into a message's render.
type RenderEvent struct {
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventType enumerates every event kind the agent runner can produce, plus
// the runtime's own control events.
type EventType string

const (
	EventAssistantText      EventType = "assistant_text"
	EventAssistantThinking  EventType = "assistant_thinking"
	EventToolStarted        EventType = "tool_started"
	EventToolCompleted      EventType = "tool_completed"
	EventToolFailed         EventType = "tool_failed"
	EventPermissionRequest  EventType = "permission_request"
	EventSystem             EventType = "system"
	EventPromptSuggestions  EventType = "prompt_suggestions"

	// Control events — not snapshot-applied, always flushed immediately.
	EventStreamStarted  EventType = "stream_started"
	EventComplete       EventType = "complete"
	EventCancelled      EventType = "cancelled"
	EventError          EventType = "error"
	EventQueueProcessing EventType = "queue_processing"
)

// IsSnapshot reports whether an event type is folded into the message
// snapshot (Snapshot Store) as opposed to being a control event that is
// only ever appended to the log.
func (t EventType) IsSnapshot() bool {
	switch t {
	case EventAssistantText, EventAssistantThinking, EventToolStarted,
		EventToolCompleted, EventToolFailed, EventPermissionRequest,
		EventSystem, EventPromptSuggestions:
		return true
	default:
		return false
	}
}

// MessageEvent is one durably-appended row in the per-chat event log.
// (chat_id, seq) is unique; for a given chat the set of persisted seqs is
// always the gap-free interval [1..Chat.LastEventSeq].
type MessageEvent struct {
	ID           int64
	ChatID       string
	MessageID    string
	StreamID     string
	Seq          int64
	EventType    EventType
	RenderPayload map[string]any
	AuditPayload  map[string]any
	CreatedAt     time.Time
}
