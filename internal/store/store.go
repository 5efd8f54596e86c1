// Package store provides data persistence interfaces and implementations
// for the chat streaming substrate: the durable Event Log Store, the
// Snapshot Store, and the Scheduler's task/execution tables.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shsh-labs/internal/domain"
)

// EventLogStore is the durable, gap-free per-chat event log. A single
// authoritative counter on the Chat row eliminates the need for a
// distributed sequence allocator: append_with_next_seq increments it and
// inserts the row in the same transaction, so seq is strictly increasing
// and never has gaps across concurrent callers.
type EventLogStore interface {
	// CreateChat inserts a new Chat row with last_event_seq = 0.
	CreateChat(ctx context.Context, chat *domain.Chat) error

	// GetChat retrieves a chat by id. Returns nil, nil if absent.
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)

	// AppendWithNextSeq atomically increments chat.last_event_seq and
	// inserts a MessageEvent with the new value. Returns apperr.NotFound
	// if the chat is absent.
	AppendWithNextSeq(ctx context.Context, chatID, messageID, streamID string, eventType domain.EventType, renderPayload, auditPayload map[string]any) (seq int64, err error)

	// AppendBatch is equivalent to N calls to AppendWithNextSeq but
	// allocates N consecutive seqs in a single round-trip.
	AppendBatch(ctx context.Context, chatID, messageID, streamID string, events []PendingEvent) (lastSeq int64, err error)

	// RangeByChat returns events for chatID with seq > afterSeq, ordered
	// by seq ascending, capped at limit rows.
	RangeByChat(ctx context.Context, chatID string, afterSeq int64, limit int) ([]*domain.MessageEvent, error)

	// RangeByMessage returns events for messageID with seq > afterSeq,
	// ordered by seq ascending, capped at limit rows.
	RangeByMessage(ctx context.Context, messageID string, afterSeq int64, limit int) ([]*domain.MessageEvent, error)

	// UpdateContextTokenUsage persists the chat's cached context-window
	// usage view.
	UpdateContextTokenUsage(ctx context.Context, chatID string, usage *domain.ContextTokenUsage) error

	// SoftDeleteChat marks a chat deleted without destroying its event
	// history.
	SoftDeleteChat(ctx context.Context, chatID string) error

	// UpdateChatSandbox persists a new sandbox_id for chatID. Used when a
	// restore or fork replaces a chat's running sandbox with one rebuilt
	// from a checkpoint image.
	UpdateChatSandbox(ctx context.Context, chatID, sandboxID string) error
}

// PendingEvent is one event queued for a batched AppendBatch call, before
// it has been assigned a seq.
type PendingEvent struct {
	EventType     domain.EventType
	RenderPayload map[string]any
	AuditPayload  map[string]any
}

// SnapshotStore is the coalesced, redraw-without-replay view of a
// message. UpdateSnapshot is the single entry point for every mutation
// of a Message row so the max(last_seq) discipline holds.
type SnapshotStore interface {
	// CreateMessage inserts a new Message row.
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// GetMessage retrieves a message by id. Returns nil, nil if absent.
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)

	// UpdateSnapshot applies a SnapshotUpdate to messageID. last_seq is
	// written as max(current, new) to tolerate out-of-order flushes.
	// StreamStatus and TotalCostUSD are only written when non-nil.
	UpdateSnapshot(ctx context.Context, messageID string, update SnapshotUpdate) error

	// TryClaimStream enforces the single-writer property: it succeeds
	// only if active_stream_id is null or already equals
	// streamID, atomically setting it to streamID. Returns apperr.Conflict
	// if another stream holds the message.
	TryClaimStream(ctx context.Context, messageID, streamID string) error

	// GetActiveMessageByChat returns the message in chatID currently held
	// by a stream (non-empty active_stream_id), or nil, nil if none is
	// active. Backs the GET /chats/{id}/status probe.
	GetActiveMessageByChat(ctx context.Context, chatID string) (*domain.Message, error)

	// ListMessagesByChat returns every message in chatID ordered by
	// created_at ascending. Backs chat fork, which copies the messages up
	// to and including a restore point into a new chat.
	ListMessagesByChat(ctx context.Context, chatID string) ([]*domain.Message, error)
}

// SnapshotUpdate is the partial-update shape accepted by UpdateSnapshot.
// Nil pointer fields are left unchanged.
type SnapshotUpdate struct {
	ContentText    string
	ContentRender  domain.ContentRender
	LastSeq        int64
	ActiveStreamID *string // nil = leave unchanged, pointer-to-"" = clear
	StreamStatus   *domain.StreamStatus
	TotalCostUSD   *float64
	CheckpointID   *string // nil = leave unchanged, pointer-to-"" = clear
}

// SchedulerStore is the persistence layer for scheduled tasks and their
// executions.
type SchedulerStore interface {
	CreateTask(ctx context.Context, task *domain.ScheduledTask) error
	GetTask(ctx context.Context, taskID string) (*domain.ScheduledTask, error)
	ListTasks(ctx context.Context, userID string) ([]*domain.ScheduledTask, error)
	UpdateTask(ctx context.Context, task *domain.ScheduledTask) error
	DeleteTask(ctx context.Context, taskID string) error

	// ClaimDueTasks atomically claims up to limit tasks whose status is
	// active and next_fire_time <= now, clearing next_fire_time for a
	// "once" task and setting status=pending, and inserts a running
	// TaskExecution per claimed task. A recurring task's next_fire_time is
	// left as it was; Scheduler.CheckDueTasks advances it after the claim.
	// Returns the claimed (task, execution) pairs.
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]ClaimedTask, error)

	// CompleteExecution transitions a TaskExecution to its terminal
	// status and returns the task to active (recurring) or
	// completed/failed (once).
	CompleteExecution(ctx context.Context, executionID string, status domain.ExecutionStatus, chatID, errMsg string) error

	// ReapStaleExecutions transitions executions stuck in "running" for
	// longer than olderThan, whose task id is not in keepAlive, to "failed",
	// and returns their owning tasks to "active".
	ReapStaleExecutions(ctx context.Context, olderThan time.Duration, keepAlive map[string]bool) (int64, error)
}

// ClaimedTask pairs a freshly-claimed ScheduledTask with the TaskExecution
// row created for this firing.
type ClaimedTask struct {
	Task      *domain.ScheduledTask
	Execution *domain.TaskExecution
}

// Store is the union of every persistence concern the chat streaming
// substrate needs, backed by a single SQLite database.
type Store interface {
	EventLogStore
	SnapshotStore
	SchedulerStore

	Ping(ctx context.Context) error
	Close() error
}
