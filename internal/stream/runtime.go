// Package stream implements the Stream Runtime, the centre of the chat
// streaming substrate. One Runtime is constructed per assistant
// message; it drains an AgentRunner's event sequence, batches
// snapshot-relevant events into the Snapshot Store, immediately flushes
// control events through the Event Log Store, and runs the completion
// actions (follow-up pop, context-usage refresh, sandbox checkpoint) once
// the agent finishes.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-labs/internal/agentrunner"
	"github.com/ashureev/shsh-labs/internal/cancelreg"
	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/kv"
	"github.com/ashureev/shsh-labs/internal/livebus"
	"github.com/ashureev/shsh-labs/internal/queue"
	"github.com/ashureev/shsh-labs/internal/redact"
	"github.com/ashureev/shsh-labs/internal/sandbox"
	"github.com/ashureev/shsh-labs/internal/store"
)

// auditPayload computes the audit-safe, redacted payload for ev: the
// agent's own audit_payload when it supplied one (it
// may know about fields the render payload hides), otherwise the
// render payload run through redact.Payload.
func auditPayload(ev agentrunner.Event) map[string]any {
	if ev.AuditPayload != nil {
		return ev.AuditPayload
	}
	return redact.Payload(ev.RenderPayload)
}

// Config holds the tunables a Runtime needs from the ambient
// configuration: the batching thresholds and the context-usage refresh
// cadence.
type Config struct {
	FlushInterval        time.Duration
	FlushCount            int
	ContextUsagePoll      time.Duration
	ContextUsageCacheTTL  time.Duration
}

// Deps bundles every collaborator a Runtime needs.
type Deps struct {
	Store    store.Store
	Bus      *livebus.Bus
	CancelReg *cancelreg.Registry
	Queue    *queue.Store
	KV       kv.KV
	Sandbox  sandbox.Service
	Runner   agentrunner.Runner
	Config   Config
}

// Runtime drives one assistant message's stream from start to completion.
type Runtime struct {
	deps Deps

	chat      *domain.Chat
	messageID string
	streamID  string

	req agentrunner.Request

	cancelEvent *cancelreg.Event

	mu               sync.Mutex
	cumulativeEvents []domain.RenderEvent
	cumulativeText   strings.Builder
	pendingBatch     []store.PendingEvent
	dirtyCount       int
	lastSeq          int64
	lastFlush        time.Time
	eventsSeen       int

	usageDone chan struct{}
}

// New constructs a Runtime for a freshly created assistant message. It
// does not start running — call Run to drive the lifecycle.
func New(deps Deps, chat *domain.Chat, messageID string, req agentrunner.Request) *Runtime {
	return &Runtime{
		deps:      deps,
		chat:      chat,
		messageID: messageID,
		streamID:  uuid.NewString(),
		req:       req,
		lastFlush: time.Now(),
		usageDone: make(chan struct{}),
	}
}

// StreamID returns the freshly allocated stream identifier.
func (rt *Runtime) StreamID() string { return rt.streamID }

// Run executes the full lifecycle: register, stream_started, consume
// loop, completion actions, unregister. It blocks until this stream
// completes; a chained follow-up runs in its own goroutine. Callers that
// must not block the originating HTTP request should invoke it in a goroutine
// with a detached context — a client SSE disconnect must not cancel
// the stream.
func (rt *Runtime) Run(ctx context.Context) {
	rt.req.MessageID = rt.messageID
	rt.req.ChatID = rt.chat.ID

	if err := rt.deps.Store.TryClaimStream(ctx, rt.messageID, rt.streamID); err != nil {
		slog.Error("stream runtime failed to claim message", "message_id", rt.messageID, "error", err)
		return
	}

	rt.cancelEvent = rt.deps.CancelReg.Register(rt.chat.ID)
	defer rt.deps.CancelReg.Unregister(rt.chat.ID, rt.cancelEvent)

	if _, err := rt.deps.Store.AppendWithNextSeq(ctx, rt.chat.ID, rt.messageID, rt.streamID, domain.EventStreamStarted, nil, nil); err != nil {
		slog.Error("failed to append stream_started", "message_id", rt.messageID, "error", err)
		return
	}
	activeStreamID := rt.streamID
	if err := rt.deps.Store.UpdateSnapshot(ctx, rt.messageID, store.SnapshotUpdate{
		ContentText:   "",
		ContentRender: domain.ContentRender{Events: []domain.RenderEvent{}, Segments: []any{}},
		LastSeq:       0,
		ActiveStreamID: &activeStreamID,
	}); err != nil {
		slog.Error("failed to write initial snapshot", "message_id", rt.messageID, "error", err)
		return
	}

	go rt.runContextUsageRefresher(ctx)

	status := rt.consumeLoop(ctx)

	close(rt.usageDone)
	rt.completionActions(ctx, status)
}

type agentItem struct {
	ev  agentrunner.Event
	err error
}

// consumeLoop races the agent event sequence against the cancellation
// event and the batching timer.
func (rt *Runtime) consumeLoop(ctx context.Context) domain.StreamStatus {
	items := make(chan agentItem)
	producerDone := make(chan struct{})

	go func() {
		defer close(items)
		for ev, err := range rt.deps.Runner.Run(ctx, rt.req) {
			select {
			case items <- agentItem{ev: ev, err: err}:
			case <-producerDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	cancelled := false
	failed := false

loop:
	for {
		select {
		case item, ok := <-items:
			if !ok {
				break loop
			}
			if item.err != nil {
				failed = true
				close(producerDone)
				break loop
			}
			rt.applyEvent(ctx, item.ev)

		case <-rt.cancelEvent.Done():
			cancelled = true
			rt.deps.Runner.Cancel(rt.streamID)
			close(producerDone)
			break loop

		case <-ticker.C:
			rt.maybeFlushOnCadence(ctx)
		}
	}

	switch {
	case cancelled:
		return domain.StreamInterrupted
	case failed:
		return domain.StreamFailed
	case rt.eventsSeen == 0:
		return domain.StreamFailed
	default:
		return domain.StreamCompleted
	}
}

// applyEvent classifies and applies one agent event.
func (rt *Runtime) applyEvent(ctx context.Context, ev agentrunner.Event) {
	rt.eventsSeen++

	if !ev.Type.IsSnapshot() {
		// Control event: flush the buffer first so downstream consumers
		// observe it in order relative to surrounding snapshot events.
		rt.flush(ctx)
		seq, err := rt.deps.Store.AppendWithNextSeq(ctx, rt.chat.ID, rt.messageID, rt.streamID, ev.Type, ev.RenderPayload, auditPayload(ev))
		if err != nil {
			slog.Error("failed to append control event", "message_id", rt.messageID, "event_type", ev.Type, "error", err)
			return
		}
		rt.mu.Lock()
		rt.lastSeq = seq
		rt.mu.Unlock()
		rt.publishLive(ctx)
		return
	}

	rt.mu.Lock()
	rt.cumulativeEvents = append(rt.cumulativeEvents, domain.RenderEvent{Type: ev.Type, Payload: ev.RenderPayload})
	if ev.Type == domain.EventAssistantText {
		if text, ok := ev.RenderPayload["text"].(string); ok {
			rt.cumulativeText.WriteString(text)
		}
	}
	rt.pendingBatch = append(rt.pendingBatch, store.PendingEvent{
		EventType:     ev.Type,
		RenderPayload: ev.RenderPayload,
		AuditPayload:  auditPayload(ev),
	})
	rt.dirtyCount++
	bufferedCount := len(rt.pendingBatch)
	rt.mu.Unlock()

	if bufferedCount >= rt.deps.Config.FlushCount {
		rt.flush(ctx)
	}
}

// maybeFlushOnCadence is invoked by the 200ms ticker, the second flush
// condition alongside the batch-size/event-kind triggers in applyEvent.
func (rt *Runtime) maybeFlushOnCadence(ctx context.Context) {
	rt.mu.Lock()
	shouldFlush := len(rt.pendingBatch) > 0 && time.Since(rt.lastFlush) >= rt.deps.Config.FlushInterval
	rt.mu.Unlock()

	if shouldFlush {
		rt.flush(ctx)
	}
}

// flush issues append_batch, conditionally writes the snapshot, and
// publishes an advisory notice. It is a no-op if nothing is buffered.
func (rt *Runtime) flush(ctx context.Context) {
	rt.mu.Lock()
	batch := rt.pendingBatch
	dirty := rt.dirtyCount
	cadenceMet := time.Since(rt.lastFlush) >= rt.deps.Config.FlushInterval || len(batch) >= rt.deps.Config.FlushCount
	rt.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	lastSeq, err := rt.deps.Store.AppendBatch(ctx, rt.chat.ID, rt.messageID, rt.streamID, batch)
	if err != nil {
		slog.Error("failed to append event batch", "message_id", rt.messageID, "error", err)
		return
	}

	rt.mu.Lock()
	rt.lastSeq = lastSeq
	rt.pendingBatch = nil
	rt.mu.Unlock()

	if dirty > 0 && cadenceMet {
		rt.writeSnapshot(ctx, nil, nil, nil)
		rt.mu.Lock()
		rt.dirtyCount = 0
		rt.lastFlush = time.Now()
		rt.mu.Unlock()
	}

	rt.publishLive(ctx)
}

// writeSnapshot calls the Snapshot Store's single entry point with the
// cumulative render/text accumulated so far. status and totalCostUSD are
// only set on the terminal transition. checkpointID is set only alongside
// the completed transition, once a sandbox checkpoint has been taken, and
// is folded into this same write rather than a second UpdateSnapshot call
// since content_text/content_render_json/last_seq are overwritten
// unconditionally on every call.
func (rt *Runtime) writeSnapshot(ctx context.Context, status *domain.StreamStatus, totalCostUSD *float64, checkpointID *string) {
	rt.mu.Lock()
	eventsCopy := make([]domain.RenderEvent, len(rt.cumulativeEvents))
	copy(eventsCopy, rt.cumulativeEvents)
	text := rt.cumulativeText.String()
	seq := rt.lastSeq
	rt.mu.Unlock()

	update := store.SnapshotUpdate{
		ContentText:   text,
		ContentRender: domain.ContentRender{Events: eventsCopy, Segments: []any{}},
		LastSeq:       seq,
		StreamStatus:  status,
		TotalCostUSD:  totalCostUSD,
		CheckpointID:  checkpointID,
	}
	if status != nil {
		empty := ""
		update.ActiveStreamID = &empty
	} else {
		id := rt.streamID
		update.ActiveStreamID = &id
	}

	if err := rt.deps.Store.UpdateSnapshot(ctx, rt.messageID, update); err != nil {
		slog.Error("failed to update snapshot", "message_id", rt.messageID, "error", err)
	}
}

func (rt *Runtime) publishLive(ctx context.Context) {
	envelope := fmt.Sprintf(`{"chatId":%q,"messageId":%q}`, rt.chat.ID, rt.messageID)
	if err := rt.deps.Bus.NotifyStreamLive(ctx, rt.chat.ID, envelope); err != nil {
		slog.Debug("live bus publish failed, resumer will fall back to polling", "error", err)
	}
}

// completionActions runs the status-dependent wrap-up: flush, sandbox
// checkpoint on success, and either chain a follow-up or finalize.
func (rt *Runtime) completionActions(ctx context.Context, status domain.StreamStatus) {
	rt.flush(ctx)

	switch status {
	case domain.StreamCompleted:
		cost := rt.deps.Runner.TotalCostUSD(rt.streamID)
		completed := domain.StreamCompleted

		var checkpointID *string
		if cp, err := rt.deps.Sandbox.Checkpoint(ctx, rt.chat.SandboxID); err != nil {
			slog.Warn("sandbox checkpoint failed, continuing", "chat_id", rt.chat.ID, "error", err)
		} else if cp != "" {
			checkpointID = &cp
		}

		rt.writeSnapshot(ctx, &completed, cost, checkpointID)
		rt.popFollowUpOrComplete(ctx)

	case domain.StreamInterrupted:
		interrupted := domain.StreamInterrupted
		rt.writeSnapshot(ctx, &interrupted, nil, nil)
		rt.refreshContextUsage(ctx)
		rt.emitTerminal(ctx, domain.EventCancelled)

	case domain.StreamFailed:
		failed := domain.StreamFailed
		rt.writeSnapshot(ctx, &failed, nil, nil)
		rt.refreshContextUsage(ctx)
		rt.emitTerminal(ctx, domain.EventError)
	}
}

func (rt *Runtime) emitTerminal(ctx context.Context, eventType domain.EventType) {
	if _, err := rt.deps.Store.AppendWithNextSeq(ctx, rt.chat.ID, rt.messageID, rt.streamID, eventType, nil, nil); err != nil {
		slog.Error("failed to append terminal event", "message_id", rt.messageID, "event_type", eventType, "error", err)
		return
	}
	rt.publishLive(ctx)
}

// popFollowUpOrComplete atomically pops any queued follow-up and chains
// into a new Runtime, or else refreshes context usage and emits the
// final complete frame.
func (rt *Runtime) popFollowUpOrComplete(ctx context.Context) {
	follow, err := rt.deps.Queue.PopNext(ctx, rt.chat.ID)
	if err != nil {
		slog.Error("failed to pop follow-up queue", "chat_id", rt.chat.ID, "error", err)
	}
	if follow == nil {
		rt.refreshContextUsage(ctx)
		rt.emitTerminal(ctx, domain.EventComplete)
		return
	}

	userMsg := &domain.Message{ID: uuid.NewString(), ChatID: rt.chat.ID, Role: domain.RoleUser, ContentText: follow.Content}
	if err := rt.deps.Store.CreateMessage(ctx, userMsg); err != nil {
		slog.Error("failed to create follow-up user message", "chat_id", rt.chat.ID, "error", err)
		return
	}
	assistantMsg := &domain.Message{
		ID: uuid.NewString(), ChatID: rt.chat.ID, Role: domain.RoleAssistant,
		ContentRender: domain.ContentRender{Events: []domain.RenderEvent{}, Segments: []any{}},
		StreamStatus:  domain.StreamInProgress,
	}
	if err := rt.deps.Store.CreateMessage(ctx, assistantMsg); err != nil {
		slog.Error("failed to create follow-up assistant message", "chat_id", rt.chat.ID, "error", err)
		return
	}

	if _, err := rt.deps.Store.AppendWithNextSeq(ctx, rt.chat.ID, assistantMsg.ID, rt.streamID, domain.EventQueueProcessing, nil, nil); err != nil {
		slog.Error("failed to append queue_processing event", "chat_id", rt.chat.ID, "error", err)
	}
	rt.publishLive(ctx)

	next := New(rt.deps, rt.chat, assistantMsg.ID, agentrunner.Request{
		ChatID:         rt.chat.ID,
		SessionID:      rt.req.SessionID,
		SandboxID:      rt.chat.SandboxID,
		Prompt:         follow.Content,
		ModelID:        follow.ModelID,
		PermissionMode: follow.PermissionMode,
		ThinkingMode:   follow.ThinkingMode,
		Attachments:    follow.Attachments,
	})
	go next.Run(context.Background())
	// The complete frame is intentionally skipped: the chained Runtime's
	// own stream_started/complete frames pick up where this one left off.
}

// runContextUsageRefresher polls agent.context_token_usage on a ticker
// until usageDone closes. The final refresh is made by completionActions.
func (rt *Runtime) runContextUsageRefresher(ctx context.Context) {
	ticker := time.NewTicker(rt.deps.Config.ContextUsagePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rt.refreshContextUsage(ctx)
		case <-rt.usageDone:
			return
		}
	}
}

func (rt *Runtime) refreshContextUsage(ctx context.Context) {
	usage, err := rt.deps.Runner.ContextTokenUsage(ctx, rt.req.SessionID)
	if err != nil {
		slog.Debug("context usage refresh failed", "chat_id", rt.chat.ID, "error", err)
		return
	}
	if usage == nil {
		return
	}

	if err := rt.deps.Store.UpdateContextTokenUsage(ctx, rt.chat.ID, usage); err != nil {
		slog.Error("failed to persist context usage", "chat_id", rt.chat.ID, "error", err)
	}

	cacheKey := fmt.Sprintf("chat:%s:context_usage", rt.chat.ID)
	cacheVal := fmt.Sprintf(`{"tokens_used":%d,"context_window":%d,"percentage":%f}`,
		usage.TokensUsed, usage.ContextWindow, usage.Percentage)
	if err := rt.deps.KV.SetEX(ctx, cacheKey, cacheVal, rt.deps.Config.ContextUsageCacheTTL); err != nil {
		slog.Debug("failed to cache context usage", "chat_id", rt.chat.ID, "error", err)
	}

	payload := map[string]any{
		"tokens_used":    usage.TokensUsed,
		"context_window": usage.ContextWindow,
		"percentage":     usage.Percentage,
	}
	if _, err := rt.deps.Store.AppendWithNextSeq(ctx, rt.chat.ID, rt.messageID, rt.streamID, domain.EventSystem, payload, nil); err != nil {
		slog.Debug("failed to emit context usage system event", "chat_id", rt.chat.ID, "error", err)
		return
	}
	rt.publishLive(ctx)
}
