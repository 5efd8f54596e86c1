package stream

import (
	"context"
	"io"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/shsh-labs/internal/agentrunner"
	"github.com/ashureev/shsh-labs/internal/apperr"
	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/sandbox"
	"github.com/ashureev/shsh-labs/internal/store"
)

// fakeStore is a hand-rolled in-memory stand-in for store.Store, enough to
// drive a Runtime end to end without SQLite.
type fakeStore struct {
	mu sync.Mutex

	chats    map[string]*domain.Chat
	messages map[string]*domain.Message
	events   map[string][]*domain.MessageEvent // keyed by chat id
	seq      map[string]int64                  // keyed by chat id
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:    make(map[string]*domain.Chat),
		messages: make(map[string]*domain.Message),
		events:   make(map[string][]*domain.MessageEvent),
		seq:      make(map[string]int64),
	}
}

func (f *fakeStore) CreateChat(_ context.Context, chat *domain.Chat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[chat.ID] = chat
	return nil
}

func (f *fakeStore) GetChat(_ context.Context, chatID string) (*domain.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[chatID], nil
}

func (f *fakeStore) AppendWithNextSeq(_ context.Context, chatID, messageID, streamID string, eventType domain.EventType, renderPayload, auditPayload map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chats[chatID]; !ok {
		return 0, apperr.NotFound("chat not found")
	}
	f.seq[chatID]++
	seq := f.seq[chatID]
	f.events[chatID] = append(f.events[chatID], &domain.MessageEvent{
		ChatID: chatID, MessageID: messageID, StreamID: streamID,
		Seq: seq, EventType: eventType, RenderPayload: renderPayload, AuditPayload: auditPayload,
	})
	return seq, nil
}

func (f *fakeStore) AppendBatch(ctx context.Context, chatID, messageID, streamID string, events []store.PendingEvent) (int64, error) {
	var last int64
	for _, ev := range events {
		seq, err := f.AppendWithNextSeq(ctx, chatID, messageID, streamID, ev.EventType, ev.RenderPayload, ev.AuditPayload)
		if err != nil {
			return 0, err
		}
		last = seq
	}
	return last, nil
}

func (f *fakeStore) RangeByChat(_ context.Context, chatID string, afterSeq int64, limit int) ([]*domain.MessageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.MessageEvent
	for _, ev := range f.events[chatID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) RangeByMessage(_ context.Context, messageID string, afterSeq int64, limit int) ([]*domain.MessageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.MessageEvent
	for _, evs := range f.events {
		for _, ev := range evs {
			if ev.MessageID == messageID && ev.Seq > afterSeq {
				out = append(out, ev)
				if len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateContextTokenUsage(_ context.Context, chatID string, usage *domain.ContextTokenUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chat, ok := f.chats[chatID]; ok {
		chat.ContextTokenUsage = usage
	}
	return nil
}

func (f *fakeStore) SoftDeleteChat(_ context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chat, ok := f.chats[chatID]; ok {
		chat.Deleted = true
	}
	return nil
}

func (f *fakeStore) UpdateChatSandbox(_ context.Context, chatID, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok {
		return apperr.NotFound("chat not found")
	}
	chat.SandboxID = sandboxID
	return nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.ID] = msg
	return nil
}

func (f *fakeStore) GetMessage(_ context.Context, messageID string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[messageID], nil
}

func (f *fakeStore) UpdateSnapshot(_ context.Context, messageID string, update store.SnapshotUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return apperr.NotFound("message not found")
	}
	msg.ContentText = update.ContentText
	msg.ContentRender = update.ContentRender
	if update.LastSeq > msg.LastSeq {
		msg.LastSeq = update.LastSeq
	}
	if update.ActiveStreamID != nil {
		msg.ActiveStreamID = *update.ActiveStreamID
	}
	if update.StreamStatus != nil {
		msg.StreamStatus = *update.StreamStatus
	}
	if update.TotalCostUSD != nil {
		msg.TotalCostUSD = update.TotalCostUSD
	}
	if update.CheckpointID != nil {
		msg.CheckpointID = *update.CheckpointID
	}
	return nil
}

func (f *fakeStore) TryClaimStream(_ context.Context, messageID, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return apperr.NotFound("message not found")
	}
	if msg.ActiveStreamID != "" && msg.ActiveStreamID != streamID {
		return apperr.Conflict("message already claimed by another stream")
	}
	msg.ActiveStreamID = streamID
	return nil
}

func (f *fakeStore) GetActiveMessageByChat(_ context.Context, chatID string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range f.messages {
		if msg.ChatID == chatID && msg.ActiveStreamID != "" {
			return msg, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListMessagesByChat(_ context.Context, chatID string) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Message
	for _, msg := range f.messages {
		if msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) CreateTask(context.Context, *domain.ScheduledTask) error { return nil }
func (f *fakeStore) GetTask(context.Context, string) (*domain.ScheduledTask, error) {
	return nil, apperr.NotFound("not implemented in fake")
}
func (f *fakeStore) ListTasks(context.Context, string) ([]*domain.ScheduledTask, error) {
	return nil, nil
}
func (f *fakeStore) UpdateTask(context.Context, *domain.ScheduledTask) error { return nil }
func (f *fakeStore) DeleteTask(context.Context, string) error                { return nil }
func (f *fakeStore) ClaimDueTasks(context.Context, time.Time, int) ([]store.ClaimedTask, error) {
	return nil, nil
}
func (f *fakeStore) CompleteExecution(context.Context, string, domain.ExecutionStatus, string, string) error {
	return nil
}
func (f *fakeStore) ReapStaleExecutions(context.Context, time.Duration, map[string]bool) (int64, error) {
	return 0, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

var _ store.Store = (*fakeStore)(nil)

// fakeSandbox is a no-op sandbox.Service stand-in.
type fakeSandbox struct {
	checkpointErr error
	checkpoints   int
}

func (s *fakeSandbox) Create(context.Context, string, time.Time, map[string]string) (string, error) {
	return "sandbox-1", nil
}
func (s *fakeSandbox) Exec(context.Context, string, []string) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (s *fakeSandbox) Checkpoint(context.Context, string) (string, error) {
	s.checkpoints++
	if s.checkpointErr != nil {
		return "", s.checkpointErr
	}
	return "checkpoint-1", nil
}
func (s *fakeSandbox) Restore(context.Context, string, string, map[string]string) (string, error) {
	return "sandbox-1", nil
}
func (s *fakeSandbox) Delete(context.Context, string) error               { return nil }
func (s *fakeSandbox) IsRunning(context.Context, string) (bool, error)    { return true, nil }
func (s *fakeSandbox) EnsureNetwork(context.Context) (string, error)      { return "net-1", nil }
func (s *fakeSandbox) ListSandboxes(context.Context) (map[string]string, error) {
	return nil, nil
}

var _ sandbox.Service = (*fakeSandbox)(nil)

// fakeRunner replays a fixed sequence of events, then ends the stream.
// Send a non-nil err as the final item to simulate a failure.
type fakeRunner struct {
	events []agentrunner.Event
	err    error

	cancelled   bool
	cancelledMu sync.Mutex
	cost        *float64
}

func (r *fakeRunner) Run(_ context.Context, _ agentrunner.Request) iter.Seq2[agentrunner.Event, error] {
	return func(yield func(agentrunner.Event, error) bool) {
		for _, ev := range r.events {
			r.cancelledMu.Lock()
			cancelled := r.cancelled
			r.cancelledMu.Unlock()
			if cancelled {
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if r.err != nil {
			yield(agentrunner.Event{}, r.err)
		}
	}
}

func (r *fakeRunner) Cancel(string) {
	r.cancelledMu.Lock()
	defer r.cancelledMu.Unlock()
	r.cancelled = true
}

func (r *fakeRunner) TotalCostUSD(string) *float64 { return r.cost }

func (r *fakeRunner) ContextTokenUsage(context.Context, string) (*domain.ContextTokenUsage, error) {
	return nil, nil
}

var _ agentrunner.Runner = (*fakeRunner)(nil)
