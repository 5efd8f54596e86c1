package api

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
	"github.com/ashureev/shsh-labs/internal/kv"
	"github.com/ashureev/shsh-labs/internal/sandbox"
	"github.com/ashureev/shsh-labs/internal/store"
)

// fakeStore is a hand-rolled in-memory stand-in for store.Store, scoped
// to what the api package's handler tests exercise.
type fakeStore struct {
	mu sync.Mutex

	chats      map[string]*domain.Chat
	messages   map[string]*domain.Message
	tasks      map[string]*domain.ScheduledTask
	events     map[string][]*domain.MessageEvent
	appendErr  error
	getChatErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:    make(map[string]*domain.Chat),
		messages: make(map[string]*domain.Message),
		tasks:    make(map[string]*domain.ScheduledTask),
		events:   make(map[string][]*domain.MessageEvent),
	}
}

func (f *fakeStore) CreateChat(_ context.Context, chat *domain.Chat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[chat.ID] = chat
	return nil
}

func (f *fakeStore) GetChat(_ context.Context, chatID string) (*domain.Chat, error) {
	if f.getChatErr != nil {
		return nil, f.getChatErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[chatID], nil
}

func (f *fakeStore) AppendWithNextSeq(_ context.Context, chatID, messageID, streamID string, eventType domain.EventType, renderPayload, auditPayload map[string]any) (int64, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok {
		return 0, apperr.NotFound("chat not found")
	}
	chat.LastEventSeq++
	ev := &domain.MessageEvent{Seq: chat.LastEventSeq, ChatID: chatID, MessageID: messageID, StreamID: streamID, EventType: eventType}
	f.events[messageID] = append(f.events[messageID], ev)
	return chat.LastEventSeq, nil
}

func (f *fakeStore) AppendBatch(context.Context, string, string, string, []store.PendingEvent) (int64, error) {
	return 0, nil
}

func (f *fakeStore) RangeByChat(context.Context, string, int64, int) ([]*domain.MessageEvent, error) {
	return nil, nil
}

func (f *fakeStore) RangeByMessage(_ context.Context, messageID string, afterSeq int64, limit int) ([]*domain.MessageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.MessageEvent
	for _, ev := range f.events[messageID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateContextTokenUsage(context.Context, string, *domain.ContextTokenUsage) error {
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
		return apperr.Conflict("already claimed")
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

func (f *fakeStore) CreateTask(_ context.Context, task *domain.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (*domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[taskID], nil
}

func (f *fakeStore) ListTasks(_ context.Context, userID string) ([]*domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ScheduledTask
	for _, t := range f.tasks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateTask(_ context.Context, task *domain.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) DeleteTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, taskID)
	return nil
}

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

// fakeSandbox is a hand-rolled stand-in for sandbox.Service.
type fakeSandbox struct {
	mu        sync.Mutex
	created   int
	createErr error
}

func (s *fakeSandbox) Create(context.Context, string, time.Time, map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	if s.createErr != nil {
		return "", s.createErr
	}
	return "sandbox-1", nil
}
func (s *fakeSandbox) Exec(context.Context, string, []string) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (s *fakeSandbox) Checkpoint(context.Context, string) (string, error) { return "checkpoint-1", nil }
func (s *fakeSandbox) Restore(context.Context, string, string, map[string]string) (string, error) {
	return "sandbox-restored-1", nil
}
func (s *fakeSandbox) Delete(context.Context, string) error            { return nil }
func (s *fakeSandbox) IsRunning(context.Context, string) (bool, error) { return true, nil }
func (s *fakeSandbox) EnsureNetwork(context.Context) (string, error)   { return "net-1", nil }
func (s *fakeSandbox) ListSandboxes(context.Context) (map[string]string, error) {
	return nil, nil
}

var _ sandbox.Service = (*fakeSandbox)(nil)

// fakeRunner replays a fixed event sequence for every Run call, or none
// by default (the handler tests care about the HTTP response, not the
// streamed turn itself).
type fakeRunner struct {
	events []agentrunner.Event
}

func (r *fakeRunner) Run(context.Context, agentrunner.Request) iter.Seq2[agentrunner.Event, error] {
	return func(yield func(agentrunner.Event, error) bool) {
		for _, ev := range r.events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (r *fakeRunner) Cancel(string) {}

func (r *fakeRunner) TotalCostUSD(string) *float64 { return nil }

func (r *fakeRunner) ContextTokenUsage(context.Context, string) (*domain.ContextTokenUsage, error) {
	return nil, nil
}

var _ agentrunner.Runner = (*fakeRunner)(nil)

// memKV is a minimal mutex-protected in-memory kv.KV, enough to wire the
// real livebus.Bus/queue.Store/cancelreg.Registry collaborators a Handler
// needs.
type memKV struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemKV() *memKV { return &memKV{values: make(map[string]string)} }

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}
func (m *memKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
func (m *memKV) SetEX(ctx context.Context, key, value string, _ time.Duration) error {
	return m.Set(ctx, key, value)
}
func (m *memKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
func (m *memKV) Publish(context.Context, string, string) error { return nil }
func (m *memKV) Subscribe(context.Context, string) kv.Subscription {
	return &memSubscription{ch: make(chan string)}
}
func (m *memKV) CompareAndSwap(_ context.Context, key string, maxRetries int, fn kv.CASFunc) (string, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		m.mu.Lock()
		current, exists := m.values[key]
		next, _, err := fn(current, exists)
		if err != nil {
			m.mu.Unlock()
			if err == kv.ErrAbortCAS {
				return current, nil
			}
			return "", err
		}
		m.values[key] = next
		m.mu.Unlock()
		return next, nil
	}
	return "", kv.ErrCASConflict
}
func (m *memKV) Close() error { return nil }

type memSubscription struct{ ch chan string }

func (s *memSubscription) Channel() <-chan string { return s.ch }
func (s *memSubscription) Close() error           { close(s.ch); return nil }

var _ kv.KV = (*memKV)(nil)
