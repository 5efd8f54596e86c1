package taskworker

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

// fakeStore is a hand-rolled in-memory stand-in for store.Store.
type fakeStore struct {
	mu sync.Mutex

	chats      map[string]*domain.Chat
	messages   map[string]*domain.Message
	executions map[string]completedExecution

	createChatErr   error
	createMessageErr error
	getMessageErr   error
}

type completedExecution struct {
	status domain.ExecutionStatus
	chatID string
	errMsg string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:      make(map[string]*domain.Chat),
		messages:   make(map[string]*domain.Message),
		executions: make(map[string]completedExecution),
	}
}

func (f *fakeStore) CreateChat(_ context.Context, chat *domain.Chat) error {
	if f.createChatErr != nil {
		return f.createChatErr
	}
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

func (f *fakeStore) AppendWithNextSeq(context.Context, string, string, string, domain.EventType, map[string]any, map[string]any) (int64, error) {
	return 1, nil
}
func (f *fakeStore) AppendBatch(context.Context, string, string, string, []store.PendingEvent) (int64, error) {
	return 1, nil
}
func (f *fakeStore) RangeByChat(context.Context, string, int64, int) ([]*domain.MessageEvent, error) {
	return nil, nil
}
func (f *fakeStore) RangeByMessage(context.Context, string, int64, int) ([]*domain.MessageEvent, error) {
	return nil, nil
}
func (f *fakeStore) UpdateContextTokenUsage(context.Context, string, *domain.ContextTokenUsage) error {
	return nil
}
func (f *fakeStore) SoftDeleteChat(context.Context, string) error { return nil }

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
	if f.createMessageErr != nil {
		return f.createMessageErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.ID] = msg
	return nil
}

func (f *fakeStore) GetMessage(_ context.Context, messageID string) (*domain.Message, error) {
	if f.getMessageErr != nil {
		return nil, f.getMessageErr
	}
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

func (f *fakeStore) GetActiveMessageByChat(context.Context, string) (*domain.Message, error) {
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

func (f *fakeStore) CompleteExecution(_ context.Context, executionID string, status domain.ExecutionStatus, chatID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions[executionID] = completedExecution{status: status, chatID: chatID, errMsg: errMsg}
	return nil
}
func (f *fakeStore) ReapStaleExecutions(context.Context, time.Duration, map[string]bool) (int64, error) {
	return 0, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

var _ store.Store = (*fakeStore)(nil)

type fakeSandbox struct {
	createErr error
	created   int
}

func (s *fakeSandbox) Create(context.Context, string, time.Time, map[string]string) (string, error) {
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

// fakeRunner replays a fixed event sequence for every Run call.
type fakeRunner struct {
	events []agentrunner.Event
	err    error
}

func (r *fakeRunner) Run(context.Context, agentrunner.Request) iter.Seq2[agentrunner.Event, error] {
	return func(yield func(agentrunner.Event, error) bool) {
		for _, ev := range r.events {
			if !yield(ev, nil) {
				return
			}
		}
		if r.err != nil {
			yield(agentrunner.Event{}, r.err)
		}
	}
}

func (r *fakeRunner) Cancel(string) {}

func (r *fakeRunner) TotalCostUSD(string) *float64 { return nil }

func (r *fakeRunner) ContextTokenUsage(context.Context, string) (*domain.ContextTokenUsage, error) {
	return nil, nil
}

var _ agentrunner.Runner = (*fakeRunner)(nil)
