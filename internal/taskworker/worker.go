// Package taskworker implements the scheduler.Worker contract: turning one
// claimed (ScheduledTask, TaskExecution) pair into an ordinary chat stream,
// the same Stream Runtime that a live HTTP request would drive.
package taskworker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-labs/internal/agentrunner"
	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/sandbox"
	"github.com/ashureev/shsh-labs/internal/store"
	"github.com/ashureev/shsh-labs/internal/stream"
)

// Worker dispatches scheduled tasks as chat turns.
type Worker struct {
	store     store.Store
	sandbox   sandbox.Service
	streamDep func() stream.Deps
}

// New builds a Worker. streamDeps is called fresh for every dispatch so the
// worker always sees the Handler's current collaborators.
func New(st store.Store, sb sandbox.Service, streamDeps func() stream.Deps) *Worker {
	return &Worker{store: st, sandbox: sb, streamDep: streamDeps}
}

// Dispatch runs task's prompt as a new turn in the chat resolveChat picks
// or provisions, and reports the outcome back through
// CompleteExecution. It never returns an error: all failures are recorded
// against the execution instead, since nothing is waiting on the call.
func (w *Worker) Dispatch(ctx context.Context, task *domain.ScheduledTask, execution *domain.TaskExecution) {
	chat, err := w.resolveChat(ctx, task, execution)
	if err != nil {
		slog.Error("scheduled task: resolve chat failed", "task_id", task.ID, "error", err)
		w.complete(ctx, execution, domain.ExecutionFailed, "", err.Error())
		return
	}
	execution.ChatID = chat.ID

	now := time.Now()
	assistantMsg := &domain.Message{
		ID:           uuid.NewString(),
		ChatID:       chat.ID,
		Role:         domain.RoleAssistant,
		StreamStatus: domain.StreamInProgress,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := w.store.CreateMessage(ctx, assistantMsg); err != nil {
		slog.Error("scheduled task: create message failed", "task_id", task.ID, "error", err)
		w.complete(ctx, execution, domain.ExecutionFailed, chat.ID, err.Error())
		return
	}

	req := agentrunner.Request{
		ChatID:    chat.ID,
		MessageID: assistantMsg.ID,
		SessionID: chat.SessionID,
		SandboxID: chat.SandboxID,
		Prompt:    task.PromptMessage,
		ModelID:   task.ModelID,
	}

	rt := stream.New(w.streamDep(), chat, assistantMsg.ID, req)
	rt.Run(ctx)

	msg, err := w.store.GetMessage(ctx, assistantMsg.ID)
	if err != nil || msg == nil {
		w.complete(ctx, execution, domain.ExecutionFailed, chat.ID, "scheduled turn finished but its outcome could not be read back")
		return
	}
	if msg.StreamStatus == domain.StreamFailed || msg.StreamStatus == domain.StreamInterrupted {
		w.complete(ctx, execution, domain.ExecutionFailed, chat.ID, string(msg.StreamStatus))
		return
	}
	w.complete(ctx, execution, domain.ExecutionSuccess, chat.ID, "")
}

func (w *Worker) complete(ctx context.Context, execution *domain.TaskExecution, status domain.ExecutionStatus, chatID, errMsg string) {
	if err := w.store.CompleteExecution(ctx, execution.ID, status, chatID, errMsg); err != nil {
		slog.Error("scheduled task: complete execution failed", "execution_id", execution.ID, "error", err)
	}
}

// resolveChat reuses execution.ChatID when it names a chat that exists
// and is not soft-deleted; otherwise it provisions a fresh chat and
// sandbox. Executions created by ClaimDueTasks carry no chat id, so each
// firing of a task gets a new chat.
func (w *Worker) resolveChat(ctx context.Context, task *domain.ScheduledTask, execution *domain.TaskExecution) (*domain.Chat, error) {
	if execution.ChatID != "" {
		if chat, err := w.store.GetChat(ctx, execution.ChatID); err == nil && chat != nil && !chat.Deleted {
			return chat, nil
		}
	}

	chat := &domain.Chat{
		ID:        uuid.NewString(),
		UserID:    task.UserID,
		SessionID: uuid.NewString(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	sandboxID, err := w.sandbox.Create(ctx, chat.ID, time.Now(), map[string]string{"CHAT_ID": chat.ID, "SCHEDULED_TASK_ID": task.ID})
	if err != nil {
		return nil, err
	}
	chat.SandboxID = sandboxID
	if err := w.store.CreateChat(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}
