package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/shsh-labs/internal/agentrunner"
	"github.com/ashureev/shsh-labs/internal/apperr"
	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/identity"
	"github.com/ashureev/shsh-labs/internal/sse"
	"github.com/ashureev/shsh-labs/internal/stream"
)

const maxEventRangeLimit = 5000

// RegisterRoutes mounts the full HTTP surface under /api/v1.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", h.handleCreateChat)
		r.Get("/chats/{id}/stream", h.handleStream)
		r.Get("/chats/{id}/status", h.handleStatus)
		r.Delete("/chats/{id}/stream", h.handleCancelStream)
		r.Get("/messages/{id}/events", h.handleMessageEvents)
		r.Post("/chats/{id}/restore", h.handleRestoreChat)
		r.Post("/chats/{id}/fork", h.handleForkChat)

		r.Post("/chats/{id}/queue", h.handleQueueUpsert)
		r.Get("/chats/{id}/queue", h.handleQueueGet)
		r.Patch("/chats/{id}/queue", h.handleQueueUpdate)
		r.Delete("/chats/{id}/queue", h.handleQueueClear)

		r.Post("/chats/{id}/permissions/request", h.handlePermissionRequest)
		r.Get("/chats/{id}/permissions/response/{rid}", h.handlePermissionWait)
		r.Post("/chats/{id}/permissions/{rid}/respond", h.handlePermissionRespond)

		r.Get("/scheduler/tasks", h.handleListTasks)
		r.Post("/scheduler/tasks", h.handleCreateTask)
		r.Get("/scheduler/tasks/{id}", h.handleGetTask)
		r.Patch("/scheduler/tasks/{id}", h.handleUpdateTask)
		r.Delete("/scheduler/tasks/{id}", h.handleDeleteTask)
	})
}

// handleCreateChat starts a new turn (POST /chat, form-encoded),
// returns {chat_id, message_id, last_seq}. If chat_id is omitted a new
// chat is created; otherwise the turn is appended to the existing chat,
// provided it is not already mid-stream.
func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		Error(w, http.StatusBadRequest, "invalid form body")
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	if !h.Limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	content := r.FormValue("content")
	if content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}
	modelID := r.FormValue("model_id")
	permissionMode := r.FormValue("permission_mode")
	thinkingMode := r.FormValue("thinking_mode")
	attachments := r.Form["attachments"]

	ctx := r.Context()
	chat, err := h.resolveOrCreateChat(ctx, r.FormValue("chat_id"), userID)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if active, err := h.Store.GetActiveMessageByChat(ctx, chat.ID); err != nil {
		WriteErr(w, err)
		return
	} else if active != nil {
		WriteErr(w, apperr.Conflict("chat already has an active stream"))
		return
	}

	userMsg := &domain.Message{ID: uuid.NewString(), ChatID: chat.ID, Role: domain.RoleUser, ContentText: content, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := h.Store.CreateMessage(ctx, userMsg); err != nil {
		WriteErr(w, err)
		return
	}

	assistantMsg := &domain.Message{ID: uuid.NewString(), ChatID: chat.ID, Role: domain.RoleAssistant, StreamStatus: domain.StreamInProgress, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := h.Store.CreateMessage(ctx, assistantMsg); err != nil {
		WriteErr(w, err)
		return
	}

	req := agentrunner.Request{
		ChatID:         chat.ID,
		MessageID:      assistantMsg.ID,
		SessionID:      chat.SessionID,
		SandboxID:      chat.SandboxID,
		Prompt:         content,
		ModelID:        modelID,
		PermissionMode: permissionMode,
		ThinkingMode:   thinkingMode,
		Attachments:    attachments,
	}
	rt := stream.New(h.streamDeps(), chat, assistantMsg.ID, req)
	go rt.Run(context.Background())

	JSON(w, http.StatusAccepted, map[string]any{
		"chat_id":    chat.ID,
		"message_id": assistantMsg.ID,
		"last_seq":   chat.LastEventSeq,
	})
}

// resolveOrCreateChat loads chatID, verifying ownership, or provisions a
// new chat (and its sandbox) when chatID is empty.
func (h *Handler) resolveOrCreateChat(ctx context.Context, chatID, userID string) (*domain.Chat, error) {
	if chatID == "" {
		chat := &domain.Chat{ID: uuid.NewString(), UserID: userID, SessionID: uuid.NewString(), CreatedAt: time.Now(), UpdatedAt: time.Now()}
		sandboxID, err := h.Sandbox.Create(ctx, chat.ID, time.Now(), map[string]string{"CHAT_ID": chat.ID})
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "provision sandbox", err)
		}
		chat.SandboxID = sandboxID
		if err := h.Store.CreateChat(ctx, chat); err != nil {
			return nil, err
		}
		return chat, nil
	}

	chat, err := h.Store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil || chat.Deleted {
		return nil, apperr.NotFound("chat not found")
	}
	if chat.UserID != userID {
		return nil, apperr.Forbidden("chat does not belong to this user")
	}
	return chat, nil
}

// handleStream serves the SSE subscription.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	chat, err := h.requireChat(r.Context(), chatID, r)
	if err != nil {
		WriteErr(w, err)
		return
	}
	afterSeq := sse.ResumePoint(r)
	if err := h.Resumer.Serve(r.Context(), w, chat.ID, afterSeq); err != nil {
		slog.Debug("sse stream ended", "chat_id", chatID, "error", err)
	}
}

// handleStatus answers the active-stream probe.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	chat, err := h.requireChat(r.Context(), chatID, r)
	if err != nil {
		WriteErr(w, err)
		return
	}
	msg, err := h.Store.GetActiveMessageByChat(r.Context(), chat.ID)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if msg == nil {
		JSON(w, http.StatusOK, map[string]any{"has_active_task": false, "last_seq": chat.LastEventSeq})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"has_active_task": true,
		"stream_id":       msg.ActiveStreamID,
		"last_seq":        msg.LastSeq,
	})
}

// handleCancelStream requests cancellation of chatID's active stream,
// if any. Always 204, even if no stream exists.
func (h *Handler) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if _, err := h.requireChat(r.Context(), chatID, r); err != nil {
		WriteErr(w, err)
		return
	}
	h.CancelReg.RequestCancel(chatID)
	w.WriteHeader(http.StatusNoContent)
}

// handleMessageEvents reads an event-range window for a single message
// (GET /messages/{id}/events), capped at Cfg.SSE.MaxEventsPerRead rows
// (5000 when that is unset).
func (h *Handler) handleMessageEvents(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	afterSeq := int64(0)
	if q := r.URL.Query().Get("after_seq"); q != "" {
		parsed, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			Error(w, http.StatusBadRequest, "invalid after_seq")
			return
		}
		afterSeq = parsed
	}
	limit := h.Cfg.SSE.MaxEventsPerRead
	if limit <= 0 {
		limit = maxEventRangeLimit
	}
	events, err := h.Store.RangeByMessage(r.Context(), messageID, afterSeq, limit)
	if err != nil {
		WriteErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleRestoreChat rebuilds chatID's sandbox from a prior assistant
// message's checkpoint, discarding whatever sandbox state the chat
// currently has. The message log itself is untouched: the event log's
// gap-free seq invariant makes truncating it on restore a separate,
// riskier change than this endpoint needs to make.
func (h *Handler) handleRestoreChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	chat, err := h.requireChat(r.Context(), chatID, r)
	if err != nil {
		WriteErr(w, err)
		return
	}

	var body struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json body")
		return
	}

	ctx := r.Context()
	msg, err := h.checkpointForRestore(ctx, chat, body.MessageID)
	if err != nil {
		WriteErr(w, err)
		return
	}

	sandboxID, err := h.Sandbox.Restore(ctx, chat.ID, msg.CheckpointID, map[string]string{"CHAT_ID": chat.ID})
	if err != nil {
		WriteErr(w, apperr.Wrap(apperr.KindInternal, "restore sandbox from checkpoint", err))
		return
	}
	if err := h.Store.UpdateChatSandbox(ctx, chat.ID, sandboxID); err != nil {
		WriteErr(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleForkChat copies chatID's messages up to and including a
// checkpointed assistant message into a brand-new chat backed by a
// sandbox restored from that checkpoint, leaving the source chat
// untouched.
func (h *Handler) handleForkChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	chat, err := h.requireChat(r.Context(), chatID, r)
	if err != nil {
		WriteErr(w, err)
		return
	}

	var body struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json body")
		return
	}

	ctx := r.Context()
	target, err := h.checkpointForRestore(ctx, chat, body.MessageID)
	if err != nil {
		WriteErr(w, err)
		return
	}

	messages, err := h.Store.ListMessagesByChat(ctx, chat.ID)
	if err != nil {
		WriteErr(w, err)
		return
	}

	newChat := &domain.Chat{
		ID:        uuid.NewString(),
		UserID:    chat.UserID,
		SessionID: uuid.NewString(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	sandboxID, err := h.Sandbox.Restore(ctx, newChat.ID, target.CheckpointID, map[string]string{"CHAT_ID": newChat.ID})
	if err != nil {
		WriteErr(w, apperr.Wrap(apperr.KindInternal, "restore sandbox from checkpoint", err))
		return
	}
	newChat.SandboxID = sandboxID
	if err := h.Store.CreateChat(ctx, newChat); err != nil {
		WriteErr(w, err)
		return
	}

	var copied int
	for _, m := range messages {
		if m.CreatedAt.After(target.CreatedAt) {
			continue
		}
		clone := *m
		clone.ID = uuid.NewString()
		clone.ChatID = newChat.ID
		if err := h.Store.CreateMessage(ctx, &clone); err != nil {
			WriteErr(w, err)
			return
		}
		copied++
	}

	JSON(w, http.StatusCreated, map[string]any{
		"chat":            newChat,
		"messages_copied": copied,
	})
}

// checkpointForRestore loads messageID, verifying it belongs to chat and
// carries a checkpoint to restore/fork from.
func (h *Handler) checkpointForRestore(ctx context.Context, chat *domain.Chat, messageID string) (*domain.Message, error) {
	if messageID == "" {
		return nil, apperr.Validation("message_id is required")
	}
	msg, err := h.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.ChatID != chat.ID {
		return nil, apperr.NotFound("message not found")
	}
	if msg.CheckpointID == "" {
		return nil, apperr.NotFound("message has no checkpoint")
	}
	return msg, nil
}

// requireChat loads chatID and verifies it belongs to the requesting
// user, returning apperr.NotFound/Forbidden as appropriate.
func (h *Handler) requireChat(ctx context.Context, chatID string, r *http.Request) (*domain.Chat, error) {
	chat, err := h.Store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil || chat.Deleted {
		return nil, apperr.NotFound("chat not found")
	}
	userID := identity.UserIDFromContext(r.Context())
	if chat.UserID != userID {
		return nil, apperr.Forbidden("chat does not belong to this user")
	}
	return chat, nil
}

