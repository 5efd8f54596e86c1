package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/shsh-labs/internal/apperr"
	"github.com/ashureev/shsh-labs/internal/domain"
)

// handlePermissionRequest is the entry point the agent's tool
// collaborator calls to raise an out-of-band permission prompt. A
// corresponding permission_request event is written through the
// event log so late watchers see it happened.
func (h *Handler) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	chat, err := h.requireChat(r.Context(), chatID, r)
	if err != nil {
		WriteErr(w, err)
		return
	}

	var body struct {
		ToolName  string         `json:"tool_name"`
		ToolInput map[string]any `json:"tool_input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if body.ToolName == "" {
		Error(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	requestID := uuid.NewString()
	req := h.PermReg.Create(chat.ID, requestID, body.ToolName, body.ToolInput, h.Cfg.TTL.Permission)

	if msg, err := h.Store.GetActiveMessageByChat(r.Context(), chat.ID); err == nil && msg != nil {
		payload := map[string]any{"request_id": requestID, "tool_name": body.ToolName, "tool_input": body.ToolInput}
		if _, err := h.Store.AppendWithNextSeq(r.Context(), chat.ID, msg.ID, msg.ActiveStreamID, domain.EventPermissionRequest, payload, payload); err != nil {
			WriteErr(w, err)
			return
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"expires_at": req.ExpiresAt.Unix(),
	})
}

// handlePermissionWait long-polls for a decision,
// bounded by ?timeout= seconds (default and max 600s).
func (h *Handler) handlePermissionWait(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "rid")
	if _, err := h.requireChat(r.Context(), chi.URLParam(r, "id"), r); err != nil {
		WriteErr(w, err)
		return
	}

	timeout := 600 * time.Second
	if q := r.URL.Query().Get("timeout"); q != "" {
		secs, err := strconv.Atoi(q)
		if err != nil || secs <= 0 {
			Error(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		if requested := time.Duration(secs) * time.Second; requested < timeout {
			timeout = requested
		}
	}

	resp := h.PermReg.Wait(r.Context(), requestID, timeout)
	if resp != nil {
		JSON(w, http.StatusOK, resp)
		return
	}
	if _, stillPending := h.PermReg.Get(requestID); stillPending {
		JSON(w, http.StatusOK, map[string]any{"pending": true})
		return
	}
	// Expired (or never existed): surface the synthetic denial per S6
	// rather than a hang.
	JSON(w, http.StatusOK, domain.ExpiredResponse())
}

// handlePermissionRespond records the user's decision.
// 404 if the request has already expired. The registry drops a request
// once it is answered, so a repeat call for the same request also gets 404.
func (h *Handler) handlePermissionRespond(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "rid")
	if _, err := h.requireChat(r.Context(), chi.URLParam(r, "id"), r); err != nil {
		WriteErr(w, err)
		return
	}

	var resp domain.PermissionResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		Error(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if !h.PermReg.Respond(requestID, &resp) {
		WriteErr(w, apperr.NotFound("permission request not found or expired"))
		return
	}

	if decisionJSON, err := json.Marshal(resp); err == nil {
		// Best-effort: the in-process waker already fired; pubsub is only
		// the fallback for a cross-process waiter.
		if err := h.Bus.NotifyPermissionResponse(r.Context(), requestID, string(decisionJSON)); err != nil {
			slog.Warn("permission response publish failed", "request_id", requestID, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
