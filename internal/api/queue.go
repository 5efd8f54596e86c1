package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-labs/internal/apperr"
	"github.com/ashureev/shsh-labs/internal/queue"
)

// handleQueueUpsert queues a follow-up prompt for chatID,
// merging with any already-pending entry.
func (h *Handler) handleQueueUpsert(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if _, err := h.requireChat(r.Context(), chatID, r); err != nil {
		WriteErr(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		Error(w, http.StatusBadRequest, "invalid form body")
		return
	}
	content := r.FormValue("content")
	if content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	result, err := h.Queue.Upsert(r.Context(), chatID, content, r.FormValue("model_id"), r.FormValue("permission_mode"), r.FormValue("thinking_mode"), r.Form["attachments"])
	if err != nil {
		WriteErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"id":                result.ID,
		"created":           result.Created,
		"merged_content":    result.MergedContent,
		"merged_attachments": result.MergedAttachments,
	})
}

// handleQueueGet inspects chatID's pending follow-up, if any.
func (h *Handler) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if _, err := h.requireChat(r.Context(), chatID, r); err != nil {
		WriteErr(w, err)
		return
	}
	follow, err := h.Queue.Get(r.Context(), chatID)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if follow == nil {
		WriteErr(w, apperr.NotFound("no follow-up queued for this chat"))
		return
	}
	JSON(w, http.StatusOK, follow)
}

// handleQueueUpdate replaces the content of chatID's pending follow-up.
func (h *Handler) handleQueueUpdate(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if _, err := h.requireChat(r.Context(), chatID, r); err != nil {
		WriteErr(w, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		Error(w, http.StatusBadRequest, "invalid form body")
		return
	}
	if err := h.Queue.Update(r.Context(), chatID, r.FormValue("content")); err != nil {
		if errors.Is(err, queue.ErrNoFollowUp) {
			WriteErr(w, apperr.NotFound("no follow-up queued for this chat"))
			return
		}
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQueueClear clears chatID's pending follow-up.
func (h *Handler) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if _, err := h.requireChat(r.Context(), chatID, r); err != nil {
		WriteErr(w, err)
		return
	}
	if err := h.Queue.Clear(r.Context(), chatID); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
