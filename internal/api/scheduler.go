package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-labs/internal/apperr"
	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/identity"
)

type taskBody struct {
	TaskName      string  `json:"task_name"`
	PromptMessage string  `json:"prompt_message"`
	Recurrence    string  `json:"recurrence"`
	ScheduledTime string  `json:"scheduled_time"`
	ScheduledDay  *int    `json:"scheduled_day,omitempty"`
	Timezone      string  `json:"timezone"`
	ModelID       string  `json:"model_id,omitempty"`
	Active        *bool   `json:"active,omitempty"`
}

// handleCreateTask creates a scheduled task.
func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var body taskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json body")
		return
	}

	task := &domain.ScheduledTask{
		UserID:        userID,
		TaskName:      body.TaskName,
		PromptMessage: body.PromptMessage,
		Recurrence:    domain.Recurrence(body.Recurrence),
		ScheduledTime: body.ScheduledTime,
		ScheduledDay:  body.ScheduledDay,
		Timezone:      body.Timezone,
		ModelID:       body.ModelID,
	}
	if err := h.Scheduler.CreateTask(r.Context(), task); err != nil {
		WriteErr(w, err)
		return
	}
	JSON(w, http.StatusCreated, task)
}

// handleListTasks lists the requesting user's scheduled tasks.
func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	tasks, err := h.Scheduler.ListTasks(r.Context(), userID)
	if err != nil {
		WriteErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleGetTask returns one scheduled task, scoped to its owner.
func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.requireOwnedTask(r)
	if err != nil {
		WriteErr(w, err)
		return
	}
	JSON(w, http.StatusOK, task)
}

// handleUpdateTask edits a scheduled task, or toggles active/paused when
// only "active" is supplied.
func (h *Handler) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.requireOwnedTask(r)
	if err != nil {
		WriteErr(w, err)
		return
	}

	var body taskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if body.Active != nil {
		if err := h.Scheduler.Toggle(r.Context(), task.ID, *body.Active); err != nil {
			WriteErr(w, err)
			return
		}
		if task, err = h.Scheduler.GetTask(r.Context(), task.ID); err != nil {
			WriteErr(w, err)
			return
		}
	}
	if body.TaskName != "" {
		task.TaskName = body.TaskName
	}
	if body.PromptMessage != "" {
		task.PromptMessage = body.PromptMessage
	}
	if body.Recurrence != "" {
		task.Recurrence = domain.Recurrence(body.Recurrence)
	}
	if body.ScheduledTime != "" {
		task.ScheduledTime = body.ScheduledTime
	}
	if body.ScheduledDay != nil {
		task.ScheduledDay = body.ScheduledDay
	}
	if body.Timezone != "" {
		task.Timezone = body.Timezone
	}
	if body.ModelID != "" {
		task.ModelID = body.ModelID
	}

	if err := h.Scheduler.UpdateTask(r.Context(), task); err != nil {
		WriteErr(w, err)
		return
	}
	JSON(w, http.StatusOK, task)
}

// handleDeleteTask removes a scheduled task.
func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.requireOwnedTask(r)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if err := h.Scheduler.DeleteTask(r.Context(), task.ID); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireOwnedTask(r *http.Request) (*domain.ScheduledTask, error) {
	taskID := chi.URLParam(r, "id")
	task, err := h.Scheduler.GetTask(r.Context(), taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != identity.UserIDFromContext(r.Context()) {
		return nil, apperr.Forbidden("scheduled task does not belong to this user")
	}
	return task, nil
}
