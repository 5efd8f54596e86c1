// Package scheduler implements the Scheduler: CRUD over user-owned
// scheduled tasks, next-fire-time computation, and the
// exactly-once claim protocol that dispatches due tasks to workers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/shsh-labs/internal/apperr"
	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/store"
)

// Worker dispatches one claimed (task, execution) pair: it creates the
// sandbox and chat, constructs an assistant message in in_progress, and
// invokes a Stream Runtime, finally reporting the outcome back through
// CompleteExecution.
type Worker interface {
	Dispatch(ctx context.Context, task *domain.ScheduledTask, execution *domain.TaskExecution)
}

// Scheduler owns scheduled-task CRUD and the periodic claim tick.
type Scheduler struct {
	store      store.SchedulerStore
	worker     Worker
	claimBatch int

	inFlight   map[string]bool
	inFlightMu chanMutex
}

type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (c chanMutex) Lock()   { <-c }
func (c chanMutex) Unlock() { c <- struct{}{} }

// New builds a Scheduler.
func New(st store.SchedulerStore, worker Worker, claimBatch int) *Scheduler {
	return &Scheduler{
		store:      st,
		worker:     worker,
		claimBatch: claimBatch,
		inFlight:   make(map[string]bool),
		inFlightMu: newChanMutex(),
	}
}

// CreateTask validates task, computes its initial next_fire_time, and
// persists it.
func (s *Scheduler) CreateTask(ctx context.Context, task *domain.ScheduledTask) error {
	if err := validate(task); err != nil {
		return err
	}
	task.ID = uuid.NewString()
	if task.Status == "" {
		task.Status = domain.TaskActive
	}
	next, err := NextFireTime(task, time.Now())
	if err != nil {
		return err
	}
	task.NextFireTime = next

	if err := s.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *Scheduler) GetTask(ctx context.Context, taskID string) (*domain.ScheduledTask, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	if task == nil {
		return nil, apperr.NotFound("scheduled task not found")
	}
	return task, nil
}

// ListTasks returns every task owned by userID.
func (s *Scheduler) ListTasks(ctx context.Context, userID string) ([]*domain.ScheduledTask, error) {
	tasks, err := s.store.ListTasks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask validates and persists changes to an existing task,
// recomputing next_fire_time.
func (s *Scheduler) UpdateTask(ctx context.Context, task *domain.ScheduledTask) error {
	if err := validate(task); err != nil {
		return err
	}
	next, err := NextFireTime(task, time.Now())
	if err != nil {
		return err
	}
	task.NextFireTime = next

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("update scheduled task: %w", err)
	}
	return nil
}

// Toggle flips a task between active and paused, recomputing
// next_fire_time when reactivated.
func (s *Scheduler) Toggle(ctx context.Context, taskID string, active bool) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if active {
		task.Status = domain.TaskActive
		next, err := NextFireTime(task, time.Now())
		if err != nil {
			return err
		}
		task.NextFireTime = next
	} else {
		task.Status = domain.TaskPaused
		task.NextFireTime = nil
	}
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("toggle scheduled task: %w", err)
	}
	return nil
}

// DeleteTask removes a task and its execution history.
func (s *Scheduler) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	return nil
}

// CheckDueTasks implements the claim protocol: claim up to claimBatch
// due tasks, advance each recurring task's next_fire_time past now, and
// dispatch each to the Worker. Claimed tasks are
// tracked in-flight so ReapStaleExecutions does not treat them as
// abandoned.
func (s *Scheduler) CheckDueTasks(ctx context.Context) {
	claimed, err := s.store.ClaimDueTasks(ctx, time.Now(), s.claimBatch)
	if err != nil {
		slog.Error("check_due_tasks: claim failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	for _, c := range claimed {
		if c.Task.Recurrence == domain.RecurrenceOnce {
			continue
		}
		next, err := NextFireTime(c.Task, time.Now())
		if err != nil {
			slog.Error("check_due_tasks: compute next fire time failed", "task_id", c.Task.ID, "error", err)
			continue
		}
		c.Task.NextFireTime = next
		if err := s.store.UpdateTask(ctx, c.Task); err != nil {
			slog.Error("check_due_tasks: advance next fire time failed", "task_id", c.Task.ID, "error", err)
		}
	}

	s.inFlightMu.Lock()
	for _, c := range claimed {
		s.inFlight[c.Task.ID] = true
	}
	s.inFlightMu.Unlock()

	for _, c := range claimed {
		task, execution := c.Task, c.Execution
		go func() {
			defer func() {
				s.inFlightMu.Lock()
				delete(s.inFlight, task.ID)
				s.inFlightMu.Unlock()
			}()
			s.worker.Dispatch(ctx, task, execution)
		}()
	}
}

// InFlightTaskIDs returns the set of tasks currently dispatched, for the
// Maintenance Loop's reap pass to exclude from recovery.
func (s *Scheduler) InFlightTaskIDs() map[string]bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	out := make(map[string]bool, len(s.inFlight))
	for k := range s.inFlight {
		out[k] = true
	}
	return out
}

func validate(task *domain.ScheduledTask) error {
	switch task.Recurrence {
	case domain.RecurrenceWeekly:
		if task.ScheduledDay == nil || *task.ScheduledDay < 0 || *task.ScheduledDay > 6 {
			return apperr.Validation("weekly tasks require scheduled_day in [0..6]")
		}
	case domain.RecurrenceMonthly:
		if task.ScheduledDay == nil || *task.ScheduledDay < 1 || *task.ScheduledDay > 31 {
			return apperr.Validation("monthly tasks require scheduled_day in [1..31]")
		}
	case domain.RecurrenceOnce, domain.RecurrenceDaily:
		// no extra constraint
	default:
		return apperr.Validation(fmt.Sprintf("unknown recurrence %q", task.Recurrence))
	}
	if task.Timezone == "" {
		return apperr.Validation("timezone is required")
	}
	if _, err := time.LoadLocation(task.Timezone); err != nil {
		return apperr.Validation(fmt.Sprintf("invalid timezone %q: %v", task.Timezone, err))
	}
	if _, err := parseScheduledTime(task.ScheduledTime); err != nil {
		return apperr.Validation(fmt.Sprintf("invalid scheduled_time %q: %v", task.ScheduledTime, err))
	}
	return nil
}
