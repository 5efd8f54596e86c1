package domain

import "time"

// Recurrence is how often a ScheduledTask fires.
type Recurrence string

const (
	RecurrenceOnce    Recurrence = "once"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// TaskStatus is the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskPending   TaskStatus = "pending" // claimed by a worker, about to run
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ScheduledTask is a user-owned recurring (or one-shot) prompt that the
// Scheduler fires as an ordinary chat stream.
type ScheduledTask struct {
	ID             string
	UserID         string
	TaskName       string
	PromptMessage  string
	Recurrence     Recurrence
	ScheduledTime  string // HH:MM[:SS] in the user's local timezone
	ScheduledDay   *int   // weekday [0..6] for weekly, day-of-month [1..31] for monthly
	Timezone       string // IANA timezone name, e.g. "America/New_York"
	NextFireTime   *time.Time
	Status         TaskStatus
	ModelID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionStatus is the lifecycle state of a single TaskExecution.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// TaskExecution records one firing of a ScheduledTask.
type TaskExecution struct {
	ID           string
	TaskID       string
	Status       ExecutionStatus
	ExecutedAt   time.Time
	CompletedAt  *time.Time
	ChatID       string
	ErrorMessage string
}
