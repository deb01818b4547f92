// Package scheduled fires scheduled_time dispatch events on a timer,
// interval, or cron schedule. It holds no domain logic of its own: the
// only action a fired task takes is to call the dispatcher with the
// scheduled_time event kind, letting a listener rule decide what to do.
package scheduled

import (
	"time"
)

// Task is the definition of a scheduled dispatch trigger.
type Task struct {
	ID        string    `json:"id"` // UUIDv7
	Name      string    `json:"name"`
	Schedule  Schedule  `json:"schedule"`
	Payload   Payload   `json:"payload"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"` // config file, API caller, etc.
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedule defines when a task should fire.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       *time.Time   `json:"at,omitempty"`
	Every    *Duration    `json:"every,omitempty"`
	Cron     string       `json:"cron,omitempty"`
	Timezone string       `json:"timezone,omitempty"` // IANA timezone, default UTC
}

// ScheduleKind identifies the schedule type.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // one-shot at a specific time
	ScheduleEvery ScheduleKind = "every" // recurring interval
	ScheduleCron  ScheduleKind = "cron"  // five-field cron expression
)

// Duration wraps time.Duration for JSON serialization.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Payload carries the data a fired task hands to the dispatcher's
// scheduled_time event. Note is a human label for the listener that
// requested this schedule (e.g. "recheck-starred-daily"); Data is
// forwarded into the event payload unchanged.
type Payload struct {
	Note string         `json:"note,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Execution represents a single firing of a task.
type Execution struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      string          `json:"result,omitempty"`
}

// ExecutionStatus indicates the state of an execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped" // missed window, chose not to catch up
)

// NextRun calculates the next firing time for a task after the given
// instant. The bool is false when the task has no future runs (a
// one-shot "at" schedule already passed, or a malformed cron/every).
func (t *Task) NextRun(after time.Time) (time.Time, bool) {
	loc := time.UTC
	if t.Schedule.Timezone != "" {
		if l, err := time.LoadLocation(t.Schedule.Timezone); err == nil {
			loc = l
		}
	}

	switch t.Schedule.Kind {
	case ScheduleAt:
		if t.Schedule.At != nil && t.Schedule.At.After(after) {
			return *t.Schedule.At, true
		}
		return time.Time{}, false

	case ScheduleEvery:
		if t.Schedule.Every == nil || t.Schedule.Every.Duration <= 0 {
			return time.Time{}, false
		}
		interval := t.Schedule.Every.Duration
		base := t.CreatedAt
		if base.IsZero() {
			base = after
		}
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	case ScheduleCron:
		expr, err := parseCron(t.Schedule.Cron)
		if err != nil {
			return time.Time{}, false
		}
		return expr.next(after.In(loc))

	default:
		return time.Time{}, false
	}
}
