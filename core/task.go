package core

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of a task. Valid transitions:
//
//	pending -> active -> {completed | failed | cancelled}
//	pending -> cancelled
//
// Terminal states are sinks; no further transitions are allowed.
type TaskStatus string

const (
	// TaskPending is the initial state of every task.
	TaskPending TaskStatus = "pending"
	// TaskActive marks a claimed, in-flight task.
	TaskActive TaskStatus = "active"
	// TaskCompleted marks successful terminal completion.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed marks terminal failure.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled marks terminal cancellation.
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a sink state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CanTransition reports whether the state machine permits moving from s to
// next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskActive || next == TaskCancelled
	case TaskActive:
		return next.Terminal()
	default:
		return false
	}
}

// TaskKind categorizes how a task came to exist.
type TaskKind string

const (
	// TaskAdhoc is one-off work created directly by a session.
	TaskAdhoc TaskKind = "adhoc"
	// TaskScheduled is timer-driven work owned by the scheduler.
	TaskScheduled TaskKind = "scheduled"
	// TaskDelegated is cross-identity work created by one identity for
	// another.
	TaskDelegated TaskKind = "delegated"
)

// Schedule holds the timer parameters of a scheduled task. RepeatInterval
// of zero means one-shot.
type Schedule struct {
	DueAt          time.Time     `json:"due_at"`
	RepeatInterval time.Duration `json:"repeat_interval,omitempty"`
}

// Task is a durably stored unit of delegated or scheduled work.
//
// Contract:
//   - Status follows the TaskStatus state machine.
//   - ResumptionToken is set only after the owning session produced at
//     least one turn; a pending task never carries an active token.
//   - All mutations go through TaskStore.Update, a compare-and-update path
//     keyed by ID and Version, to avoid lost updates under concurrent
//     triggers.
type Task struct {
	ID       string     `json:"id"`
	Kind     TaskKind   `json:"kind"`
	Title    string     `json:"title"`
	Status   TaskStatus `json:"status"`
	Assignee string     `json:"assignee"`
	Creator  string     `json:"creator,omitempty"`

	Payload string `json:"payload,omitempty"`
	Result  string `json:"result,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// NextStep is a free-form resumable-state marker, opaque to the store.
	// The heartbeat sweep re-enters active tasks with a non-empty NextStep.
	NextStep string `json:"next_step,omitempty"`

	// ResumptionToken binds the task to prior conversation state so a
	// restart resumes the session instead of starting cold.
	ResumptionToken string `json:"resumption_token,omitempty"`

	Schedule *Schedule `json:"schedule,omitempty"`

	// Version is the optimistic concurrency counter incremented by every
	// successful Update.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe for independent mutation.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Schedule != nil {
		sched := *t.Schedule
		clone.Schedule = &sched
	}
	return &clone
}

// TaskStore persists tasks. Implementations must make Update an atomic
// compare-and-update keyed by (ID, Version) so two workers racing on the
// same record cannot both win.
type TaskStore interface {
	// Create inserts a new task. The store assigns Version 1 and stamps
	// CreatedAt/UpdatedAt if unset.
	Create(ctx context.Context, t *Task) error

	// Get returns a copy of the task, or ErrTaskNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// Update writes t if and only if the stored Version equals t.Version,
	// then increments Version and stamps UpdatedAt. Returns
	// ErrVersionConflict when the record moved underneath the caller and
	// ErrTaskNotFound for unknown ids. On success t reflects the stored
	// record.
	Update(ctx context.Context, t *Task) error

	// ListDue returns pending scheduled tasks with DueAt <= now, ordered by
	// DueAt ascending. Claiming is the caller's job via Update.
	ListDue(ctx context.Context, now time.Time) ([]*Task, error)

	// ListResumable returns active tasks with a non-empty NextStep, ordered
	// by UpdatedAt ascending (oldest first) to bound starvation.
	ListResumable(ctx context.Context) ([]*Task, error)

	// ListUnstarted returns pending non-scheduled tasks (delegated and
	// adhoc work waiting for its first turn), ordered by CreatedAt
	// ascending. Scheduled tasks are the scheduler's to claim via ListDue.
	ListUnstarted(ctx context.Context) ([]*Task, error)

	// LatestResumption returns the most recently updated non-terminal task
	// for the assignee that carries a resumption token, or (nil, nil).
	LatestResumption(ctx context.Context, assignee string) (*Task, error)

	// ListByAssignee returns every task assigned to the key, most recently
	// updated first.
	ListByAssignee(ctx context.Context, assignee string) ([]*Task, error)
}
