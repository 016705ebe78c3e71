// Package task implements the conversation task manager: delegated,
// cross-identity and long-running work modeled as a small state machine
// over durable task records.
//
// All mutations go through the store's compare-and-update path; the manager
// retries lost races by re-reading, so callers see linearized transitions
// even when the scheduler, the sweep loop and a session race on the same
// record. Terminal transitions are idempotent: applying complete, fail or
// cancel to an already-terminal task is a no-op, which guarantees
// exactly-once effective completion under delivery retries.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/logging"
)

// casAttempts bounds the re-read loop on version conflicts. Conflicts are
// rare (two workers on one record) so a small budget suffices.
const casAttempts = 5

// Manager mutates durable tasks through the state machine.
type Manager struct {
	store  core.TaskStore
	logger logging.Logger
}

// NewManager constructs a Manager over the given store.
func NewManager(store core.TaskStore, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Manager{store: store, logger: logger}
}

// Create writes a new pending task and returns it. Creator may be empty for
// system-originated work.
func (m *Manager) Create(ctx context.Context, kind core.TaskKind, creator, assignee, title, payload string) (*core.Task, error) {
	if assignee == "" {
		return nil, fmt.Errorf("task: assignee must not be empty")
	}
	t := &core.Task{
		ID:       core.NewID(),
		Kind:     kind,
		Title:    title,
		Status:   core.TaskPending,
		Assignee: assignee,
		Creator:  creator,
		Payload:  payload,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("task: create: %w", err)
	}
	m.logger.Debug("task created", "task_id", t.ID, "kind", string(kind), "assignee", assignee)
	return t, nil
}

// CreateScheduled writes a new pending scheduled task.
func (m *Manager) CreateScheduled(ctx context.Context, assignee, title, payload string, dueAt time.Time, repeat time.Duration) (*core.Task, error) {
	t := &core.Task{
		ID:       core.NewID(),
		Kind:     core.TaskScheduled,
		Title:    title,
		Status:   core.TaskPending,
		Assignee: assignee,
		Payload:  payload,
		Schedule: &core.Schedule{DueAt: dueAt.UTC(), RepeatInterval: repeat},
	}
	if err := m.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("task: create scheduled: %w", err)
	}
	return t, nil
}

// Get returns the task by id.
func (m *Manager) Get(ctx context.Context, id string) (*core.Task, error) {
	return m.store.Get(ctx, id)
}

// ListFor returns every task assigned to the key, most recently updated
// first.
func (m *Manager) ListFor(ctx context.Context, assignee string) ([]*core.Task, error) {
	return m.store.ListByAssignee(ctx, assignee)
}

// Claim attempts the pending -> active transition. It returns (task, true)
// when this caller won the claim and (nil, false) when the task was already
// claimed, cancelled or finished by someone else. Exactly one of two
// racing claimers wins; the loser observes the version conflict and
// re-reads.
func (m *Manager) Claim(ctx context.Context, id string) (*core.Task, bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		t, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if t.Status != core.TaskPending {
			return nil, false, nil
		}
		t.Status = core.TaskActive
		err = m.store.Update(ctx, t)
		if err == nil {
			m.logger.Debug("task claimed", "task_id", id)
			return t, true, nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return nil, false, err
		}
	}
	// Persistent conflicts mean someone else keeps winning; treat as lost.
	return nil, false, nil
}

// Advance updates the durable next-step marker so a crash or restart can
// re-enter at the right point rather than restarting from creation.
// Advancing a terminal task is a no-op.
func (m *Manager) Advance(ctx context.Context, id, nextStep string) error {
	return m.mutate(ctx, id, func(t *core.Task) bool {
		if t.Status.Terminal() {
			return false
		}
		t.NextStep = nextStep
		return true
	})
}

// BindResumption records the conversation resumption token on an active
// task. Pending tasks never carry a token; binding one is a programming
// error surfaced to the caller.
func (m *Manager) BindResumption(ctx context.Context, id, token string) error {
	var rejected error
	err := m.mutate(ctx, id, func(t *core.Task) bool {
		if t.Status.Terminal() {
			return false
		}
		if t.Status == core.TaskPending {
			rejected = fmt.Errorf("task: cannot bind resumption token to pending task %s", id)
			return false
		}
		t.ResumptionToken = token
		return true
	})
	if err != nil {
		return err
	}
	return rejected
}

// StripRepeat removes the repeat interval from a scheduled task so the
// occurrence in flight becomes its last. No-op on tasks without a repeat.
func (m *Manager) StripRepeat(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(t *core.Task) bool {
		if t.Schedule == nil || t.Schedule.RepeatInterval <= 0 {
			return false
		}
		t.Schedule.RepeatInterval = 0
		return true
	})
}

// Complete transitions the task to completed. Idempotent on terminal tasks.
func (m *Manager) Complete(ctx context.Context, id, result string) error {
	return m.finish(ctx, id, core.TaskCompleted, func(t *core.Task) { t.Result = result })
}

// Fail transitions the task to failed. Idempotent on terminal tasks.
func (m *Manager) Fail(ctx context.Context, id, reason string) error {
	return m.finish(ctx, id, core.TaskFailed, func(t *core.Task) { t.Reason = reason })
}

// Cancel transitions the task to cancelled. Effective from pending or
// active; idempotent on terminal tasks.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.finish(ctx, id, core.TaskCancelled, nil)
}

// finish applies a terminal transition with idempotent retry semantics.
func (m *Manager) finish(ctx context.Context, id string, status core.TaskStatus, set func(*core.Task)) error {
	var invalid error
	err := m.mutate(ctx, id, func(t *core.Task) bool {
		if t.Status.Terminal() {
			// Applying a terminal op twice yields the same observable state.
			return false
		}
		if !t.Status.CanTransition(status) {
			invalid = fmt.Errorf("task: invalid transition %s -> %s for %s", t.Status, status, id)
			return false
		}
		from := t.Status
		t.Status = status
		t.NextStep = ""
		if set != nil {
			set(t)
		}
		m.logger.Info("task transition", "task_id", id, "from", string(from), "to", string(status))
		return true
	})
	if err != nil {
		return err
	}
	return invalid
}

// mutate runs the read-modify-update cycle with bounded conflict retries.
// fn returns false to abort without writing.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*core.Task) bool) error {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		t, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !fn(t) {
			return nil
		}
		err = m.store.Update(ctx, t)
		if err == nil {
			return nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("task: update of %s kept losing races: %w", id, lastErr)
}
