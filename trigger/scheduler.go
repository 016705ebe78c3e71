package trigger

import (
	"context"
	"time"

	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/logging"
	"github.com/ikurchat/jobs/task"
)

// SchedulerOptions holds configuration overrides passed to NewScheduler.
type SchedulerOptions struct {
	// PollPeriod is the fixed polling interval for due tasks.
	PollPeriod time.Duration
	// Logger receives claim and emission events.
	Logger logging.Logger
}

// Scheduler is the durable timer source: it polls the task store for
// pending scheduled tasks whose due time has passed, claims each one
// atomically (pending -> active via the compare-and-update path, so two
// overlapping poll cycles cannot double-fire one task) and emits one
// trigger event per claimed task.
//
// Repeat reinsertion is not the scheduler's job: the dispatcher reinserts
// the next occurrence after the emitted one completes, success or failure.
type Scheduler struct {
	tasks  *task.Manager
	store  core.TaskStore
	period time.Duration
	logger logging.Logger

	now func() time.Time
}

// NewScheduler constructs a scheduler over the task manager and store.
func NewScheduler(tasks *task.Manager, store core.TaskStore, optFns ...func(o *SchedulerOptions)) *Scheduler {
	opts := SchedulerOptions{
		PollPeriod: 30 * time.Second,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Scheduler{
		tasks:  tasks,
		store:  store,
		period: opts.PollPeriod,
		logger: opts.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Name identifies the source in logs.
func (s *Scheduler) Name() string { return "scheduler" }

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, emit func(core.TriggerEvent)) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Poll(ctx, emit); err != nil {
				s.logger.Error("scheduler poll failed", "error", err)
			}
		}
	}
}

// Poll selects all due pending tasks, claims each and emits one event per
// claimed task in due-time order. Exported so tests can force overlapping
// poll cycles.
func (s *Scheduler) Poll(ctx context.Context, emit func(core.TriggerEvent)) error {
	due, err := s.store.ListDue(ctx, s.now())
	if err != nil {
		return err
	}
	for _, t := range due {
		claimed, won, err := s.tasks.Claim(ctx, t.ID)
		if err != nil {
			s.logger.Error("scheduled task claim failed", "task_id", t.ID, "error", err)
			continue
		}
		if !won {
			// Another poll cycle got here first.
			continue
		}
		ev := core.NewTriggerEvent(core.SourceTimer, claimed.Assignee, claimed.Payload)
		ev.TaskID = claimed.ID
		ev.NotifyOwner = true
		s.logger.Debug("scheduled task fired", "task_id", claimed.ID, "due_at", claimed.Schedule.DueAt)
		emit(ev)
	}
	return nil
}

// CancelScheduled cancels a scheduled task. Only effective while the task
// is still pending: an active occurrence is allowed to complete, and its
// repeat reinsertion, if any, is what gets cancelled.
func (s *Scheduler) CancelScheduled(ctx context.Context, id string) error {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	switch t.Status {
	case core.TaskPending:
		return s.tasks.Cancel(ctx, id)
	case core.TaskActive:
		// The running occurrence completes; strip the repeat so the
		// dispatcher does not reinsert the next one.
		return s.tasks.StripRepeat(ctx, id)
	default:
		return nil
	}
}
