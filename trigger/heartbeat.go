package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/logging"
	"github.com/ikurchat/jobs/task"
)

// HeartbeatOKMarker in the agent reply means "nothing worth reporting";
// the sweep stays silent and the owner is not pinged.
const HeartbeatOKMarker = "HEARTBEAT_OK"

// HeartbeatOptions holds configuration overrides passed to NewHeartbeat.
type HeartbeatOptions struct {
	// Interval is the sweep period.
	Interval time.Duration
	// OwnerCheckPrompt is the periodic "anything important?" prompt sent
	// to the owner session each sweep. Empty disables the owner check.
	OwnerCheckPrompt string
	// Logger receives sweep activity.
	Logger logging.Logger
}

// Heartbeat is the periodic sweep source. Each interval it claims and
// begins every pending delegated or adhoc task waiting for its first turn,
// re-enters every active task that carries a resumable next-step marker
// (oldest update first so no stalled task starves), and optionally wakes
// the owner session for a proactive check. Sweep replies use the OK marker
// protocol: a reply containing HeartbeatOKMarker is swallowed instead of
// notifying the owner.
type Heartbeat struct {
	tasks    *task.Manager
	store    core.TaskStore
	ownerKey string
	interval time.Duration
	prompt   string
	logger   logging.Logger
}

// NewHeartbeat constructs a heartbeat sweep over the task manager and
// store.
func NewHeartbeat(tasks *task.Manager, store core.TaskStore, ownerKey string, optFns ...func(o *HeartbeatOptions)) *Heartbeat {
	opts := HeartbeatOptions{
		Interval: 30 * time.Minute,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Heartbeat{
		tasks:    tasks,
		store:    store,
		ownerKey: ownerKey,
		interval: opts.Interval,
		prompt:   opts.OwnerCheckPrompt,
		logger:   opts.Logger,
	}
}

// Name identifies the source in logs.
func (h *Heartbeat) Name() string { return "heartbeat" }

// Run sweeps until ctx is cancelled. The first sweep happens one full
// interval after start, not immediately.
func (h *Heartbeat) Run(ctx context.Context, emit func(core.TriggerEvent)) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.Sweep(ctx, emit); err != nil {
				h.logger.Error("heartbeat sweep failed", "error", err)
			}
		}
	}
}

// Sweep claims and begins unstarted delegated work, emits one re-entry
// event per resumable task, and adds the optional owner check. Exported so
// tests and an explicit "check now" path can run a sweep on demand.
func (h *Heartbeat) Sweep(ctx context.Context, emit func(core.TriggerEvent)) error {
	unstarted, err := h.store.ListUnstarted(ctx)
	if err != nil {
		return err
	}
	for _, t := range unstarted {
		// The claim is the handoff: pending -> active exactly once even
		// when two sweeps overlap.
		claimed, won, err := h.tasks.Claim(ctx, t.ID)
		if err != nil {
			h.logger.Error("unstarted task claim failed", "task_id", t.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		ev := core.NewTriggerEvent(core.SourceSweep, claimed.Assignee, beginPrompt(claimed))
		ev.TaskID = claimed.ID
		ev.NotifyOwner = true
		h.logger.Debug("sweep beginning task", "task_id", claimed.ID, "assignee", claimed.Assignee)
		emit(ev)
	}

	resumable, err := h.store.ListResumable(ctx)
	if err != nil {
		return err
	}
	for _, t := range resumable {
		ev := core.NewTriggerEvent(core.SourceSweep, t.Assignee, reentryPrompt(t))
		ev.TaskID = t.ID
		ev.NotifyOwner = true
		ev.SilentMarker = HeartbeatOKMarker
		h.logger.Debug("sweep re-entering task", "task_id", t.ID, "next_step", t.NextStep)
		emit(ev)
	}

	if h.prompt != "" {
		ev := core.NewTriggerEvent(core.SourceSweep, h.ownerKey, h.prompt)
		ev.NotifyOwner = true
		ev.SilentMarker = HeartbeatOKMarker
		emit(ev)
	}
	return nil
}

// beginPrompt frames a freshly claimed task for the agent's first turn on
// it.
func beginPrompt(t *core.Task) string {
	return fmt.Sprintf(
		"New task %q (id %s) from %s.\n%s\n"+
			"Reply %s <result> when the task is finished, or %s <step> to record a resume point.",
		t.Title, t.ID, t.Creator, t.Payload, DoneMarker, StepMarkerPrefix,
	)
}

// reentryPrompt frames the stalled task for the agent: where it stopped
// and how to report progress.
func reentryPrompt(t *core.Task) string {
	return fmt.Sprintf(
		"Resume task %q (id %s). You previously stopped at step %q.\n%s\n"+
			"Reply %s <result> when the task is finished, %s <step> to record a new resume point, or %s if there is nothing to do yet.",
		t.Title, t.ID, t.NextStep, t.Payload, DoneMarker, StepMarkerPrefix, HeartbeatOKMarker,
	)
}
