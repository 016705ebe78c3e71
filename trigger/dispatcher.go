// Package trigger unifies heterogeneous event sources (durable timers, the
// periodic heartbeat sweep, external subscription feeds) into one ordered
// delivery path into the session registry. Each trigger event is delivered
// to exactly one target session; events for different identities may run
// concurrently while events for the same identity are strictly serialized.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/identity"
	"github.com/ikurchat/jobs/logging"
	"github.com/ikurchat/jobs/session"
	"github.com/ikurchat/jobs/task"
)

// Reply markers the dispatcher understands on trigger-driven turns. The
// reasoning engine is opaque, so task progression is steered the same way
// silence is: by markers in the final reply.
const (
	// DoneMarker in a reply completes the owning task.
	DoneMarker = "TASK_DONE"
	// StepMarkerPrefix followed by a step name records the task's next
	// resumable step, e.g. "NEXT_STEP: awaiting_confirmation".
	StepMarkerPrefix = "NEXT_STEP:"
)

// DispatcherOptions holds configuration overrides passed to NewDispatcher.
type DispatcherOptions struct {
	// QueueSize is the per-identity event queue depth.
	QueueSize int
	// MaxAttempts bounds infrastructure-level delivery retries.
	MaxAttempts int
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
	// WorkerIdle is how long an identity's worker lingers without events
	// before it retires and its queue is dropped.
	WorkerIdle time.Duration
	// OwnerPrefix is prepended to owner notifications of trigger results.
	OwnerPrefix string
	// Logger receives delivery outcomes.
	Logger logging.Logger
}

// Dispatcher delivers trigger events into sessions.
//
// Ordering: events enqueued for the same identity are processed in
// admission order by one worker per identity. Across identities there is no
// ordering guarantee.
type Dispatcher struct {
	sessions *session.Registry
	tasks    *task.Manager
	resolver *identity.Resolver
	agent    core.AgentCaller
	outbound core.Outbound
	logger   logging.Logger

	queueSize   int
	maxAttempts int
	retryBase   time.Duration
	workerIdle  time.Duration
	ownerPrefix string

	mu      sync.Mutex
	ctx     context.Context
	queues  map[string]*workQueue
	workers sync.WaitGroup
}

// workQueue is one identity's event queue. pending counts producers past
// admission but possibly still blocked on the channel send, so a retiring
// worker can tell a truly idle queue from one with an in-flight handoff.
type workQueue struct {
	ch      chan core.TriggerEvent
	pending int
}

// NewDispatcher constructs a dispatcher over the session registry, task
// manager and agent boundary.
func NewDispatcher(
	sessions *session.Registry,
	tasks *task.Manager,
	resolver *identity.Resolver,
	agent core.AgentCaller,
	outbound core.Outbound,
	optFns ...func(o *DispatcherOptions),
) *Dispatcher {
	opts := DispatcherOptions{
		QueueSize:   64,
		MaxAttempts: 3,
		RetryBase:   250 * time.Millisecond,
		WorkerIdle:  5 * time.Minute,
		OwnerPrefix: "[background]",
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Dispatcher{
		sessions:    sessions,
		tasks:       tasks,
		resolver:    resolver,
		agent:       agent,
		outbound:    outbound,
		logger:      opts.Logger,
		queueSize:   opts.QueueSize,
		maxAttempts: opts.MaxAttempts,
		retryBase:   opts.RetryBase,
		workerIdle:  opts.WorkerIdle,
		ownerPrefix: opts.OwnerPrefix,
	}
}

// Start binds the dispatcher's worker lifetime to ctx. Must be called
// before Dispatch; workers drain and exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx = ctx
	d.queues = make(map[string]*workQueue)
}

// Wait blocks until all identity workers have exited. Call after the Start
// context is cancelled.
func (d *Dispatcher) Wait() { d.workers.Wait() }

// Dispatch admits one trigger event to its target identity's queue,
// blocking only when the queue is full. An empty target routes to the
// owner; untargeted background results always land in the owner's lap.
func (d *Dispatcher) Dispatch(ctx context.Context, ev core.TriggerEvent) error {
	target := ev.TargetKey
	if target == "" {
		target = d.resolver.OwnerKey()
	}

	d.mu.Lock()
	if d.ctx == nil {
		d.mu.Unlock()
		return fmt.Errorf("trigger: dispatcher not started")
	}
	q, ok := d.queues[target]
	if !ok {
		q = &workQueue{ch: make(chan core.TriggerEvent, d.queueSize)}
		d.queues[target] = q
		d.workers.Add(1)
		go d.worker(d.ctx, target, q)
	}
	q.pending++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		q.pending--
		d.mu.Unlock()
	}()

	ev.TargetKey = target
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker drains one identity's queue in admission order, retiring after
// the configured idle period.
func (d *Dispatcher) worker(ctx context.Context, key string, q *workQueue) {
	defer d.workers.Done()
	idle := time.NewTimer(d.workerIdle)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			d.retire(key, q)
			return
		case ev := <-q.ch:
			start := time.Now()
			attempts, err := d.deliver(ctx, key, ev)
			if hl, ok := d.logger.(*logging.HostLogger); ok {
				hl.LogTriggerDelivery(string(ev.Source), ev.ID, key, attempts, time.Since(start), err)
			} else if err != nil {
				d.logger.Error("trigger delivery failed", "event_id", ev.ID, "target", key, "attempts", attempts, "error", err)
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(d.workerIdle)
		case <-idle.C:
			if d.retire(key, q) {
				return
			}
			idle.Reset(d.workerIdle)
		}
	}
}

// retire removes the queue from the map when nothing is buffered and no
// producer is mid-handoff; a later Dispatch simply starts a fresh worker.
func (d *Dispatcher) retire(key string, q *workQueue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(q.ch) > 0 || q.pending > 0 {
		return false
	}
	delete(d.queues, key)
	d.logger.Debug("idle trigger worker retired", "target", key)
	return true
}

// deliver runs one event to completion: resolve, acquire, agent call,
// task transitions, owner notification. Infrastructure failures are
// retried with backoff up to the attempt budget; agent failures are not
// retried because the occurrence is already consumed.
func (d *Dispatcher) deliver(ctx context.Context, key string, ev core.TriggerEvent) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := d.retryBase << (attempt - 2)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return attempt, ctx.Err()
			}
		}

		id, err := d.resolver.Lookup(ctx, key)
		if err != nil {
			if errors.Is(err, core.ErrIdentityBanned) || errors.Is(err, core.ErrInvalidIdentity) {
				// Not transient; drop without burning the retry budget.
				return attempt, d.dropEvent(ctx, ev, err)
			}
			lastErr = err
			continue
		}

		handle, err := d.sessions.Acquire(ctx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return attempt, err
			}
			lastErr = err
			continue
		}

		err = d.runTurn(ctx, handle, ev)
		handle.Release()

		if err == nil {
			return attempt, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() == nil {
				// The delivery context is alive, so the turn was cut short
				// by a force-released session lock, not by shutdown.
				return attempt, d.failEvent(ctx, ev, fmt.Errorf("session lock force-released mid-turn: %w", err))
			}
			// Shutdown: the task stays in its last recorded state.
			return attempt, err
		}
		// Agent-level failure: the occurrence is consumed, never requeued.
		return attempt, d.failEvent(ctx, ev, err)
	}
	return d.maxAttempts, d.dropEvent(ctx, ev, lastErr)
}

// runTurn executes the agent call under the held session lock and applies
// the reply to the owning task and the notification path. The turn is
// bound to the handle's context so a force-released lock interrupts the
// agent call instead of letting it race the new holder.
func (d *Dispatcher) runTurn(ctx context.Context, handle *session.Handle, ev core.TriggerEvent) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(handle.Context(), cancel)
	defer stop()

	sess := handle.Session()

	input := core.AgentInput{
		Prompt:          ev.Payload,
		ResumptionToken: sess.ResumptionToken(),
	}

	start := time.Now()
	reply, token, err := Collect(turnCtx, d.agent, sess.Capabilities, input)
	if hl, ok := d.logger.(*logging.HostLogger); ok {
		hl.LogAgentCall(sess.Identity.Key, time.Since(start), err == nil, err)
	}
	if err != nil {
		return err
	}

	if token != "" {
		sess.SetResumptionToken(token)
		if ev.TaskID != "" {
			if err := d.tasks.BindResumption(ctx, ev.TaskID, token); err != nil {
				d.logger.Warn("resumption bind failed", "task_id", ev.TaskID, "error", err)
			}
		}
	}
	sess.Touch()

	if ev.TaskID != "" {
		if err := d.applyReplyToTask(ctx, ev, reply); err != nil {
			return err
		}
	}

	d.notify(ctx, ev, reply)
	return nil
}

// applyReplyToTask progresses the owning task from the reply markers:
// an explicit step marker records the resume point, the done marker (or a
// plain reply on a timer occurrence) completes the task.
func (d *Dispatcher) applyReplyToTask(ctx context.Context, ev core.TriggerEvent, reply string) error {
	if step, ok := stepMarker(reply); ok {
		return d.tasks.Advance(ctx, ev.TaskID, step)
	}
	if strings.Contains(reply, DoneMarker) || ev.Source == core.SourceTimer {
		result := strings.TrimSpace(strings.ReplaceAll(reply, DoneMarker, ""))
		if err := d.tasks.Complete(ctx, ev.TaskID, result); err != nil {
			return err
		}
		return d.reinsertRepeat(ctx, ev.TaskID)
	}
	return nil
}

// failEvent marks the owning task failed and surfaces the failure to the
// owner; the event itself is consumed.
func (d *Dispatcher) failEvent(ctx context.Context, ev core.TriggerEvent, cause error) error {
	if ev.TaskID != "" {
		if err := d.tasks.Fail(ctx, ev.TaskID, cause.Error()); err != nil {
			d.logger.Error("task fail transition failed", "task_id", ev.TaskID, "error", err)
		}
		// Repeats survive a failed occurrence.
		if err := d.reinsertRepeat(ctx, ev.TaskID); err != nil {
			d.logger.Error("repeat reinsert failed", "task_id", ev.TaskID, "error", err)
		}
	}
	d.notifyOwner(ctx, fmt.Sprintf("%s task failed: %v", d.ownerPrefix, cause))
	return fmt.Errorf("%w: %v", core.ErrAgentFailure, cause)
}

// dropEvent retires an event after infrastructure retries ran out. An
// event that owns a claimed task cannot just vanish: the task is marked
// failed, its repeat occurrence survives, and the owner hears about it,
// exactly as with an agent-level failure.
func (d *Dispatcher) dropEvent(ctx context.Context, ev core.TriggerEvent, cause error) error {
	derr := &core.DeliveryError{EventID: ev.ID, Target: ev.TargetKey, Attempts: d.maxAttempts, Err: cause}
	if ev.TaskID != "" {
		if err := d.tasks.Fail(ctx, ev.TaskID, derr.Error()); err != nil {
			d.logger.Error("task fail transition failed", "task_id", ev.TaskID, "error", err)
		}
		if err := d.reinsertRepeat(ctx, ev.TaskID); err != nil {
			d.logger.Error("repeat reinsert failed", "task_id", ev.TaskID, "error", err)
		}
		d.notifyOwner(ctx, fmt.Sprintf("%s task failed: %v", d.ownerPrefix, derr))
	}
	d.logger.Error("trigger event dropped", "event_id", ev.ID, "target", ev.TargetKey, "error", derr)
	return derr
}

// reinsertRepeat creates the next pending occurrence of a repeating
// scheduled task, due one interval after the occurrence finished. Runs for
// successful and failed occurrences alike; cancelled repeats are simply
// never reinserted because cancellation happens before the claim.
func (d *Dispatcher) reinsertRepeat(ctx context.Context, taskID string) error {
	t, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Kind != core.TaskScheduled || t.Schedule == nil || t.Schedule.RepeatInterval <= 0 {
		return nil
	}
	next, err := d.tasks.CreateScheduled(ctx, t.Assignee, t.Title, t.Payload,
		time.Now().UTC().Add(t.Schedule.RepeatInterval), t.Schedule.RepeatInterval)
	if err != nil {
		return err
	}
	d.logger.Debug("repeat occurrence scheduled", "prev_task_id", taskID, "task_id", next.ID, "due_at", next.Schedule.DueAt)
	return nil
}

// notify routes the non-silent reply to the owner and, for channel events,
// to the subscribing identity.
func (d *Dispatcher) notify(ctx context.Context, ev core.TriggerEvent, reply string) {
	if ev.SilentMarker != "" && strings.Contains(reply, ev.SilentMarker) {
		d.logger.Debug("trigger reply silent", "event_id", ev.ID, "marker", ev.SilentMarker)
		return
	}
	reply = strings.TrimSpace(strings.ReplaceAll(reply, DoneMarker, ""))
	if reply == "" {
		return
	}

	if ev.Source == core.SourceChannel && ev.TargetKey != d.resolver.OwnerKey() {
		if err := d.outbound.Send(ctx, core.OutboundMessage{TargetKey: ev.TargetKey, Text: reply}); err != nil {
			d.logger.Error("outbound send failed", "target", ev.TargetKey, "error", err)
		}
	}
	if ev.NotifyOwner {
		d.notifyOwner(ctx, fmt.Sprintf("%s\n%s", d.ownerPrefix, reply))
	}
}

func (d *Dispatcher) notifyOwner(ctx context.Context, text string) {
	if d.outbound == nil {
		return
	}
	if err := d.outbound.Send(ctx, core.OutboundMessage{TargetKey: d.resolver.OwnerKey(), Text: text}); err != nil {
		d.logger.Error("owner notification failed", "error", err)
	}
}

// stepMarker extracts the step name from a "NEXT_STEP: name" marker line.
func stepMarker(reply string) (string, bool) {
	idx := strings.Index(reply, StepMarkerPrefix)
	if idx < 0 {
		return "", false
	}
	rest := reply[idx+len(StepMarkerPrefix):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	step := strings.TrimSpace(rest)
	if step == "" {
		return "", false
	}
	return step, true
}

// Collect consumes an agent call stream, enforcing the capability set on
// every tool invocation before it executes, and returns the final reply
// text plus the new resumption token. The interactive inbound path shares
// it with trigger delivery.
func Collect(ctx context.Context, agent core.AgentCaller, caps core.CapabilitySet, input core.AgentInput) (string, string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := agent.Invoke(ctx, caps, input)

	var finalText, token string
	for chunk := range chunks {
		if chunk.ToolName != "" && !caps.Allows(chunk.ToolName) {
			cancel()
			return "", "", fmt.Errorf("%w: operation %q", core.ErrCapabilityDenied, chunk.ToolName)
		}
		if chunk.Final {
			finalText = chunk.Text
			token = chunk.ResumptionToken
		}
	}
	if err := <-errs; err != nil {
		return "", "", err
	}
	return finalText, token, nil
}
