// Package jobs provides a high-level façade over the conversational host:
// identity resolution, per-identity sessions with role capability sets,
// durable tasks and the unified trigger path. Most applications interact
// with this package by:
//  1. Creating a Host via New() (optionally overriding the in-memory stores)
//  2. Feeding transport messages into HandleInbound
//  3. Running the background trigger sources via Run
//
// All defaults are safe for local development and testing; production
// deployments supply the SQLite store, a structured logger and a real
// agent caller.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ikurchat/jobs/capability"
	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/identity"
	"github.com/ikurchat/jobs/logging"
	"github.com/ikurchat/jobs/session"
	"github.com/ikurchat/jobs/store/memstore"
	"github.com/ikurchat/jobs/task"
	"github.com/ikurchat/jobs/trigger"
)

// Options configures the Host.
type Options struct {
	// Stores default to in-memory implementations if not provided.
	TaskStore         core.TaskStore
	IdentityStore     core.IdentityStore
	SubscriptionStore core.SubscriptionStore

	// Capabilities is the per-role operation allow list. Both roles must be
	// present; the default grants externals messaging only.
	Capabilities map[core.Role][]string

	// Instructions is the role-specific system text sent on every agent
	// call. Missing roles get no instructions.
	Instructions map[core.Role]string

	// Memory, when set, exposes a search_memory tool over the index. Left
	// nil the tool is simply absent from the toolbox.
	Memory core.MemorySearcher

	// Session registry tuning.
	IdleTTL     time.Duration
	MaxSessions int
	LockWait    time.Duration
	LockCeiling time.Duration

	// External admission tuning (events/second and burst per identity).
	ExternalRate  float64
	ExternalBurst int

	// Trigger source tuning.
	PollPeriod        time.Duration
	HeartbeatInterval time.Duration
	OwnerCheckPrompt  string

	// Dispatcher tuning.
	QueueSize   int
	MaxAttempts int
	RetryBase   time.Duration
	WorkerIdle  time.Duration
	OwnerPrefix string

	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Host aggregates the resolver, session registry, task manager and trigger
// path behind a small API.
type Host struct {
	resolver   *identity.Resolver
	sessions   *session.Registry
	tasks      *task.Manager
	scheduler  *trigger.Scheduler
	heartbeat  *trigger.Heartbeat
	feed       *trigger.ChannelFeed
	dispatcher *trigger.Dispatcher
	manager    *trigger.Manager

	agent        core.AgentCaller
	outbound     core.Outbound
	subs         core.SubscriptionStore
	memory       core.MemorySearcher
	instructions map[core.Role]string
	logger       logging.Logger
}

// New wires a Host for the given owner key, agent boundary and transport
// outbound. Any unset store is initialized in memory.
func New(ownerKey string, agent core.AgentCaller, outbound core.Outbound, optFns ...func(o *Options)) (*Host, error) {
	if agent == nil {
		return nil, fmt.Errorf("jobs: agent caller is required")
	}
	if outbound == nil {
		return nil, fmt.Errorf("jobs: outbound is required")
	}

	opts := Options{
		TaskStore:         memstore.NewTaskStore(),
		IdentityStore:     memstore.NewIdentityStore(),
		SubscriptionStore: memstore.NewSubscriptionStore(),
		Capabilities: map[core.Role][]string{
			core.RoleOwner: {
				"send_message", "schedule_task", "cancel_task", "delegate_task",
				"list_tasks", "manage_subscriptions",
			},
			core.RoleExternal: {"send_message"},
		},
		IdleTTL:           30 * time.Minute,
		MaxSessions:       1024,
		LockWait:          10 * time.Second,
		LockCeiling:       5 * time.Minute,
		ExternalRate:      1,
		ExternalBurst:     5,
		PollPeriod:        30 * time.Second,
		HeartbeatInterval: 30 * time.Minute,
		QueueSize:         64,
		MaxAttempts:       3,
		RetryBase:         250 * time.Millisecond,
		WorkerIdle:        5 * time.Minute,
		OwnerPrefix:       "[background]",
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	caps, err := capability.New(opts.Capabilities)
	if err != nil {
		return nil, err
	}

	resolver, err := identity.NewResolver(ownerKey, opts.IdentityStore, func(o *identity.Options) {
		o.ExternalRate = rate.Limit(opts.ExternalRate)
		o.ExternalBurst = opts.ExternalBurst
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}

	sessions := session.NewRegistry(caps, opts.TaskStore, func(o *session.Options) {
		o.IdleTTL = opts.IdleTTL
		o.MaxSessions = opts.MaxSessions
		o.LockWait = opts.LockWait
		o.LockCeiling = opts.LockCeiling
		o.Logger = opts.Logger
	})

	tasks := task.NewManager(opts.TaskStore, opts.Logger)

	dispatcher := trigger.NewDispatcher(sessions, tasks, resolver, agent, outbound, func(o *trigger.DispatcherOptions) {
		o.QueueSize = opts.QueueSize
		o.MaxAttempts = opts.MaxAttempts
		o.RetryBase = opts.RetryBase
		o.WorkerIdle = opts.WorkerIdle
		o.OwnerPrefix = opts.OwnerPrefix
		o.Logger = opts.Logger
	})

	scheduler := trigger.NewScheduler(tasks, opts.TaskStore, func(o *trigger.SchedulerOptions) {
		o.PollPeriod = opts.PollPeriod
		o.Logger = opts.Logger
	})
	heartbeat := trigger.NewHeartbeat(tasks, opts.TaskStore, ownerKey, func(o *trigger.HeartbeatOptions) {
		o.Interval = opts.HeartbeatInterval
		o.OwnerCheckPrompt = opts.OwnerCheckPrompt
		o.Logger = opts.Logger
	})
	feed := trigger.NewChannelFeed(opts.SubscriptionStore, func(o *trigger.ChannelFeedOptions) {
		o.Logger = opts.Logger
	})

	manager := trigger.NewManager(dispatcher, []trigger.Source{scheduler, heartbeat, feed}, func(o *trigger.ManagerOptions) {
		o.Logger = opts.Logger
	})

	return &Host{
		resolver:     resolver,
		sessions:     sessions,
		tasks:        tasks,
		scheduler:    scheduler,
		heartbeat:    heartbeat,
		feed:         feed,
		dispatcher:   dispatcher,
		manager:      manager,
		agent:        agent,
		outbound:     outbound,
		subs:         opts.SubscriptionStore,
		memory:       opts.Memory,
		instructions: opts.Instructions,
		logger:       opts.Logger,
	}, nil
}

// Run starts the background trigger path (scheduler, heartbeat sweep,
// channel feed) and blocks until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	return h.manager.Run(ctx)
}

// HandleInbound processes one transport message: resolve the sender, take
// its session, run an agent turn and send the reply back to the sender.
// Resolution failures (bans, rate limits, malformed principals) are
// returned to the transport adapter, which decides how loudly to refuse.
func (h *Host) HandleInbound(ctx context.Context, ev core.InboundEvent) error {
	id, err := h.resolver.Resolve(ctx, ev.RawPrincipal, ev.DisplayName)
	if err != nil {
		return err
	}

	handle, err := h.sessions.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer handle.Release()
	sess := handle.Session()

	// Bound to the handle so a force-released lock stops the turn.
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(handle.Context(), cancel)
	defer stop()

	input := core.AgentInput{
		Prompt:          ev.Payload,
		Instructions:    h.instructions[id.Role],
		ResumptionToken: sess.ResumptionToken(),
	}
	reply, token, err := trigger.Collect(turnCtx, h.agent, sess.Capabilities, input)
	if err != nil {
		if errors.Is(err, core.ErrCapabilityDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", core.ErrAgentFailure, err)
	}
	if token != "" {
		sess.SetResumptionToken(token)
	}
	sess.Touch()

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil
	}
	return h.outbound.Send(ctx, core.OutboundMessage{TargetKey: id.Key, Text: reply})
}

// ScheduleTask creates a pending scheduled task for the assignee, due at
// dueAt and repeating every repeat (zero means one-shot).
func (h *Host) ScheduleTask(ctx context.Context, assignee, title, payload string, dueAt time.Time, repeat time.Duration) (*core.Task, error) {
	return h.tasks.CreateScheduled(ctx, assignee, title, payload, dueAt, repeat)
}

// DelegateTask creates a pending delegated task assigned to another
// identity. The next heartbeat sweep claims it and begins the assignee's
// first turn on it; CheckNow forces that handoff immediately.
func (h *Host) DelegateTask(ctx context.Context, creator, assignee, title, payload string) (*core.Task, error) {
	return h.tasks.Create(ctx, core.TaskDelegated, creator, assignee, title, payload)
}

// CancelTask cancels a task. For scheduled tasks an in-flight occurrence
// completes and only the repeat series ends.
func (h *Host) CancelTask(ctx context.Context, id string) error {
	t, err := h.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Kind == core.TaskScheduled {
		return h.scheduler.CancelScheduled(ctx, id)
	}
	return h.tasks.Cancel(ctx, id)
}

// Subscribe binds an identity to an external feed topic.
func (h *Host) Subscribe(ctx context.Context, identityKey, source, topic string) (*core.Subscription, error) {
	sub := &core.Subscription{
		ID:          core.NewID(),
		IdentityKey: identityKey,
		Source:      source,
		Topic:       topic,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.subs.Put(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes a subscription by id.
func (h *Host) Unsubscribe(ctx context.Context, id string) error {
	return h.subs.Delete(ctx, id)
}

// Announce hands an upstream feed notification to the channel source.
func (h *Host) Announce(notice trigger.FeedNotice) error {
	return h.feed.Announce(notice)
}

// Tasks exposes the task manager for transport adapters that surface task
// state directly (listings, status queries).
func (h *Host) Tasks() *task.Manager { return h.tasks }

// CheckNow forces one heartbeat sweep outside the periodic schedule. The
// host must be running; sweeping before Run means no dispatcher to take
// the events.
func (h *Host) CheckNow(ctx context.Context) error {
	var dispatchErr error
	err := h.heartbeat.Sweep(ctx, func(ev core.TriggerEvent) {
		if err := h.dispatcher.Dispatch(ctx, ev); err != nil {
			h.logger.Error("sweep dispatch failed", "event_id", ev.ID, "error", err)
			if dispatchErr == nil {
				dispatchErr = err
			}
		}
	})
	if err != nil {
		return err
	}
	return dispatchErr
}

// SwapCapabilities installs a new per-role capability partition and resets
// every cached session so the next turn rebuilds against it.
func (h *Host) SwapCapabilities(lists map[core.Role][]string) error {
	caps, err := capability.New(lists)
	if err != nil {
		return err
	}
	h.sessions.SwapCapabilities(caps)
	return nil
}
