package core

import (
	"context"
	"time"
)

// TriggerSource identifies which event source produced a trigger event.
type TriggerSource string

const (
	// SourceTimer marks events emitted by the scheduler for due tasks.
	SourceTimer TriggerSource = "timer"
	// SourceSweep marks events emitted by the periodic heartbeat sweep.
	SourceSweep TriggerSource = "sweep"
	// SourceChannel marks events translated from external subscription
	// feeds.
	SourceChannel TriggerSource = "channel"
)

// TriggerEvent is the normalized envelope every event source emits. It is
// transient: delivered exactly once to the target identity's session and
// never persisted beyond the task store's bookkeeping.
type TriggerEvent struct {
	ID     string        `json:"id"`
	Source TriggerSource `json:"source"`

	// TargetKey is the identity the event is addressed to. Empty with
	// Broadcast set means "all currently known subscribers of the source".
	TargetKey string `json:"target_key,omitempty"`
	Broadcast bool   `json:"broadcast,omitempty"`

	// TaskID links the event to the durable task that produced it, if any.
	TaskID string `json:"task_id,omitempty"`

	Payload    string    `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`

	// NotifyOwner asks the dispatcher to forward the agent's non-silent
	// reply to the owner outbound boundary.
	NotifyOwner bool `json:"notify_owner,omitempty"`

	// SilentMarker, when non-empty and contained in the agent reply,
	// suppresses owner notification for this occurrence.
	SilentMarker string `json:"silent_marker,omitempty"`
}

// NewTriggerEvent constructs an event with a fresh id and UTC timestamp.
func NewTriggerEvent(source TriggerSource, targetKey, payload string) TriggerEvent {
	return TriggerEvent{
		ID:         NewID(),
		Source:     source,
		TargetKey:  targetKey,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Subscription is a durable record binding an identity to an external feed
// topic. The channel feed source turns upstream notifications matching
// Source/Topic into trigger events targeted at IdentityKey.
type Subscription struct {
	ID          string    `json:"id"`
	IdentityKey string    `json:"identity_key"`
	Source      string    `json:"source"`
	Topic       string    `json:"topic"`
	CreatedAt   time.Time `json:"created_at"`
}

// SubscriptionStore persists feed subscriptions. Rows are independently
// updatable; no cross-row locking.
type SubscriptionStore interface {
	Put(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Subscription, error)
	// ListByTopic returns subscriptions matching source and topic.
	ListByTopic(ctx context.Context, source, topic string) ([]*Subscription, error)
}
