// Package memstore houses volatile implementations of the core store
// contracts (tasks, identities, subscriptions) backed by process-local maps.
// They are safe for concurrent access and best suited for tests or
// ephemeral demo hosts. Each returned record is cloned to prevent external
// mutation of internal state.
//
// Add additional backends (SQLite, Postgres, etc.) in sibling packages
// without changing any calling code; only the wiring layer decides which
// implementation to instantiate.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ikurchat/jobs/core"
)

// TaskStore is a volatile core.TaskStore implementation.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*core.Task
}

// NewTaskStore constructs an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*core.Task)}
}

// Create inserts a new task record.
func (s *TaskStore) Create(_ context.Context, t *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		return fmt.Errorf("memstore: task id must not be empty")
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("memstore: task %s already exists", t.ID)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Version = 1
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get returns a copy of the task or core.ErrTaskNotFound.
func (s *TaskStore) Get(_ context.Context, id string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// Update applies a compare-and-update keyed by (ID, Version).
func (s *TaskStore) Update(_ context.Context, t *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTaskNotFound, t.ID)
	}
	if cur.Version != t.Version {
		return fmt.Errorf("%w: task %s at version %d, caller had %d", core.ErrVersionConflict, t.ID, cur.Version, t.Version)
	}
	next := t.Clone()
	next.Version = cur.Version + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = next
	*t = *next.Clone()
	return nil
}

// ListDue returns pending scheduled tasks due at or before now, ordered by
// due time ascending.
func (s *TaskStore) ListDue(_ context.Context, now time.Time) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*core.Task
	for _, t := range s.tasks {
		if t.Kind != core.TaskScheduled || t.Status != core.TaskPending {
			continue
		}
		if t.Schedule == nil || t.Schedule.DueAt.After(now) {
			continue
		}
		due = append(due, t.Clone())
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Schedule.DueAt.Before(due[j].Schedule.DueAt) })
	return due, nil
}

// ListResumable returns active tasks carrying a next-step marker, oldest
// updated first.
func (s *TaskStore) ListResumable(_ context.Context) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Task
	for _, t := range s.tasks {
		if t.Status == core.TaskActive && t.NextStep != "" {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ListUnstarted returns pending non-scheduled tasks oldest created first.
func (s *TaskStore) ListUnstarted(_ context.Context) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Task
	for _, t := range s.tasks {
		if t.Kind != core.TaskScheduled && t.Status == core.TaskPending {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListByAssignee returns every task assigned to the key, most recently
// updated first.
func (s *TaskStore) ListByAssignee(_ context.Context, assignee string) ([]*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Task
	for _, t := range s.tasks {
		if t.Assignee == assignee {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// LatestResumption returns the most recently updated non-terminal task for
// the assignee that carries a resumption token, or (nil, nil).
func (s *TaskStore) LatestResumption(_ context.Context, assignee string) (*core.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *core.Task
	for _, t := range s.tasks {
		if t.Assignee != assignee || t.ResumptionToken == "" || t.Status.Terminal() {
			continue
		}
		if latest == nil || t.UpdatedAt.After(latest.UpdatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

// IdentityStore is a volatile core.IdentityStore implementation.
type IdentityStore struct {
	mu      sync.RWMutex
	records map[string]*core.IdentityRecord
}

// NewIdentityStore constructs an empty in-memory identity store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{records: make(map[string]*core.IdentityRecord)}
}

// Upsert inserts or refreshes the record, preserving FirstSeen on update.
func (s *IdentityStore) Upsert(_ context.Context, rec *core.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	stored := cloneIdentity(rec)
	stored.LastSeen = now
	if prev, ok := s.records[rec.Key]; ok {
		stored.FirstSeen = prev.FirstSeen
		stored.Banned = prev.Banned
	} else if stored.FirstSeen.IsZero() {
		stored.FirstSeen = now
	}
	s.records[rec.Key] = stored
	return nil
}

// Get returns the record or (nil, nil) for unseen keys.
func (s *IdentityStore) Get(_ context.Context, key string) (*core.IdentityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return cloneIdentity(rec), nil
}

// SetBanned flips the ban flag on an existing record.
func (s *IdentityStore) SetBanned(key string, banned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		rec.Banned = banned
	}
}

func cloneIdentity(rec *core.IdentityRecord) *core.IdentityRecord {
	c := *rec
	c.Grants = append([]string(nil), rec.Grants...)
	return &c
}

// SubscriptionStore is a volatile core.SubscriptionStore implementation.
type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]*core.Subscription
}

// NewSubscriptionStore constructs an empty in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]*core.Subscription)}
}

// Put inserts or replaces the subscription.
func (s *SubscriptionStore) Put(_ context.Context, sub *core.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		return fmt.Errorf("memstore: subscription id must not be empty")
	}
	stored := *sub
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.subs[sub.ID] = &stored
	return nil
}

// Delete removes the subscription. Unknown ids are a no-op.
func (s *SubscriptionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	return nil
}

// List returns all subscriptions ordered by creation time.
func (s *SubscriptionStore) List(_ context.Context) ([]*core.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		c := *sub
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListByTopic returns subscriptions matching source and topic.
func (s *SubscriptionStore) ListByTopic(ctx context.Context, source, topic string) ([]*core.Subscription, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*core.Subscription
	for _, sub := range all {
		if sub.Source == source && sub.Topic == topic {
			out = append(out, sub)
		}
	}
	return out, nil
}
