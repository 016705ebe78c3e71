package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ikurchat/jobs/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "jobs.db"),
		PoolSize: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func newTask(kind core.TaskKind, assignee string) *core.Task {
	return &core.Task{
		ID:       core.NewID(),
		Kind:     kind,
		Title:    "test task",
		Status:   core.TaskPending,
		Assignee: assignee,
		Payload:  "do the thing",
	}
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	tasks := openTestStore(t).Tasks()

	created := newTask(core.TaskAdhoc, "owner-1")
	created.Schedule = &core.Schedule{
		DueAt:          time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond),
		RepeatInterval: 30 * time.Minute,
	}
	require.NoError(t, tasks.Create(ctx, created))
	assert.Equal(t, int64(1), created.Version)

	got, err := tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Title, got.Title)
	assert.Equal(t, created.Assignee, got.Assignee)
	require.NotNil(t, got.Schedule)
	assert.True(t, created.Schedule.DueAt.Equal(got.Schedule.DueAt))
	assert.Equal(t, 30*time.Minute, got.Schedule.RepeatInterval)
}

func TestTaskStore_GetUnknown(t *testing.T) {
	ctx := context.Background()
	tasks := openTestStore(t).Tasks()

	_, err := tasks.Get(ctx, "nope")
	require.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestTaskStore_UpdateCAS(t *testing.T) {
	ctx := context.Background()
	tasks := openTestStore(t).Tasks()

	created := newTask(core.TaskAdhoc, "owner-1")
	require.NoError(t, tasks.Create(ctx, created))

	first, err := tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	second, err := tasks.Get(ctx, created.ID)
	require.NoError(t, err)

	first.Status = core.TaskActive
	require.NoError(t, tasks.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	// The second reader still holds version 1; its write must lose.
	second.Status = core.TaskCancelled
	err = tasks.Update(ctx, second)
	require.ErrorIs(t, err, core.ErrVersionConflict)

	got, err := tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskActive, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestTaskStore_UpdateUnknown(t *testing.T) {
	ctx := context.Background()
	tasks := openTestStore(t).Tasks()

	ghost := newTask(core.TaskAdhoc, "owner-1")
	ghost.Version = 1
	err := tasks.Update(ctx, ghost)
	require.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestTaskStore_ListDueOrdering(t *testing.T) {
	ctx := context.Background()
	tasks := openTestStore(t).Tasks()
	now := time.Now().UTC()

	late := newTask(core.TaskScheduled, "owner-1")
	late.Schedule = &core.Schedule{DueAt: now.Add(-time.Minute)}
	require.NoError(t, tasks.Create(ctx, late))

	early := newTask(core.TaskScheduled, "owner-1")
	early.Schedule = &core.Schedule{DueAt: now.Add(-time.Hour)}
	require.NoError(t, tasks.Create(ctx, early))

	future := newTask(core.TaskScheduled, "owner-1")
	future.Schedule = &core.Schedule{DueAt: now.Add(time.Hour)}
	require.NoError(t, tasks.Create(ctx, future))

	adhoc := newTask(core.TaskAdhoc, "owner-1")
	require.NoError(t, tasks.Create(ctx, adhoc))

	due, err := tasks.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)
}

func TestTaskStore_ListResumableOldestFirst(t *testing.T) {
	ctx := context.Background()
	tasks := openTestStore(t).Tasks()

	stale := newTask(core.TaskAdhoc, "owner-1")
	stale.Status = core.TaskActive
	stale.NextStep = "step_one"
	require.NoError(t, tasks.Create(ctx, stale))

	time.Sleep(2 * time.Millisecond)

	fresh := newTask(core.TaskAdhoc, "ext-1")
	fresh.Status = core.TaskActive
	fresh.NextStep = "step_two"
	require.NoError(t, tasks.Create(ctx, fresh))

	// Active without marker: excluded.
	idle := newTask(core.TaskAdhoc, "owner-1")
	idle.Status = core.TaskActive
	require.NoError(t, tasks.Create(ctx, idle))

	resumable, err := tasks.ListResumable(ctx)
	require.NoError(t, err)
	require.Len(t, resumable, 2)
	assert.Equal(t, stale.ID, resumable[0].ID)
	assert.Equal(t, fresh.ID, resumable[1].ID)
}

func TestTaskStore_ListUnstartedOldestFirst(t *testing.T) {
	ctx := context.Background()
	tasks := openTestStore(t).Tasks()

	first := newTask(core.TaskDelegated, "ext-1")
	require.NoError(t, tasks.Create(ctx, first))

	time.Sleep(2 * time.Millisecond)

	second := newTask(core.TaskAdhoc, "owner-1")
	require.NoError(t, tasks.Create(ctx, second))

	// Pending scheduled tasks wait for the timer, not the sweep.
	timed := newTask(core.TaskScheduled, "owner-1")
	timed.Schedule = &core.Schedule{DueAt: time.Now().UTC()}
	require.NoError(t, tasks.Create(ctx, timed))

	claimed := newTask(core.TaskDelegated, "ext-1")
	claimed.Status = core.TaskActive
	require.NoError(t, tasks.Create(ctx, claimed))

	out, err := tasks.ListUnstarted(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, first.ID, out[0].ID)
	assert.Equal(t, second.ID, out[1].ID)
}

func TestTaskStore_LatestResumption(t *testing.T) {
	ctx := context.Background()
	tasks := openTestStore(t).Tasks()

	none, err := tasks.LatestResumption(ctx, "owner-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	older := newTask(core.TaskAdhoc, "owner-1")
	older.Status = core.TaskActive
	older.ResumptionToken = "tok-old"
	require.NoError(t, tasks.Create(ctx, older))

	time.Sleep(2 * time.Millisecond)

	newer := newTask(core.TaskAdhoc, "owner-1")
	newer.Status = core.TaskActive
	newer.ResumptionToken = "tok-new"
	require.NoError(t, tasks.Create(ctx, newer))

	// Terminal tasks never resume.
	done := newTask(core.TaskAdhoc, "owner-1")
	done.Status = core.TaskCompleted
	done.ResumptionToken = "tok-done"
	require.NoError(t, tasks.Create(ctx, done))

	got, err := tasks.LatestResumption(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok-new", got.ResumptionToken)
}

func TestTaskStore_ListByAssignee(t *testing.T) {
	ctx := context.Background()
	tasks := openTestStore(t).Tasks()

	first := newTask(core.TaskAdhoc, "owner-1")
	require.NoError(t, tasks.Create(ctx, first))
	time.Sleep(2 * time.Millisecond)
	second := newTask(core.TaskDelegated, "owner-1")
	require.NoError(t, tasks.Create(ctx, second))
	other := newTask(core.TaskAdhoc, "ext-1")
	require.NoError(t, tasks.Create(ctx, other))

	got, err := tasks.ListByAssignee(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, first.ID, got[1].ID)
}

func TestIdentityStore_UpsertPreservesFirstSeenAndBan(t *testing.T) {
	ctx := context.Background()
	ids := openTestStore(t).Identities()

	missing, err := ids.Get(ctx, "ext-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, ids.Upsert(ctx, &core.IdentityRecord{
		Key:         "ext-1",
		DisplayName: "Alice",
		Grants:      []string{"schedule_task"},
	}))

	first, err := ids.Get(ctx, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, []string{"schedule_task"}, first.Grants)
	assert.False(t, first.FirstSeen.IsZero())

	require.NoError(t, ids.SetBanned(ctx, "ext-1", true))

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, ids.Upsert(ctx, &core.IdentityRecord{Key: "ext-1", DisplayName: "Alice A."}))

	got, err := ids.Get(ctx, "ext-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Alice A.", got.DisplayName)
	assert.True(t, got.Banned)
	assert.True(t, got.FirstSeen.Equal(first.FirstSeen))
	assert.True(t, got.LastSeen.After(first.LastSeen))
}

func TestSchema_TableNames(t *testing.T) {
	store := openTestStore(t)

	conn, err := store.pool.Take(context.Background())
	require.NoError(t, err)
	defer store.pool.Put(conn)

	names := map[string]bool{}
	err = sqlitex.Execute(conn, "SELECT name FROM sqlite_master WHERE type = 'table'",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				names[stmt.ColumnText(0)] = true
				return nil
			},
		})
	require.NoError(t, err)

	assert.True(t, names["tasks"])
	assert.True(t, names["identities"])
	assert.True(t, names["trigger_subscriptions"])
}

func TestSubscriptionStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	subs := openTestStore(t).Subscriptions()

	a := &core.Subscription{ID: core.NewID(), IdentityKey: "ext-1", Source: "rss", Topic: "releases"}
	b := &core.Subscription{ID: core.NewID(), IdentityKey: "ext-2", Source: "rss", Topic: "releases"}
	c := &core.Subscription{ID: core.NewID(), IdentityKey: "ext-1", Source: "rss", Topic: "security"}
	for _, sub := range []*core.Subscription{a, b, c} {
		require.NoError(t, subs.Put(ctx, sub))
	}

	all, err := subs.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	releases, err := subs.ListByTopic(ctx, "rss", "releases")
	require.NoError(t, err)
	require.Len(t, releases, 2)

	require.NoError(t, subs.Delete(ctx, a.ID))
	releases, err = subs.ListByTopic(ctx, "rss", "releases")
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, "ext-2", releases[0].IdentityKey)
}
