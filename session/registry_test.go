package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikurchat/jobs/capability"
	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/store/memstore"
)

func newTestCaps(t *testing.T, externalOps ...string) *capability.Registry {
	t.Helper()
	reg, err := capability.New(map[core.Role][]string{
		core.RoleOwner:    {"search", "schedule", "tasks", "shell"},
		core.RoleExternal: externalOps,
	})
	require.NoError(t, err)
	return reg
}

func ownerIdentity() core.Identity {
	return core.Identity{Key: "owner-1", Role: core.RoleOwner}
}

func TestRegistry_GetOrCreateCaches(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(newTestCaps(t, "tasks"), memstore.NewTaskStore())

	a, err := r.GetOrCreate(ctx, ownerIdentity())
	require.NoError(t, err)
	b, err := r.GetOrCreate(ctx, ownerIdentity())
	require.NoError(t, err)

	assert.Same(t, a, b, "second lookup should hit the cache")
	assert.True(t, a.Capabilities.Allows("shell"))
}

func TestRegistry_ResumptionBinding(t *testing.T) {
	ctx := context.Background()
	tasks := memstore.NewTaskStore()
	require.NoError(t, tasks.Create(ctx, &core.Task{
		ID:              core.NewID(),
		Kind:            core.TaskDelegated,
		Status:          core.TaskActive,
		Assignee:        "u-5",
		ResumptionToken: "tok-123",
	}))

	r := NewRegistry(newTestCaps(t, "tasks"), tasks)
	sess, err := r.GetOrCreate(ctx, core.Identity{Key: "u-5", Role: core.RoleExternal})
	require.NoError(t, err)
	assert.Equal(t, "tok-123", sess.ResumptionToken())
}

func TestRegistry_SerializationInvariant(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(newTestCaps(t, "tasks"), memstore.NewTaskStore(), func(o *Options) {
		o.LockWait = 2 * time.Second
	})

	const workers = 8
	var inFlight, maxInFlight int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Acquire(ctx, ownerIdentity())
			if err != nil {
				t.Error(err)
				return
			}
			defer h.Release()

			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight, "two events for the same identity must never overlap")
}

func TestRegistry_DifferentIdentitiesRunConcurrently(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(newTestCaps(t, "tasks"), memstore.NewTaskStore())

	h1, err := r.Acquire(ctx, core.Identity{Key: "u-1", Role: core.RoleExternal})
	require.NoError(t, err)
	defer h1.Release()

	// Holding u-1 must not block u-2.
	done := make(chan struct{})
	go func() {
		h2, err := r.Acquire(ctx, core.Identity{Key: "u-2", Role: core.RoleExternal})
		assert.NoError(t, err)
		if h2 != nil {
			h2.Release()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquisition for a different identity blocked")
	}
}

func TestRegistry_AcquireTimeout(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(newTestCaps(t, "tasks"), memstore.NewTaskStore(), func(o *Options) {
		o.LockWait = 20 * time.Millisecond
		o.LockCeiling = time.Hour // holder is busy, not stuck
	})

	h, err := r.Acquire(ctx, ownerIdentity())
	require.NoError(t, err)
	defer h.Release()

	_, err = r.Acquire(ctx, ownerIdentity())
	require.ErrorIs(t, err, core.ErrSessionLockTimeout)
}

func TestRegistry_StuckLockForceReleased(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(newTestCaps(t, "tasks"), memstore.NewTaskStore(), func(o *Options) {
		o.LockWait = 25 * time.Millisecond
		o.LockCeiling = 150 * time.Millisecond
	})

	stuck, err := r.Acquire(ctx, ownerIdentity())
	require.NoError(t, err)

	time.Sleep(175 * time.Millisecond) // push the holder past the ceiling

	h, err := r.Acquire(ctx, ownerIdentity())
	require.NoError(t, err, "waiter should take over a stuck lock")

	// The steal cancels the previous holder's context.
	select {
	case <-stuck.Context().Done():
	default:
		t.Fatal("force-release must cancel the stuck holder's context")
	}

	// The invalidated holder's release must not free the stolen lock, and
	// the fresh holder is busy, not stuck.
	stuck.Release()
	_, err = r.Acquire(ctx, ownerIdentity())
	require.ErrorIs(t, err, core.ErrSessionLockTimeout)

	h.Release()
	h2, err := r.Acquire(ctx, ownerIdentity())
	require.NoError(t, err)
	h2.Release()
}

func TestRegistry_CeilingNeverBelowWait(t *testing.T) {
	r := NewRegistry(newTestCaps(t, "tasks"), memstore.NewTaskStore(), func(o *Options) {
		o.LockWait = time.Second
		o.LockCeiling = time.Millisecond
	})
	assert.Equal(t, time.Second, r.lockCeiling,
		"a ceiling below the wait would turn every lock timeout into a steal")
}

func TestRegistry_ReleaseEndsHandleContext(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(newTestCaps(t, "tasks"), memstore.NewTaskStore())

	h, err := r.Acquire(ctx, ownerIdentity())
	require.NoError(t, err)
	require.NoError(t, h.Context().Err())

	h.Release()
	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("release must end the handle's context")
	}
}

func TestRegistry_ReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(newTestCaps(t, "tasks"), memstore.NewTaskStore())

	h, err := r.Acquire(ctx, ownerIdentity())
	require.NoError(t, err)
	h.Release()
	h.Release() // double release is a no-op

	h2, err := r.Acquire(ctx, ownerIdentity())
	require.NoError(t, err)
	h2.Release()
}

func TestRegistry_AcquireHonorsContext(t *testing.T) {
	r := NewRegistry(newTestCaps(t, "tasks"), memstore.NewTaskStore(), func(o *Options) {
		o.LockWait = time.Minute
	})

	h, err := r.Acquire(context.Background(), ownerIdentity())
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, ownerIdentity())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_ResetAllRebuildsCapabilities(t *testing.T) {
	ctx := context.Background()
	tasks := memstore.NewTaskStore()

	r := NewRegistry(newTestCaps(t, "tasks"), tasks)
	ext := core.Identity{Key: "u-1", Role: core.RoleExternal}

	sess, err := r.GetOrCreate(ctx, ext)
	require.NoError(t, err)
	assert.False(t, sess.Capabilities.Allows("search"))

	r.SwapCapabilities(newTestCaps(t, "tasks", "search"))

	rebuilt, err := r.GetOrCreate(ctx, ext)
	require.NoError(t, err)
	assert.True(t, rebuilt.Capabilities.Allows("search"), "stale capability set leaked past ResetAll")
	assert.NotSame(t, sess, rebuilt)
}

func TestRegistry_EvictionKeepsDurableResumption(t *testing.T) {
	ctx := context.Background()
	tasks := memstore.NewTaskStore()
	require.NoError(t, tasks.Create(ctx, &core.Task{
		ID:              core.NewID(),
		Status:          core.TaskActive,
		Assignee:        "u-9",
		ResumptionToken: "tok-9",
	}))

	r := NewRegistry(newTestCaps(t, "tasks"), tasks)
	id := core.Identity{Key: "u-9", Role: core.RoleExternal}

	_, err := r.GetOrCreate(ctx, id)
	require.NoError(t, err)

	r.Reset(id.Key) // stands in for idle eviction; durable record untouched

	rebuilt, err := r.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tok-9", rebuilt.ResumptionToken(), "resumption token must survive eviction")
}
