package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/store/memstore"
)

func newTestManager() *Manager {
	return NewManager(memstore.NewTaskStore(), nil)
}

func TestManager_CreateAndClaim(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	created, err := m.Create(ctx, core.TaskDelegated, "owner-1", "u-2", "review contract", "please review")
	require.NoError(t, err)
	assert.Equal(t, core.TaskPending, created.Status)

	claimed, won, err := m.Claim(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, won)
	assert.Equal(t, core.TaskActive, claimed.Status)

	// A second claim loses without error.
	_, won, err = m.Claim(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestManager_ClaimRace(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	created, err := m.Create(ctx, core.TaskScheduled, "", "owner-1", "ping", "")
	require.NoError(t, err)

	const racers = 8
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, won, err := m.Claim(ctx, created.ID)
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one racer may claim a pending task")
}

func TestManager_TerminalOpsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	created, err := m.Create(ctx, core.TaskAdhoc, "", "owner-1", "t", "")
	require.NoError(t, err)
	_, won, err := m.Claim(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, m.Complete(ctx, created.ID, "done"))

	// Applying terminal ops again is a no-op, not an error.
	require.NoError(t, m.Complete(ctx, created.ID, "done again"))
	require.NoError(t, m.Fail(ctx, created.ID, "late failure"))
	require.NoError(t, m.Cancel(ctx, created.ID))

	got, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
}

func TestManager_CompletePendingRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	created, err := m.Create(ctx, core.TaskAdhoc, "", "owner-1", "t", "")
	require.NoError(t, err)

	err = m.Complete(ctx, created.ID, "done")
	require.Error(t, err, "pending -> completed is not a legal transition")
}

func TestManager_CancelPending(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	created, err := m.Create(ctx, core.TaskScheduled, "", "owner-1", "t", "")
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, created.ID))

	got, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCancelled, got.Status)

	// A cancelled task can no longer be claimed.
	_, won, err := m.Claim(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestManager_AdvanceAndClearOnFinish(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	created, err := m.Create(ctx, core.TaskDelegated, "owner-1", "u-2", "t", "")
	require.NoError(t, err)
	_, won, err := m.Claim(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, m.Advance(ctx, created.ID, "awaiting_step_2"))
	got, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "awaiting_step_2", got.NextStep)

	require.NoError(t, m.Complete(ctx, created.ID, "ok"))
	got, err = m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.NextStep, "finishing clears the resume marker")

	// Advancing a terminal task is a no-op.
	require.NoError(t, m.Advance(ctx, created.ID, "too_late"))
	got, err = m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.NextStep)
}

func TestManager_BindResumption(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	created, err := m.Create(ctx, core.TaskDelegated, "owner-1", "u-2", "t", "")
	require.NoError(t, err)

	// Pending tasks never carry a token.
	err = m.BindResumption(ctx, created.ID, "tok-1")
	require.Error(t, err)

	_, won, err := m.Claim(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, m.BindResumption(ctx, created.ID, "tok-1"))
	got, err := m.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ResumptionToken)
}

func TestManager_MissingTaskIsHardError(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	err := m.Complete(ctx, core.NewID(), "done")
	require.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestManager_CreateScheduled(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	due := time.Now().Add(time.Hour)
	created, err := m.CreateScheduled(ctx, "owner-1", "daily digest", "collect news", due, 24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, created.Schedule)
	assert.Equal(t, 24*time.Hour, created.Schedule.RepeatInterval)
	assert.Equal(t, core.TaskScheduled, created.Kind)
}
