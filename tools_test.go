package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikurchat/jobs/config"
	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/internal/testutil"
)

func toolByName(t *testing.T, h *Host, name string) func(context.Context, json.RawMessage) (string, error) {
	t.Helper()
	tool, ok := h.Toolbox().Find(name)
	require.True(t, ok, "tool %s not found", name)
	return tool.Run
}

func TestToolbox_CoversDefaultCapabilities(t *testing.T) {
	t.Setenv("JOBS_OWNER_KEY", "owner-1")
	cfg, err := config.Load("")
	require.NoError(t, err)

	agent := testutil.NewScriptedAgent(testutil.Turn{Reply: "ok"})
	h := newHost(t, agent, &testutil.CaptureOutbound{})

	// Every capability granted by default must resolve to a real tool;
	// granting an operation the toolbox cannot perform helps nobody.
	for _, role := range [][]string{cfg.Capabilities.Owner, cfg.Capabilities.External} {
		for _, name := range role {
			_, ok := h.Toolbox().Find(name)
			assert.True(t, ok, "default capability %s has no tool", name)
		}
	}
}

func TestToolbox_NarrowedByCapabilities(t *testing.T) {
	agent := testutil.NewScriptedAgent(testutil.Turn{Reply: "ok"})
	h := newHost(t, agent, &testutil.CaptureOutbound{})

	allowed := h.Toolbox().Allowed(core.NewCapabilitySet("send_message", "list_tasks"))
	names := make([]string, 0, len(allowed))
	for _, tool := range allowed {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"send_message", "list_tasks"}, names)
}

func TestTool_SendMessage(t *testing.T) {
	agent := testutil.NewScriptedAgent(testutil.Turn{Reply: "ok"})
	outbound := &testutil.CaptureOutbound{}
	h := newHost(t, agent, outbound)
	run := toolByName(t, h, "send_message")

	out, err := run(context.Background(), json.RawMessage(`{"target_key":"ext-1","text":"ping"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "ext-1")
	assert.Equal(t, []string{"ping"}, outbound.SentTo("ext-1"))

	_, err = run(context.Background(), json.RawMessage(`{"target_key":"","text":"ping"}`))
	require.Error(t, err)
}

func TestTool_ScheduleTask(t *testing.T) {
	agent := testutil.NewScriptedAgent(testutil.Turn{Reply: "ok"})
	h := newHost(t, agent, &testutil.CaptureOutbound{})
	run := toolByName(t, h, "schedule_task")
	ctx := context.Background()

	out, err := run(ctx, json.RawMessage(
		`{"assignee":"owner-1","title":"standup","payload":"post the standup","due_in":"30m","repeat_every":"24h"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "scheduled task")

	tasks, err := h.Tasks().ListFor(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskScheduled, tasks[0].Kind)
	require.NotNil(t, tasks[0].Schedule)
	assert.NotZero(t, tasks[0].Schedule.RepeatInterval)

	_, err = run(ctx, json.RawMessage(`{"assignee":"owner-1","title":"x","payload":"y","due_in":"soon"}`))
	require.Error(t, err)
}

func TestTool_DelegateThenCancel(t *testing.T) {
	agent := testutil.NewScriptedAgent(testutil.Turn{Reply: "ok"})
	h := newHost(t, agent, &testutil.CaptureOutbound{})
	ctx := context.Background()

	out, err := toolByName(t, h, "delegate_task")(ctx, json.RawMessage(
		`{"creator":"owner-1","assignee":"ext-1","title":"triage","payload":"check the queue"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "ext-1")

	tasks, err := h.Tasks().ListFor(ctx, "ext-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	_, err = toolByName(t, h, "cancel_task")(ctx, json.RawMessage(
		`{"task_id":"`+tasks[0].ID+`"}`))
	require.NoError(t, err)

	got, err := h.Tasks().Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCancelled, got.Status)
}

func TestTool_ListTasks(t *testing.T) {
	agent := testutil.NewScriptedAgent(testutil.Turn{Reply: "ok"})
	h := newHost(t, agent, &testutil.CaptureOutbound{})
	ctx := context.Background()
	run := toolByName(t, h, "list_tasks")

	out, err := run(ctx, json.RawMessage(`{"assignee":"ext-9"}`))
	require.NoError(t, err)
	assert.Equal(t, "no tasks", out)

	_, err = h.DelegateTask(ctx, "owner-1", "ext-9", "triage", "check the queue")
	require.NoError(t, err)

	out, err = run(ctx, json.RawMessage(`{"assignee":"ext-9"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "triage")
	assert.Contains(t, out, "delegated/pending")
}

type stubSearcher struct {
	results []core.SearchResult
}

func (s *stubSearcher) Search(_ context.Context, _ string, limit int) ([]core.SearchResult, error) {
	if len(s.results) > limit {
		return s.results[:limit], nil
	}
	return s.results, nil
}

func TestTool_SearchMemoryOnlyWhenConfigured(t *testing.T) {
	agent := testutil.NewScriptedAgent(testutil.Turn{Reply: "ok"})

	bare := newHost(t, agent, &testutil.CaptureOutbound{})
	_, ok := bare.Toolbox().Find("search_memory")
	assert.False(t, ok)

	h := newHost(t, agent, &testutil.CaptureOutbound{}, func(o *Options) {
		o.Memory = &stubSearcher{results: []core.SearchResult{
			{ID: "m-1", Content: "the standup moved to 10am", Score: 0.9},
			{ID: "m-2", Content: "deploy window is friday", Score: 0.4},
		}}
	})
	run := toolByName(t, h, "search_memory")

	out, err := run(context.Background(), json.RawMessage(`{"query":"standup"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "1. the standup moved to 10am")
	assert.Contains(t, out, "2. deploy window is friday")

	out, err = run(context.Background(), json.RawMessage(`{"query":"standup","limit":1}`))
	require.NoError(t, err)
	assert.NotContains(t, out, "deploy window")
}

func TestTool_ManageSubscriptions(t *testing.T) {
	agent := testutil.NewScriptedAgent(testutil.Turn{Reply: "ok"})
	h := newHost(t, agent, &testutil.CaptureOutbound{})
	ctx := context.Background()
	run := toolByName(t, h, "manage_subscriptions")

	out, err := run(ctx, json.RawMessage(
		`{"action":"subscribe","identity_key":"ext-1","source":"rss","topic":"golang"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "rss/golang")

	subs, err := h.subs.ListByTopic(ctx, "rss", "golang")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	out, err = run(ctx, json.RawMessage(
		`{"action":"unsubscribe","subscription_id":"`+subs[0].ID+`"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "removed")

	subs, err = h.subs.ListByTopic(ctx, "rss", "golang")
	require.NoError(t, err)
	assert.Empty(t, subs)

	_, err = run(ctx, json.RawMessage(`{"action":"pause"}`))
	require.Error(t, err)

	_, err = run(ctx, json.RawMessage(`{"action":"subscribe","identity_key":"ext-1"}`))
	require.Error(t, err)
}
