package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ikurchat/jobs/agentcall"
	"github.com/ikurchat/jobs/core"
)

// Toolbox builds the default agent-facing tool set backed by this Host.
// Tool names double as capability names, so the per-role allow list
// decides exactly which of these each session may invoke; the caller
// narrows the set per invocation.
func (h *Host) Toolbox() agentcall.Toolbox {
	tb := agentcall.Toolbox{
		h.sendMessageTool(),
		h.scheduleTaskTool(),
		h.cancelTaskTool(),
		h.delegateTaskTool(),
		h.listTasksTool(),
		h.manageSubscriptionsTool(),
	}
	if h.memory != nil {
		tb = append(tb, h.searchMemoryTool())
	}
	return tb
}

func (h *Host) sendMessageTool() agentcall.Tool {
	return agentcall.Tool{
		Name:        "send_message",
		Description: "Send a message to another identity over the transport.",
		Parameters: map[string]any{
			"properties": map[string]any{
				"target_key": map[string]any{"type": "string", "description": "Identity key of the recipient."},
				"text":       map[string]any{"type": "string", "description": "Message body."},
			},
			"required": []string{"target_key", "text"},
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				TargetKey string `json:"target_key"`
				Text      string `json:"text"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("send_message: %w", err)
			}
			if args.TargetKey == "" || args.Text == "" {
				return "", fmt.Errorf("send_message: target_key and text are required")
			}
			if err := h.outbound.Send(ctx, core.OutboundMessage{TargetKey: args.TargetKey, Text: args.Text}); err != nil {
				return "", err
			}
			return fmt.Sprintf("message sent to %s", args.TargetKey), nil
		},
	}
}

func (h *Host) scheduleTaskTool() agentcall.Tool {
	return agentcall.Tool{
		Name:        "schedule_task",
		Description: "Schedule a task to fire after a delay, optionally repeating.",
		Parameters: map[string]any{
			"properties": map[string]any{
				"assignee":     map[string]any{"type": "string", "description": "Identity key the task belongs to."},
				"title":        map[string]any{"type": "string"},
				"payload":      map[string]any{"type": "string", "description": "Prompt delivered when the timer fires."},
				"due_in":       map[string]any{"type": "string", "description": "Delay before the first firing, e.g. \"45m\" or \"2h30m\"."},
				"repeat_every": map[string]any{"type": "string", "description": "Optional repeat interval in the same format; empty means one-shot."},
			},
			"required": []string{"assignee", "title", "payload", "due_in"},
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Assignee    string `json:"assignee"`
				Title       string `json:"title"`
				Payload     string `json:"payload"`
				DueIn       string `json:"due_in"`
				RepeatEvery string `json:"repeat_every"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("schedule_task: %w", err)
			}
			dueIn, err := time.ParseDuration(args.DueIn)
			if err != nil {
				return "", fmt.Errorf("schedule_task: bad due_in %q: %w", args.DueIn, err)
			}
			var repeat time.Duration
			if args.RepeatEvery != "" {
				if repeat, err = time.ParseDuration(args.RepeatEvery); err != nil {
					return "", fmt.Errorf("schedule_task: bad repeat_every %q: %w", args.RepeatEvery, err)
				}
			}
			task, err := h.ScheduleTask(ctx, args.Assignee, args.Title, args.Payload, time.Now().Add(dueIn), repeat)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("scheduled task %s, due %s", task.ID, task.Schedule.DueAt.Format(time.RFC3339)), nil
		},
	}
}

func (h *Host) cancelTaskTool() agentcall.Tool {
	return agentcall.Tool{
		Name:        "cancel_task",
		Description: "Cancel a task by id. A repeating schedule stops firing; an in-flight occurrence finishes.",
		Parameters: map[string]any{
			"properties": map[string]any{
				"task_id": map[string]any{"type": "string"},
			},
			"required": []string{"task_id"},
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				TaskID string `json:"task_id"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("cancel_task: %w", err)
			}
			if err := h.CancelTask(ctx, args.TaskID); err != nil {
				return "", err
			}
			return fmt.Sprintf("task %s cancelled", args.TaskID), nil
		},
	}
}

func (h *Host) delegateTaskTool() agentcall.Tool {
	return agentcall.Tool{
		Name:        "delegate_task",
		Description: "Create a task for another identity; their next triggered turn picks it up.",
		Parameters: map[string]any{
			"properties": map[string]any{
				"creator":  map[string]any{"type": "string", "description": "Identity key of the requester."},
				"assignee": map[string]any{"type": "string", "description": "Identity key the work is handed to."},
				"title":    map[string]any{"type": "string"},
				"payload":  map[string]any{"type": "string"},
			},
			"required": []string{"creator", "assignee", "title", "payload"},
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Creator  string `json:"creator"`
				Assignee string `json:"assignee"`
				Title    string `json:"title"`
				Payload  string `json:"payload"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("delegate_task: %w", err)
			}
			task, err := h.DelegateTask(ctx, args.Creator, args.Assignee, args.Title, args.Payload)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("delegated task %s to %s", task.ID, args.Assignee), nil
		},
	}
}

func (h *Host) listTasksTool() agentcall.Tool {
	return agentcall.Tool{
		Name:        "list_tasks",
		Description: "List an identity's tasks with status, most recently updated first.",
		Parameters: map[string]any{
			"properties": map[string]any{
				"assignee": map[string]any{"type": "string", "description": "Identity key whose tasks to list."},
			},
			"required": []string{"assignee"},
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Assignee string `json:"assignee"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("list_tasks: %w", err)
			}
			tasks, err := h.tasks.ListFor(ctx, args.Assignee)
			if err != nil {
				return "", err
			}
			if len(tasks) == 0 {
				return "no tasks", nil
			}
			var b strings.Builder
			for _, t := range tasks {
				fmt.Fprintf(&b, "%s [%s/%s] %s\n", t.ID, t.Kind, t.Status, t.Title)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

func (h *Host) searchMemoryTool() agentcall.Tool {
	return agentcall.Tool{
		Name:        "search_memory",
		Description: "Search the memory index and return ranked snippets.",
		Parameters: map[string]any{
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "description": "Maximum snippets to return; defaults to 5."},
			},
			"required": []string{"query"},
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("search_memory: %w", err)
			}
			if args.Limit <= 0 {
				args.Limit = 5
			}
			results, err := h.memory.Search(ctx, args.Query, args.Limit)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "no matches", nil
			}
			var b strings.Builder
			for i, r := range results {
				fmt.Fprintf(&b, "%d. %s\n", i+1, r.Content)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

func (h *Host) manageSubscriptionsTool() agentcall.Tool {
	return agentcall.Tool{
		Name:        "manage_subscriptions",
		Description: "Subscribe an identity to an external feed topic, or remove a subscription.",
		Parameters: map[string]any{
			"properties": map[string]any{
				"action":          map[string]any{"type": "string", "enum": []string{"subscribe", "unsubscribe"}},
				"identity_key":    map[string]any{"type": "string", "description": "Required for subscribe."},
				"source":          map[string]any{"type": "string", "description": "Feed source, e.g. \"rss\". Required for subscribe."},
				"topic":           map[string]any{"type": "string", "description": "Topic within the source. Required for subscribe."},
				"subscription_id": map[string]any{"type": "string", "description": "Required for unsubscribe."},
			},
			"required": []string{"action"},
		},
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Action         string `json:"action"`
				IdentityKey    string `json:"identity_key"`
				Source         string `json:"source"`
				Topic          string `json:"topic"`
				SubscriptionID string `json:"subscription_id"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("manage_subscriptions: %w", err)
			}
			switch args.Action {
			case "subscribe":
				if args.IdentityKey == "" || args.Source == "" || args.Topic == "" {
					return "", fmt.Errorf("manage_subscriptions: subscribe needs identity_key, source and topic")
				}
				sub, err := h.Subscribe(ctx, args.IdentityKey, args.Source, args.Topic)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("subscription %s created for %s on %s/%s", sub.ID, args.IdentityKey, args.Source, args.Topic), nil
			case "unsubscribe":
				if args.SubscriptionID == "" {
					return "", fmt.Errorf("manage_subscriptions: unsubscribe needs subscription_id")
				}
				if err := h.Unsubscribe(ctx, args.SubscriptionID); err != nil {
					return "", err
				}
				return fmt.Sprintf("subscription %s removed", args.SubscriptionID), nil
			default:
				return "", fmt.Errorf("manage_subscriptions: unknown action %q", args.Action)
			}
		},
	}
}
