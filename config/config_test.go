package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWithOwnerKey(t *testing.T) {
	path := writeConfig(t, "owner_key: owner-42\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "owner-42", cfg.OwnerKey)
	assert.Equal(t, "", cfg.Store.Path)
	assert.Contains(t, cfg.Capabilities.Owner, "delegate_task")
	assert.Equal(t, []string{"send_message"}, cfg.Capabilities.External)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, 10*time.Second, cfg.Session.LockWait)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PollPeriod)
	assert.Equal(t, 3, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, "anthropic", cfg.Agent.Provider)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
owner_key: owner-42
store:
  path: /var/lib/jobs/jobs.db
  pool_size: 8
capabilities:
  external:
    - send_message
    - list_tasks
session:
  lock_wait: 2s
  lock_ceiling: 1m
scheduler:
  poll_period: 5s
heartbeat:
  interval: 10m
  owner_check_prompt: anything urgent?
agent:
  provider: openai
  model: gpt-4o-mini
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/jobs/jobs.db", cfg.Store.Path)
	assert.Equal(t, 8, cfg.Store.PoolSize)
	assert.Equal(t, []string{"send_message", "list_tasks"}, cfg.Capabilities.External)
	assert.Equal(t, 2*time.Second, cfg.Session.LockWait)
	assert.Equal(t, time.Minute, cfg.Session.LockCeiling)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.PollPeriod)
	assert.Equal(t, 10*time.Minute, cfg.Heartbeat.Interval)
	assert.Equal(t, "anything urgent?", cfg.Heartbeat.OwnerCheckPrompt)
	assert.Equal(t, "openai", cfg.Agent.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.Agent.Model)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_MissingOwnerKeyRejected(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner_key")
}

func TestLoad_UnknownProviderRejected(t *testing.T) {
	path := writeConfig(t, "owner_key: o\nagent:\n  provider: watson\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}

func TestLoad_LockCeilingBelowWaitRejected(t *testing.T) {
	path := writeConfig(t, "owner_key: o\nsession:\n  lock_wait: 10s\n  lock_ceiling: 1s\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_ceiling")
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("JOBS_OWNER_KEY", "owner-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "owner-env", cfg.OwnerKey)
}
