package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/logging"
)

func TestConsole_SendPrefixesTarget(t *testing.T) {
	var buf strings.Builder
	c := newConsole(&buf)

	require.NoError(t, c.Send(context.Background(), core.OutboundMessage{
		TargetKey: "owner-1",
		Text:      "done",
	}))
	assert.Equal(t, "[owner-1] done\n", buf.String())
}

func TestAgentProxy_UnsetCallerFails(t *testing.T) {
	p := &agentProxy{}
	chunks, errs := p.Invoke(context.Background(), core.NewCapabilitySet(), core.AgentInput{Prompt: "hi"})

	_, open := <-chunks
	assert.False(t, open)
	err := <-errs
	require.Error(t, err)
}

func TestLogLevelMapping(t *testing.T) {
	assert.Equal(t, logging.LogLevelDebug, logLevel("debug"))
	assert.Equal(t, logging.LogLevelWarn, logLevel("warn"))
	assert.Equal(t, logging.LogLevelError, logLevel("error"))
	assert.Equal(t, logging.LogLevelInfo, logLevel("info"))
	assert.Equal(t, logging.LogLevelInfo, logLevel(""))
}
