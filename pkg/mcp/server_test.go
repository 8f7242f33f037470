package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/internal/streaming"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.Same(t, s.mcpServer, s.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 9)

	for _, name := range []string{
		"reqchain.list",
		"reqchain.get",
		"reqchain.import",
		"reqchain.export",
		"reqchain.run",
		"reqchain.abort",
		"reqchain.variables",
		"reqchain.history",
		"reqchain.diagram",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"reqchain.list", "List saved workflows, most recently updated first"},
		{"reqchain.run", "Run a saved workflow and return per-step outcomes"},
		{"reqchain.abort", "Abort the run in progress"},
		{"reqchain.variables", "List the variables a step can reference as {{name}}"},
	}

	s := NewServer(ServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

// testSession is a connected client that only collects notifications.
type testSession struct {
	id string
	ch chan mcp.JSONRPCNotification
}

func (s *testSession) Initialize()       {}
func (s *testSession) Initialized() bool { return true }
func (s *testSession) SessionID() string { return s.id }
func (s *testSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.ch
}

func TestRelayScheduled(t *testing.T) {
	hub := streaming.NewMemoryHub()
	s := NewServer(ServerDeps{Hub: hub})
	sess := &testSession{id: "client-1", ch: make(chan mcp.JSONRPCNotification, 8)}
	require.NoError(t, s.mcpServer.RegisterSession(context.Background(), sess))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.relayScheduled(ctx))

	// Only scheduled runs are broadcast.
	require.NoError(t, hub.Publish(ctx, streaming.RunEvent{Trigger: store.TriggerMCP, EventType: streaming.EventRunFinished}))
	require.NoError(t, hub.Publish(ctx, streaming.RunEvent{
		WorkflowID: "wf-1",
		RunID:      "run-1",
		Trigger:    store.TriggerSchedule,
		EventType:  streaming.EventRunFinished,
		Status:     "completed",
	}))

	select {
	case n := <-sess.ch:
		assert.Equal(t, "notifications/message", n.Method)
		data, ok := n.Params.AdditionalFields["data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "run_finished", data["event"])
		assert.Equal(t, "wf-1", data["workflow_id"])
		assert.Equal(t, "completed", data["status"])
	case <-time.After(time.Second):
		t.Fatal("no notification relayed")
	}

	select {
	case n := <-sess.ch:
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayScheduled_NoHub(t *testing.T) {
	s := NewServer(ServerDeps{})
	assert.NoError(t, s.relayScheduled(context.Background()))
}
