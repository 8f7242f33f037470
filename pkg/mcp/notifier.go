package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/reqchain/internal/store"
	"github.com/rendis/reqchain/internal/streaming"
	"github.com/rendis/reqchain/pkg/schema"
)

const notificationMethod = "notifications/message"

func logMessage(data map[string]any) map[string]any {
	return map[string]any{
		"level":  "info",
		"logger": "reqchain",
		"data":   data,
	}
}

// progressNotifier pushes step progress of a tool-initiated run to the
// calling session. Best-effort: a client without a session gets nothing.
type progressNotifier struct {
	ctx       context.Context
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

func newProgressNotifier(ctx context.Context, mcpServer *server.MCPServer, logger *slog.Logger) *progressNotifier {
	return &progressNotifier{ctx: ctx, mcpServer: mcpServer, logger: logger}
}

func (n *progressNotifier) StepStarted(index int, step schema.WorkflowStep) {
	n.notify(streaming.StepStarted(index, step))
}

func (n *progressNotifier) StepCompleted(index int, step schema.WorkflowStep, result schema.StepExecutionResult) {
	n.notify(streaming.StepCompleted(index, step, result))
}

func (n *progressNotifier) notify(e streaming.RunEvent) {
	if server.ClientSessionFromContext(n.ctx) == nil {
		return
	}
	if err := n.mcpServer.SendNotificationToClient(n.ctx, notificationMethod, logMessage(e.Fields())); err != nil {
		n.logger.Debug("progress notification dropped", slog.String("error", err.Error()))
	}
}

// relayScheduled broadcasts progress of scheduled runs to every connected
// client until ctx is done. Tool-initiated runs are reported to their caller
// by progressNotifier instead.
func (s *Server) relayScheduled(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{Triggers: []string{store.TriggerSchedule}})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case e := <-ch:
				s.mcpServer.SendNotificationToAllClients(notificationMethod, logMessage(e.Fields()))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
