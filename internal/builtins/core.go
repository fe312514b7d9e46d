// ABOUTME: Core command set served by the management core to its agents.
// ABOUTME: Registration, heartbeat and component notifications.

package builtins

import (
	"context"
	"errors"

	"github.com/2389/gami/internal/agent"
	"github.com/2389/gami/internal/command"
	"github.com/2389/gami/internal/jsonrpc"
	"github.com/2389/gami/internal/resource"
)

// Sessions is the subset of agent.Manager the core commands need.
type Sessions interface {
	Register(ctx context.Context, req agent.RegisterRequest) (agent.RegisterResponse, error)
	Heartbeat(ctx context.Context, req agent.HeartbeatRequest) (agent.HeartbeatResponse, error)
}

// NotificationSink receives component notifications from agents.
type NotificationSink interface {
	HandleNotification(ctx context.Context, n agent.ComponentNotification) error
}

var eventKinds = []string{
	string(resource.EventAdded),
	string(resource.EventUpdated),
	string(resource.EventRemoved),
	string(resource.EventRekeyed),
}

// Core creates the Core command set. sink may be nil, in which case
// notifications are accepted and dropped.
func Core(sessions Sessions, sink NotificationSink) *Set {
	h := &coreHandlers{sessions: sessions, sink: sink}
	return &Set{
		Implementation: ImplementationCore,
		Commands: []Command{
			{
				Group: "agent",
				Name:  agent.MethodRegister,
				Handler: command.New(command.Schema{
					command.Required("listener_ip", command.KindString),
					command.Required("listener_port", command.KindInt),
					command.Optional("agent_id", command.KindString),
					command.Optional("implementation", command.KindString),
					command.Optional("version", command.KindString),
				}, h.Register),
			},
			{
				Group: "agent",
				Name:  agent.MethodHeartbeat,
				Handler: command.New(command.Schema{
					command.Required("agent_id", command.KindString),
					command.Required("uptime_seconds", command.KindInt),
				}, h.Heartbeat),
			},
			{
				Group: "events",
				Name:  agent.MethodComponentNotification,
				Handler: command.New(command.Schema{
					command.Required("agent_id", command.KindString),
					command.Required("seq", command.KindInt),
					{Name: "kind", Kind: command.KindString, Required: true, Enum: eventKinds},
					command.Required("component", command.KindString),
					command.Required("id", command.KindString),
					command.Optional("previous_id", command.KindString),
					command.Optional("parent", command.KindString),
				}, h.ComponentNotification),
			},
		},
	}
}

type coreHandlers struct {
	sessions Sessions
	sink     NotificationSink
}

func (h *coreHandlers) Register(ctx context.Context, req agent.RegisterRequest) (agent.RegisterResponse, error) {
	return h.sessions.Register(ctx, req)
}

func (h *coreHandlers) Heartbeat(ctx context.Context, req agent.HeartbeatRequest) (agent.HeartbeatResponse, error) {
	resp, err := h.sessions.Heartbeat(ctx, req)
	if errors.Is(err, agent.ErrNotRegistered) {
		return agent.HeartbeatResponse{}, jsonrpc.NewError(jsonrpc.CodeNotRegistered, "Agent not registered", req.AgentID)
	}
	return resp, err
}

func (h *coreHandlers) ComponentNotification(ctx context.Context, n agent.ComponentNotification) (command.Empty, error) {
	if h.sink == nil {
		return command.Empty{}, nil
	}
	err := h.sink.HandleNotification(ctx, n)
	if errors.Is(err, agent.ErrNotRegistered) {
		return command.Empty{}, jsonrpc.NewError(jsonrpc.CodeNotRegistered, "Agent not registered", n.AgentID)
	}
	return command.Empty{}, err
}
