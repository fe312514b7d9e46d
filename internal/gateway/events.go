// ABOUTME: Component notification handling and session lifecycle hooks
// ABOUTME: Drops retried notifications via the dedupe window and schedules mirror syncs

package gateway

import (
	"context"
	"fmt"

	"github.com/2389/gami/internal/agent"
	"github.com/2389/gami/internal/auth"
	"github.com/2389/gami/internal/dedupe"
)

// HandleNotification records a change reported by an agent.
// A notification seen before (same agent, kind, resource and sequence) is
// ignored. Otherwise the agent's mirror is marked stale and a sync is scheduled.
func (g *Gateway) HandleNotification(ctx context.Context, n agent.ComponentNotification) error {
	if _, ok := g.sessions.Get(n.AgentID); !ok {
		return fmt.Errorf("%w: %s", agent.ErrNotRegistered, n.AgentID)
	}

	key := dedupe.NotificationKey(n.AgentID, n.Kind, n.ID, n.Seq)
	if g.dedupe.Seen(key) {
		g.logger.Debug("duplicate component notification ignored",
			"agent_id", n.AgentID,
			"seq", n.Seq,
			"kind", n.Kind,
			"id", n.ID)
		return nil
	}

	attrs := []any{
		"agent_id", n.AgentID,
		"seq", n.Seq,
		"kind", n.Kind,
		"component", n.Component,
		"id", n.ID,
	}
	if n.PreviousID != "" {
		attrs = append(attrs, "previous_id", n.PreviousID)
	}
	if a := auth.FromContext(ctx); a != nil {
		attrs = append(attrs, "principal", a.PrincipalID)
	}
	g.logger.Debug("component notification", attrs...)

	g.mirrors.MarkStale(n.AgentID)
	g.mirrors.Request(n.AgentID)
	return nil
}

func (g *Gateway) onJoin(sess agent.Session) {
	g.mirrors.Request(sess.AgentID)
}

// onRestart discards everything the core knew about the previous agent process.
func (g *Gateway) onRestart(sess agent.Session) {
	g.bridge.Drop(sess.AgentID)
	g.mirrors.Drop(sess.AgentID)
	n := g.dedupe.ForgetPrefix(sess.AgentID + "|")
	g.logger.Info("dropped agent state after restart",
		"agent_id", sess.AgentID,
		"forgotten_notifications", n)
}

func (g *Gateway) onLost(sess agent.Session) {
	g.bridge.Drop(sess.AgentID)
	g.mirrors.MarkStale(sess.AgentID)
}
