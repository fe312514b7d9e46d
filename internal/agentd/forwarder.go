// ABOUTME: Forwards committed resource store events to the core as componentNotification calls
// ABOUTME: Sequence numbers increase per process so the core can drop retried deliveries

package agentd

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v5"

	"github.com/2389/gami/internal/agent"
	"github.com/2389/gami/internal/resource"
)

const notifyAttempts = 3

// Notifier is the subset of rpc.Client used to deliver notifications.
type Notifier interface {
	Notify(ctx context.Context, method string, params any) error
}

type forwarder struct {
	mu      sync.Mutex
	target  Notifier
	agentID string

	ready     chan struct{}
	readyOnce sync.Once
	seq       atomic.Uint64
	logger    *slog.Logger
}

func newForwarder(logger *slog.Logger) *forwarder {
	return &forwarder{
		ready:  make(chan struct{}),
		logger: logger.With("component", "event_forwarder"),
	}
}

// setTarget switches delivery to n and releases events held since startup.
func (f *forwarder) setTarget(agentID string, n Notifier) {
	f.mu.Lock()
	f.target = n
	f.agentID = agentID
	f.mu.Unlock()
	f.readyOnce.Do(func() { close(f.ready) })
}

func (f *forwarder) current() (Notifier, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target, f.agentID
}

// run delivers events until ctx is done. Nothing is sent before the first registration.
func (f *forwarder) run(ctx context.Context, events <-chan resource.Event) {
	select {
	case <-f.ready:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *forwarder) forward(ctx context.Context, ev resource.Event) {
	target, agentID := f.current()
	n := agent.ComponentNotification{
		AgentID:    agentID,
		Seq:        f.seq.Add(1),
		Kind:       string(ev.Kind),
		Component:  string(ev.Component),
		ID:         ev.ID,
		PreviousID: ev.PreviousID,
		Parent:     ev.Parent,
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, target.Notify(ctx, agent.MethodComponentNotification, n)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(notifyAttempts),
	)
	if err != nil {
		f.logger.Warn("dropping component notification",
			"seq", n.Seq,
			"kind", n.Kind,
			"id", n.ID,
			"error", err)
		return
	}
	f.logger.Debug("forwarded component notification", "seq", n.Seq, "kind", n.Kind, "id", n.ID)
}
