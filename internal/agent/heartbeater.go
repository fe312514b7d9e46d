// ABOUTME: Agent-side registration and heartbeat loop against the core.
// ABOUTME: Registration retries with exponential backoff; a restart verdict triggers re-registration.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/2389/gami/internal/jsonrpc"
	"github.com/2389/gami/internal/rpc"
)

// DefaultHeartbeatInterval is used when neither the agent nor the core asks for something else.
const DefaultHeartbeatInterval = 15 * time.Second

// Caller is the subset of rpc.Client used to reach the core.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// HeartbeaterConfig configures a Heartbeater.
type HeartbeaterConfig struct {
	ListenerIP     string
	ListenerPort   int
	AgentID        string
	Implementation string
	Version        string
	// Interval is the preferred heartbeat period. The core's minimum delay wins when larger.
	Interval time.Duration
	// Uptime reports whole seconds since the process started; nil measures from New.
	Uptime func() int64
	// InitialBackoff and MaxBackoff shape registration retries.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnRegistered fires after every successful registration.
	OnRegistered func(RegisterResponse)
	Logger       *slog.Logger
}

// Heartbeater keeps an agent registered with the core.
type Heartbeater struct {
	core   Caller
	cfg    HeartbeaterConfig
	logger *slog.Logger

	mu       sync.Mutex
	agentID  string
	interval time.Duration
}

// NewHeartbeater creates a Heartbeater that talks to the core through core.
func NewHeartbeater(core Caller, cfg HeartbeaterConfig) *Heartbeater {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Uptime == nil {
		started := time.Now()
		cfg.Uptime = func() int64 { return int64(time.Since(started) / time.Second) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeater{
		core:     core,
		cfg:      cfg,
		logger:   logger.With("component", "heartbeater"),
		agentID:  cfg.AgentID,
		interval: cfg.Interval,
	}
}

// AgentID returns the id the core knows this agent by, empty before the first registration.
func (h *Heartbeater) AgentID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agentID
}

// Interval returns the current heartbeat period.
func (h *Heartbeater) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// Register announces the agent, retrying until it succeeds or ctx is done.
func (h *Heartbeater) Register(ctx context.Context) (RegisterResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.cfg.InitialBackoff
	bo.MaxInterval = h.cfg.MaxBackoff

	req := RegisterRequest{
		ListenerIP:     h.cfg.ListenerIP,
		ListenerPort:   h.cfg.ListenerPort,
		AgentID:        h.AgentID(),
		Implementation: h.cfg.Implementation,
		Version:        h.cfg.Version,
	}

	operation := func() (RegisterResponse, error) {
		var resp RegisterResponse
		err := h.core.Call(ctx, MethodRegister, req, &resp)
		if err == nil {
			return resp, nil
		}
		var aerr *rpc.AgentError
		if errors.As(err, &aerr) && aerr.Code == jsonrpc.CodeInvalidValue {
			return RegisterResponse{}, backoff.Permanent(err)
		}
		return RegisterResponse{}, err
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			h.logger.Warn("registration failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return RegisterResponse{}, fmt.Errorf("registering with core: %w", err)
	}

	h.mu.Lock()
	h.agentID = resp.AgentID
	h.interval = h.effectiveInterval(resp.MinDelaySeconds)
	interval := h.interval
	h.mu.Unlock()

	h.logger.Info("=== REGISTERED WITH CORE ===",
		"agent_id", resp.AgentID,
		"heartbeat_interval", interval,
		"events", fmt.Sprintf("%s:%d", resp.EventsIP, resp.EventsPort))
	if h.cfg.OnRegistered != nil {
		h.cfg.OnRegistered(resp)
	}
	return resp, nil
}

// Beat sends one heartbeat. It reports whether the core asked the agent to register again.
func (h *Heartbeater) Beat(ctx context.Context) (bool, error) {
	req := HeartbeatRequest{AgentID: h.AgentID(), UptimeSeconds: h.cfg.Uptime()}

	var resp HeartbeatResponse
	if err := h.core.Call(ctx, MethodHeartbeat, req, &resp); err != nil {
		var aerr *rpc.AgentError
		if errors.As(err, &aerr) && aerr.Code == jsonrpc.CodeNotRegistered {
			return true, nil
		}
		return false, err
	}

	h.mu.Lock()
	h.interval = h.effectiveInterval(resp.MinDelaySeconds)
	h.mu.Unlock()
	return resp.Reregister, nil
}

// Run registers and then heartbeats until ctx is done.
func (h *Heartbeater) Run(ctx context.Context) error {
	if _, err := h.Register(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(h.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		reregister, err := h.Beat(ctx)
		switch {
		case err != nil:
			h.logger.Warn("heartbeat failed", "error", err)
		case reregister:
			h.logger.Info("core requested re-registration", "agent_id", h.AgentID())
			if _, err := h.Register(ctx); err != nil {
				return err
			}
		}
		timer.Reset(h.Interval())
	}
}

func (h *Heartbeater) effectiveInterval(minDelaySeconds int) time.Duration {
	floor := time.Duration(minDelaySeconds) * time.Second
	return max(h.cfg.Interval, floor)
}
