// ABOUTME: Core-side RPC client facade for calling a remote agent's dispatcher.
// ABOUTME: Classifies failures into communication, connector and agent domain errors.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/2389/gami/internal/jsonrpc"
	"github.com/2389/gami/internal/metrics"
)

// DefaultTimeout bounds a call when the caller configures none.
const DefaultTimeout = 10 * time.Second

// ErrCommunication is returned for malformed or unexpected data at the transport boundary.
// Its message is deliberately generic; details are logged, never returned.
var ErrCommunication = errors.New("communication failure with the agent")

// ConnectorError means the transport is unavailable or timed out. Callers may reconnect and retry.
type ConnectorError struct {
	Method string
	Err    error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector error calling %s: %v", e.Method, e.Err)
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// AgentError is a structured domain error returned by the agent, preserved as sent.
type AgentError struct {
	Code    int
	Message string
	Data    any
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error %d: %s", e.Code, e.Message)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Timeout bounds each call; zero means DefaultTimeout.
	Timeout time.Duration
	// AgentID labels log lines.
	AgentID string
	Logger  *slog.Logger
}

// Client calls procedures on one remote agent.
type Client struct {
	conn    Connector
	timeout time.Duration
	nextID  atomic.Int64
	logger  *slog.Logger
}

// NewClient creates a Client over conn.
func NewClient(conn Connector, cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:    conn,
		timeout: timeout,
		logger:  logger.With("component", "rpc_client", "agent_id", cfg.AgentID),
	}
}

// Close releases the connector.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes method with params and decodes the result into result, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	err := c.call(ctx, id, method, params, result)
	metrics.ObserveClientCall(method, classify(err))
	return err
}

// Notify sends a notification and does not wait for a result.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return fmt.Errorf("building notification: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.conn.Send(ctx, payload); err != nil {
		cerr := &ConnectorError{Method: method, Err: err}
		metrics.ObserveClientCall(method, classify(cerr))
		return cerr
	}
	metrics.ObserveClientCall(method, classify(nil))
	return nil
}

func (c *Client) call(ctx context.Context, id, method string, params, result any) error {
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.conn.Send(ctx, payload)
	if err != nil {
		c.logger.Debug("transport failure", "method", method, "error", err)
		return &ConnectorError{Method: method, Err: err}
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return c.communication(method, "malformed response", "error", err)
	}
	if string(resp.ID) != strconv.Quote(id) {
		return c.communication(method, "response id mismatch", "want", id, "got", string(resp.ID))
	}

	if resp.Error != nil {
		switch resp.Error.Code {
		case jsonrpc.CodeParseError, jsonrpc.CodeInvalidRequest, jsonrpc.CodeInvalidParams:
			return c.communication(method, "agent rejected request shape",
				"code", resp.Error.Code,
				"message", resp.Error.Message,
				"data", resp.Error.Data)
		}
		return &AgentError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
	}

	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return c.communication(method, "unexpected result shape", "error", err)
	}
	return nil
}

func (c *Client) communication(method, reason string, attrs ...any) error {
	c.logger.Warn("communication failure with the agent",
		append([]any{"method", method, "reason", reason}, attrs...)...)
	return ErrCommunication
}

func classify(err error) string {
	var cerr *ConnectorError
	var aerr *AgentError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &cerr):
		return "connector"
	case errors.As(err, &aerr):
		return "agent"
	case errors.Is(err, ErrCommunication):
		return "communication"
	default:
		return "internal"
	}
}
