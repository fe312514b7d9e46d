// ABOUTME: Dispatcher: resolves a procedure for the configured implementation, validates, executes.
// ABOUTME: Handler errors and panics become structured JSON-RPC errors at this boundary.

package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/gami/internal/jsonrpc"
	"github.com/2389/gami/internal/metrics"
	"github.com/2389/gami/internal/resource"
)

// Dispatcher serves procedures registered for one implementation.
type Dispatcher struct {
	registry       *Registry
	implementation string
	logger         *slog.Logger
}

// NewDispatcher creates a Dispatcher. Pass nil logger for default.
func NewDispatcher(registry *Registry, implementation string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:       registry,
		implementation: implementation,
		logger:         logger.With("component", "dispatcher", "implementation", implementation),
	}
}

// Implementation returns the implementation tag procedures are resolved against.
func (d *Dispatcher) Implementation() string {
	return d.implementation
}

// Dispatch runs a call and returns its encoded result. Every error is a *jsonrpc.Error.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	result, rpcErr := d.run(ctx, method, params)
	d.observe(method, rpcErr, start)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if result == nil {
		result = Empty{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		d.logger.Error("failed to encode result", "method", method, "error", err)
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error", nil)
	}
	return raw, nil
}

// Notify runs a notification. The handler's result is discarded.
func (d *Dispatcher) Notify(ctx context.Context, method string, params json.RawMessage) error {
	start := time.Now()
	_, rpcErr := d.run(ctx, method, params)
	d.observe(method, rpcErr, start)
	if rpcErr != nil {
		d.logger.Warn("notification failed", "method", method, "code", rpcErr.Code, "error", rpcErr.Message)
		return rpcErr
	}
	return nil
}

// Handle serves a parsed request and returns nil for notifications.
func (d *Dispatcher) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() {
		_ = d.Notify(ctx, req.Method, req.Params)
		return nil
	}

	raw, err := d.Dispatch(ctx, req.Method, req.Params)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, ToRPCError(err))
	}
	return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Result: raw}
}

// HandleBytes serves one wire-encoded request. It returns nil for notifications.
func (d *Dispatcher) HandleBytes(ctx context.Context, data []byte) []byte {
	req, rpcErr := jsonrpc.ParseRequest(data)
	var resp *jsonrpc.Response
	switch {
	case rpcErr != nil:
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		resp = jsonrpc.NewErrorResponse(id, rpcErr)
	default:
		resp = d.Handle(ctx, req)
	}
	if resp == nil {
		return nil
	}

	out, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("failed to encode response", "error", err)
		out, _ = json.Marshal(jsonrpc.NewErrorResponse(resp.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error", nil)))
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context, method string, params json.RawMessage) (result any, rpcErr *jsonrpc.Error) {
	handler, ok := d.registry.Lookup(d.implementation, method)
	if !ok {
		d.logger.Debug("method not found", "method", method)
		return nil, jsonrpc.MethodNotFound(method)
	}

	if fieldErrs := handler.Params().Validate(params); len(fieldErrs) > 0 {
		d.logger.Debug("invalid params", "method", method, "fields", fieldErrs)
		return nil, jsonrpc.InvalidParams(fieldErrs)
	}

	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("command panicked", "method", method, "panic", p)
			result = nil
			rpcErr = jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error", fmt.Sprint(p))
		}
	}()

	d.logger.Debug("→ executing command", "method", method)
	out, err := handler.Execute(ctx, params)
	if err != nil {
		rpcErr = ToRPCError(err)
		level := slog.LevelInfo
		if rpcErr.Code == jsonrpc.CodeDuplicateID {
			level = slog.LevelError
		}
		d.logger.Log(ctx, level, "command returned error", "method", method, "code", rpcErr.Code, "error", err)
		return nil, rpcErr
	}
	return out, nil
}

func (d *Dispatcher) observe(method string, rpcErr *jsonrpc.Error, start time.Time) {
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
	}
	metrics.ObserveDispatch(method, code, time.Since(start))
}

// ToRPCError converts a handler error into the structured error sent on the wire.
func ToRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, resource.ErrNotFound):
		return jsonrpc.NewError(jsonrpc.CodeNotFound, err.Error(), nil)
	case errors.Is(err, resource.ErrDuplicateID):
		return jsonrpc.NewError(jsonrpc.CodeDuplicateID, err.Error(), nil)
	case errors.Is(err, ErrInvalidValue):
		return jsonrpc.NewError(jsonrpc.CodeInvalidValue, err.Error(), nil)
	default:
		return jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error", err.Error())
	}
}
