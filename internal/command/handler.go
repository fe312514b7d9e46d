// ABOUTME: Command handler contract and a generic adapter from typed functions.
// ABOUTME: Each command declares its parameter schema and executes with decoded params.

package command

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/2389/gami/internal/jsonrpc"
)

// ErrInvalidValue reports a well-shaped parameter whose value the handler rejects.
var ErrInvalidValue = errors.New("invalid value")

// Handler executes one command.
type Handler interface {
	// Params declares the named parameters the command accepts.
	Params() Schema
	// Execute runs the command on already-validated params.
	// A nil result is sent as an empty object.
	Execute(ctx context.Context, params json.RawMessage) (any, error)
}

type typed[Req, Resp any] struct {
	schema Schema
	fn     func(ctx context.Context, req Req) (Resp, error)
}

// New adapts a typed function into a Handler. Params are decoded into Req with encoding/json.
func New[Req, Resp any](schema Schema, fn func(ctx context.Context, req Req) (Resp, error)) Handler {
	return &typed[Req, Resp]{schema: schema, fn: fn}
}

func (t *typed[Req, Resp]) Params() Schema {
	return t.schema
}

func (t *typed[Req, Resp]) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var req Req
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, jsonrpc.InvalidParams([]jsonrpc.FieldError{{Field: "params", Reason: err.Error()}})
		}
	}
	return t.fn(ctx, req)
}

// Empty is the response of commands that return no payload.
type Empty struct{}
