// ABOUTME: gRPC service description and HTTP handler that carry JSON-RPC payloads to a dispatcher.
// ABOUTME: The gRPC method takes and returns raw envelope bytes in a BytesValue.

package rpc

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "gami.v1.Gami"
	// CallMethod is the full gRPC method path for a JSON-RPC exchange.
	CallMethod = "/" + ServiceName + "/Call"
	// HTTPPath is where the HTTP transport accepts envelopes.
	HTTPPath = "/rpc"

	maxRequestBytes = 4 << 20
)

// PayloadHandler serves one wire-encoded JSON-RPC request and returns nil for notifications.
type PayloadHandler interface {
	HandleBytes(ctx context.Context, data []byte) []byte
}

// CallServer is the server API for the gami.v1.Gami service.
type CallServer interface {
	Call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// ServiceDesc describes the gami.v1.Gami service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CallServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gami/v1/gami.proto",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CallServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CallMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CallServer).Call(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes a PayloadHandler over gRPC and HTTP.
type Server struct {
	handler PayloadHandler
	logger  *slog.Logger
}

// NewServer wraps handler. Pass nil logger for default.
func NewServer(handler PayloadHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handler: handler, logger: logger.With("component", "rpc_server")}
}

// Register attaches the server to a grpc.Server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Call implements CallServer. Notifications return an empty payload.
func (s *Server) Call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	out := s.handler.HandleBytes(ctx, in.GetValue())
	return wrapperspb.Bytes(out), nil
}

// ServeHTTP accepts a JSON-RPC envelope as a POST body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.logger.Warn("failed to read request body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	out := s.handler.HandleBytes(r.Context(), body)
	if out == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(out); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
