// ABOUTME: gRPC interceptors and per-RPC credentials for bearer-token authentication
// ABOUTME: Extracts the token from metadata and populates context for handlers

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	base := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		base = append(base, "peer_addr", p.Addr.String())
	}
	logger.Warn("auth failure", append(base, attrs...)...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
func UnaryInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}

		token, errMsg := extractBearerToken(header)
		if errMsg != "" {
			logAuthFailure(logger, ctx, errMsg, "method", info.FullMethod)
			return nil, status.Error(codes.Unauthenticated, errMsg)
		}

		claims, err := tokens.Verify(token)
		if err != nil {
			logAuthFailure(logger, ctx, "invalid token", "method", info.FullMethod, "error", err)
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}

		return handler(WithAuth(ctx, &AuthContext{PrincipalID: claims.PrincipalID, Role: claims.Role}), req)
	}
}

// NoAuthUnaryInterceptor injects an anonymous auth context when authentication is disabled.
func NoAuthUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return handler(WithAuth(ctx, Anonymous), req)
	}
}

// PerRPCToken attaches a bearer token to every outgoing gRPC call.
type PerRPCToken struct {
	Token string
	// Insecure allows sending the token over plaintext connections.
	Insecure bool
}

var _ credentials.PerRPCCredentials = PerRPCToken{}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (p PerRPCToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + p.Token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (p PerRPCToken) RequireTransportSecurity() bool {
	return !p.Insecure
}

// extractBearerToken extracts a bearer token from an Authorization value.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}
