// ABOUTME: gRPC server construction for the gami.v1.Gami service
// ABOUTME: Installs JWT authentication when a secret is configured, anonymous context otherwise

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/gami/internal/auth"
)

func serverOptions(interceptor grpc.UnaryServerInterceptor) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(interceptor),
	}
}

// createGRPCServer creates a gRPC server with or without auth based on the verifier.
func createGRPCServer(verifier *auth.JWTVerifier, logger *slog.Logger) *grpc.Server {
	if verifier != nil {
		logger.Info("auth interceptor enabled (JWT)")
		return grpc.NewServer(serverOptions(auth.UnaryInterceptor(verifier, logger))...)
	}
	logger.Warn("auth disabled - no jwt_secret configured")
	return grpc.NewServer(serverOptions(auth.NoAuthUnaryInterceptor())...)
}
