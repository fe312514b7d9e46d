// Package auth provides bearer-token authentication between gami processes.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with the shared jwt_secret. The "sub" claim
// names the principal (an agent id, "core", or an operator name) and the
// "role" claim is one of agent, core or operator.
//
// # gRPC
//
// UnaryInterceptor verifies the "authorization" metadata entry on every
// call and stores an AuthContext in the request context. Callers attach a
// token with PerRPCToken. NoAuthUnaryInterceptor installs an anonymous
// context when no secret is configured.
//
// # HTTP
//
// HTTPAuthMiddleware does the same for the Authorization header of HTTP
// transport calls and API requests; RequireRole restricts a route to a set
// of roles.
package auth
