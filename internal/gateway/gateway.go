// ABOUTME: Gateway orchestrator that coordinates the gRPC and HTTP servers of the management core
// ABOUTME: Manages agent sessions, per-agent clients, mirrors and the store lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/grpc"

	"github.com/2389/gami/internal/agent"
	"github.com/2389/gami/internal/auth"
	"github.com/2389/gami/internal/builtins"
	"github.com/2389/gami/internal/command"
	"github.com/2389/gami/internal/config"
	"github.com/2389/gami/internal/dedupe"
	"github.com/2389/gami/internal/metrics"
	"github.com/2389/gami/internal/rpc"
	"github.com/2389/gami/internal/store"
)

const (
	// coreTokenLifetime bounds the token the core presents to agents.
	coreTokenLifetime = 30 * 24 * time.Hour
	dedupeTTL         = 10 * time.Minute
	dedupeMaxEntries  = 100_000
)

// Options substitute collaborators that New would otherwise build from config.
type Options struct {
	// Store defaults to SQLite at database.path.
	Store store.Store
	// Connect defaults to rpc.NewConnector over agents.transport.
	Connect ConnectFunc
	// Now is the session clock; nil means time.Now.
	Now func() time.Time
}

// Gateway orchestrates the gami management core.
type Gateway struct {
	config     *config.Config
	store      store.Store
	sessions   *agent.Manager
	dispatcher *command.Dispatcher
	rpcServer  *rpc.Server
	bridge     *Bridge
	router     *Router
	mirrors    *Mirrors
	dedupe     *dedupe.Window
	verifier   *auth.JWTVerifier

	grpcServer *grpc.Server
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates the SQLite store at the configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithOptions(context.Background(), cfg, Options{}, logger)
}

// NewWithOptions creates a Gateway, using the collaborators in opts where set.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := opts.Store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	namespace, ok := cfg.Service.Namespace()
	if !ok {
		var err error
		if namespace, err = s.ServiceUUID(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("resolving namespace: %w", err)
		}
	}

	eventsHost, eventsPortStr, err := net.SplitHostPort(cfg.Agents.EventsAddr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("parsing events address: %w", err)
	}
	eventsPort, err := strconv.Atoi(eventsPortStr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("parsing events port: %w", err)
	}

	gw := &Gateway{
		config: cfg,
		store:  s,
		dedupe: dedupe.New(dedupeTTL, dedupeMaxEntries),
		logger: logger.With("component", "gateway"),
	}

	var coreToken string
	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if coreToken, err = gw.verifier.Generate("core", auth.RoleCore, coreTokenLifetime); err != nil {
			s.Close()
			return nil, fmt.Errorf("issuing core token: %w", err)
		}
	}

	gw.sessions = agent.NewManager(agent.ManagerConfig{
		MinDelay:         cfg.Agents.MinDelay,
		EventsIP:         eventsHost,
		EventsPort:       eventsPort,
		HeartbeatTimeout: cfg.Agents.HeartbeatTimeout,
		Namespace:        namespace,
		Store:            s,
		Hooks: agent.Hooks{
			OnJoin:    gw.onJoin,
			OnRestart: gw.onRestart,
			OnLost:    gw.onLost,
		},
		Logger: logger,
		Now:    opts.Now,
	})

	connect := opts.Connect
	if connect == nil {
		transport := cfg.Agents.Transport
		connect = func(sess agent.Session) (rpc.Connector, error) {
			return rpc.NewConnector(transport, sess.Address(), coreToken)
		}
	}
	gw.bridge = NewBridge(connect, cfg.Agents.CallTimeout, logger)
	gw.router = NewRouter(gw.sessions, gw.bridge)
	gw.mirrors = NewMirrors(gw.router, logger)

	registry := command.NewRegistry(logger)
	builtins.Core(gw.sessions, gw).RegisterAll(registry)
	registry.Freeze()
	gw.dispatcher = command.NewDispatcher(registry, builtins.ImplementationCore, logger)
	gw.rpcServer = rpc.NewServer(gw.dispatcher, logger)

	gw.grpcServer = createGRPCServer(gw.verifier, logger)
	gw.rpcServer.Register(gw.grpcServer)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP surface: health, API, RPC and metrics routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, metrics.Handler())
	}

	g.registerHTTPAPIRoutes(mux)
	return mux
}

// Sessions exposes the agent session manager.
func (g *Gateway) Sessions() *agent.Manager {
	return g.sessions
}

// Mirrors exposes the per-agent mirrors.
func (g *Gateway) Mirrors() *Mirrors {
	return g.mirrors
}

// CountByState implements metrics.AgentSource.
func (g *Gateway) CountByState() map[string]int {
	return g.sessions.CountByState()
}

// ResourceCounts implements metrics.AgentSource.
func (g *Gateway) ResourceCounts() map[string]int {
	return g.mirrors.Counts()
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers on the configured addresses and blocks until
// the context is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupTCPListeners()
	if err != nil {
		return err
	}
	return g.Serve(ctx, grpcListener, httpListener)
}

// Serve restores sessions, starts background work and serves on the given
// listeners. Returns nil on graceful shutdown (context canceled), or an error
// if a server fails.
func (g *Gateway) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	if err := g.sessions.Load(ctx); err != nil {
		g.logger.Warn("could not restore agent sessions", "error", err)
	}

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.mirrors.Start(bgCtx)
	go g.sessions.RunReaper(bgCtx, g.config.Agents.MinDelay)

	g.logger.Info("=== CORE STARTED ===",
		"grpc_addr", grpcLn.Addr().String(),
		"http_addr", httpLn.Addr().String(),
		"agent_transport", g.config.Agents.Transport,
		"events_addr", g.config.Agents.EventsAddr,
		"min_delay", g.config.Agents.MinDelay)

	errCh := g.startServers(grpcLn, httpLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	cancel()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)
	g.mirrors.Wait()
	g.bridge.Close()
	g.dedupe.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent has a live session.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	counts := g.sessions.CountByState()
	live := counts[string(agent.StateRegistered)] + counts[string(agent.StateAlive)]
	if live == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", live)
}
