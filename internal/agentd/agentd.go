// ABOUTME: Agent process orchestrator: discovery, RPC serving, heartbeating and event forwarding
// ABOUTME: Owns the agent's resource store and its connection to the management core

package agentd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/gami/internal/agent"
	"github.com/2389/gami/internal/auth"
	"github.com/2389/gami/internal/builtins"
	"github.com/2389/gami/internal/command"
	"github.com/2389/gami/internal/config"
	"github.com/2389/gami/internal/discovery"
	"github.com/2389/gami/internal/metrics"
	"github.com/2389/gami/internal/resource"
	"github.com/2389/gami/internal/rpc"
	"github.com/2389/gami/internal/stability"
	"github.com/2389/gami/internal/store"
)

// tokenLifetime bounds the self-issued bearer token.
const tokenLifetime = 30 * 24 * time.Hour

// Options substitute collaborators that New would otherwise build from config.
type Options struct {
	// Store defaults to SQLite at database.path.
	Store store.Store
	// Probe defaults to the fixture named by discovery.fixture, or an empty inventory.
	Probe discovery.Probe
	// CoreConnector defaults to a connector dialed toward core.address.
	CoreConnector rpc.Connector
	// Version is reported at registration.
	Version string
}

// Agent is one running agent process.
type Agent struct {
	cfg    *config.AgentConfig
	logger *slog.Logger

	store       store.Store
	resources   *resource.Store
	stabilizer  *stability.Stabilizer
	discoverer  *discovery.Discoverer
	dispatcher  *command.Dispatcher
	rpcServer   *rpc.Server
	core        *rpc.Client
	heartbeater *agent.Heartbeater
	forwarder   *forwarder

	token    string
	verifier *auth.JWTVerifier

	mu         sync.Mutex
	events     *rpc.Client
	grpcServer *grpc.Server
	httpServer *http.Server
}

// New assembles an agent from its configuration.
func New(ctx context.Context, cfg *config.AgentConfig, opts Options, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Agent.Implementation != builtins.ImplementationStubs {
		return nil, fmt.Errorf("unsupported implementation %q", cfg.Agent.Implementation)
	}

	st := opts.Store
	if st == nil {
		path := cfg.Database.Path
		if path == "" {
			path = filepath.Join(config.DataPath(), "agent.db")
		}
		sqlStore, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		st = sqlStore
	}

	namespace, ok := cfg.Service.Namespace()
	if !ok {
		var err error
		if namespace, err = st.ServiceUUID(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("resolving namespace: %w", err)
		}
	}

	// Ledger rows and the bearer token name the agent before the core assigns an id.
	localID := cfg.Agent.ID
	if localID == "" {
		localID = cfg.ListenAddr()
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger.With("component", "agentd"),
		store:  st,
	}

	a.resources = resource.New(logger)
	a.stabilizer = stability.New(a.resources, stability.Config{
		Namespace:          namespace,
		ConfiguredParentID: cfg.Discovery.ParentID,
		AgentID:            localID,
		Ledger:             st,
	}, logger)

	probe := opts.Probe
	if probe == nil {
		if cfg.Discovery.Fixture != "" {
			fp, err := discovery.LoadFixture(cfg.Discovery.Fixture, localID)
			if err != nil {
				st.Close()
				return nil, fmt.Errorf("loading discovery fixture: %w", err)
			}
			probe = fp
		} else {
			probe = discovery.ProbeFunc(func(context.Context) (*discovery.Inventory, error) {
				return &discovery.Inventory{}, nil
			})
		}
	}
	a.discoverer = discovery.New(probe, a.resources, a.stabilizer, logger)

	registry := command.NewRegistry(logger)
	builtins.Stubs(a.resources, a.stabilizer).RegisterAll(registry)
	registry.Freeze()
	a.dispatcher = command.NewDispatcher(registry, cfg.Agent.Implementation, logger)
	a.rpcServer = rpc.NewServer(a.dispatcher, logger)

	if cfg.Auth.JWTSecret != "" {
		a.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		tok, err := a.verifier.Generate(localID, auth.RoleAgent, tokenLifetime)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("issuing agent token: %w", err)
		}
		a.token = tok
	}

	conn := opts.CoreConnector
	if conn == nil {
		var err error
		if conn, err = rpc.NewConnector(cfg.Agent.Transport, cfg.Core.Address, a.token); err != nil {
			st.Close()
			return nil, fmt.Errorf("connecting to core: %w", err)
		}
	}
	a.core = rpc.NewClient(conn, rpc.ClientConfig{Timeout: cfg.Core.CallTimeout, AgentID: localID, Logger: logger})
	a.forwarder = newForwarder(logger)

	a.heartbeater = agent.NewHeartbeater(a.core, agent.HeartbeaterConfig{
		ListenerIP:     cfg.Agent.ListenerIP,
		ListenerPort:   cfg.Agent.ListenerPort,
		AgentID:        cfg.Agent.ID,
		Implementation: cfg.Agent.Implementation,
		Version:        opts.Version,
		Interval:       cfg.Core.HeartbeatInterval,
		OnRegistered:   a.onRegistered,
		Logger:         logger,
	})

	return a, nil
}

// Resources exposes the agent's resource store.
func (a *Agent) Resources() *resource.Store {
	return a.resources
}

// AgentID is the id the core assigned, empty before registration.
func (a *Agent) AgentID() string {
	return a.heartbeater.AgentID()
}

// Discover runs one discovery pass.
func (a *Agent) Discover(ctx context.Context) (discovery.Report, error) {
	return a.discoverer.Run(ctx)
}

// Run discovers the inventory, then serves on the configured listener until ctx is done.
// A failed initial discovery leaves the tree empty; the agent still registers and serves.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.Discover(ctx); err != nil {
		a.logger.Error("initial discovery failed, serving an empty inventory", "error", err)
	}

	ln, err := net.Listen("tcp", a.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.ListenAddr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve answers RPC on ln, keeps the agent registered and forwards store
// events until ctx is done or registration fails permanently.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := a.resources.Subscribe(ctx)
	serve := a.buildServer()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return serve(ln) })
	g.Go(func() error {
		a.forwarder.run(gctx, events)
		return nil
	})
	g.Go(func() error {
		err := a.heartbeater.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		a.stopServers()
		return nil
	})

	a.logger.Info("=== AGENT STARTED ===",
		"listen", ln.Addr().String(),
		"transport", a.cfg.Agent.Transport,
		"core", a.cfg.Core.Address,
		"resources", a.resources.Len())
	return g.Wait()
}

// buildServer creates the server for the configured transport and returns its serve loop.
func (a *Agent) buildServer() func(net.Listener) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.Agent.Transport == config.TransportHTTP {
		srv := &http.Server{Handler: a.httpHandler(), ReadHeaderTimeout: 10 * time.Second}
		a.httpServer = srv
		return func(ln net.Listener) error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		}
	}

	gs := a.newGRPCServer()
	a.grpcServer = gs
	return func(ln net.Listener) error {
		if err := gs.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	}
}

func (a *Agent) newGRPCServer() *grpc.Server {
	interceptor := auth.NoAuthUnaryInterceptor()
	if a.verifier != nil {
		interceptor = auth.UnaryInterceptor(a.verifier, a.logger)
	}
	gs := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(interceptor),
	)
	a.rpcServer.Register(gs)
	return gs
}

func (a *Agent) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", metrics.Handler())

	mw := auth.NoAuthMiddleware()
	if a.verifier != nil {
		mw = auth.HTTPAuthMiddleware(a.verifier, a.logger)
	}
	mux.Handle(rpc.HTTPPath, metrics.Middleware(rpc.HTTPPath, mw(a.rpcServer)))
	return mux
}

func (a *Agent) stopServers() {
	a.mu.Lock()
	gs, hs := a.grpcServer, a.httpServer
	a.mu.Unlock()

	if hs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
	if gs != nil {
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			gs.Stop()
		}
	}
}

// onRegistered points the event forwarder at the address the core handed out.
func (a *Agent) onRegistered(resp agent.RegisterResponse) {
	target := a.core
	eventsAddr := net.JoinHostPort(resp.EventsIP, strconv.Itoa(resp.EventsPort))
	if resp.EventsIP != "" && eventsAddr != a.cfg.Core.Address {
		conn, err := rpc.NewConnector(a.cfg.Agent.Transport, eventsAddr, a.token)
		if err != nil {
			a.logger.Warn("cannot reach events address, using core address", "events", eventsAddr, "error", err)
		} else {
			target = rpc.NewClient(conn, rpc.ClientConfig{Timeout: a.cfg.Core.CallTimeout, AgentID: resp.AgentID, Logger: a.logger})
		}
	}

	a.mu.Lock()
	old := a.events
	if target != a.core {
		a.events = target
	} else {
		a.events = nil
	}
	a.mu.Unlock()
	if old != nil && old != target {
		_ = old.Close()
	}

	a.forwarder.setTarget(resp.AgentID, target)
}

// Close releases the store and the core connection.
func (a *Agent) Close() error {
	var errs []error
	a.mu.Lock()
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	a.mu.Unlock()
	errs = append(errs, a.core.Close(), a.store.Close())
	return errors.Join(errs...)
}
