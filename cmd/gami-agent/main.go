// ABOUTME: Entry point for gami-agent, which discovers local hardware and serves it over RPC
// ABOUTME: Registers with the management core and keeps heartbeating until stopped

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/2389/gami/internal/agentd"
	"github.com/2389/gami/internal/config"
	"github.com/2389/gami/internal/logging"
	"github.com/2389/gami/internal/metrics"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configFile, fixture, logLevel string
	var port int
	var discoverOnly, showVersion bool

	flagSet := pflag.NewFlagSet("gami-agent", pflag.ContinueOnError)
	flagSet.StringVarP(&configFile, "config", "c", config.Path("GAMI_AGENT_CONFIG", "agent.toml"), "path to agent.toml")
	flagSet.StringVar(&fixture, "fixture", "", "inventory fixture to serve (overrides discovery.fixture)")
	flagSet.IntVar(&port, "port", 0, "listener port (overrides agent.listener_port)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides logging.level)")
	flagSet.BoolVar(&discoverOnly, "discover", false, "run one discovery pass, print the tree and exit")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.LoadAgent(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if fixture != "" {
		cfg.Discovery.Fixture = fixture
	}
	if port != 0 {
		cfg.Agent.ListenerPort = port
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := logging.New(cfg.Logging, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agentd.New(ctx, cfg, agentd.Options{Version: version}, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	defer a.Close()

	if discoverOnly {
		return printInventory(ctx, a)
	}

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Fprintf(os.Stderr, "gami-agent %s: %s on %s, core at %s\n",
		version, cfg.Agent.Implementation, cfg.ListenAddr(), cfg.Core.Address)

	metrics.Register(nil)
	return a.Run(ctx)
}

func printInventory(ctx context.Context, a *agentd.Agent) error {
	report, err := a.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	fmt.Fprintf(os.Stderr, "discovered %d resources, %d relations in %s (%d rejected)\n",
		report.Discovered, report.Relations, report.Elapsed, report.Rejected)
	for outcome, n := range report.Summary {
		fmt.Fprintf(os.Stderr, "  %s: %d\n", outcome, n)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(a.Resources().Snapshot())
}
