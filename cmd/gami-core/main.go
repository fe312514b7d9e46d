// ABOUTME: Entry point for gami-core, the management core agents register with
// ABOUTME: Serves the Core command set, mirrors agent trees and exposes the operator API

package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/2389/gami/internal/auth"
	"github.com/2389/gami/internal/config"
	"github.com/2389/gami/internal/gateway"
	"github.com/2389/gami/internal/logging"
	"github.com/2389/gami/internal/metrics"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                       _
  __ _  __ _ _ __ ___ (_)        ___ ___  _ __ ___
 / _' |/ _' | '_ ' _ \| |_____  / __/ _ \| '__/ _ \
| (_| | (_| | | | | | | |_____|| (_| (_) | | |  __/
 \__, |\__,_|_| |_| |_|_|       \___\___/|_|  \___|
 |___/
`

const defaultTokenTTL = 30 * 24 * time.Hour

func configPath() string {
	return config.Path("GAMI_CONFIG", "core.yaml")
}

// tokenPath is where init and token --save leave the operator token.
func tokenPath() string {
	return filepath.Join(filepath.Dir(configPath()), "token")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: gami-core <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                         Start the management core")
		fmt.Println("  init                          Create a new config file interactively")
		fmt.Println("  token --role ROLE [--save]    Issue a token for an agent, operator or core")
		fmt.Println("  health                        Check core health")
		fmt.Println("  agents [--state STATE]        List registered agents")
		fmt.Println("  call AGENT METHOD [PARAMS]    Call a procedure on an agent")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(args)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx, args)
	case "call":
		err = runCall(ctx, args)
	case "--version", "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	path := configPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %s, events at %s\n", cfg.Agents.Transport, cfg.Agents.EventsAddr)
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled, set auth.jwt_secret to require tokens")
	}
	fmt.Println()

	logger.Info("starting gami-core",
		"config", path,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating core: %w", err)
	}
	if cfg.Metrics.Enabled {
		metrics.Register(gw)
	}

	return gw.Run(ctx)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// apiRequest calls the core's HTTP API with the saved operator token, if any.
func apiRequest(ctx context.Context, cfg *config.Config, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://"+cfg.Server.HTTPAddr+path, rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok, err := os.ReadFile(tokenPath()); err == nil {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(tok)))
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := apiRequest(ctx, cfg, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	var state string
	flagSet := pflag.NewFlagSet("agents", pflag.ContinueOnError)
	flagSet.StringVar(&state, "state", "", "only list agents in this state (registered, alive, unknown)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := "/api/agents"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	resp, err := apiRequest(ctx, cfg, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("listing agents: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var agents []gateway.AgentInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("no agents")
		return nil
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	for _, a := range agents {
		switch a.State {
		case "alive":
			green.Printf("%-10s", a.State)
		case "registered":
			yellow.Printf("%-10s", a.State)
		default:
			red.Printf("%-10s", a.State)
		}
		stale := ""
		if a.MirrorStale {
			stale = " (stale)"
		}
		fmt.Printf(" %s  %-21s  %d resources%s  restarts=%d\n", a.ID, a.Address, a.Resources, stale, a.Restarts)
	}
	return nil
}

func runCall(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: gami-core call AGENT METHOD [PARAMS_JSON]")
	}
	req := gateway.CallRequest{Method: args[1]}
	if len(args) == 3 {
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("params are not valid JSON")
		}
		req.Params = json.RawMessage(args[2])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resp, err := apiRequest(ctx, cfg, http.MethodPost, "/api/agents/"+url.PathEscape(args[0])+"/call", req)
	if err != nil {
		return fmt.Errorf("calling agent: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		body = pretty.Bytes()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	fmt.Println(string(body))
	return nil
}

func runToken(args []string) error {
	var role, subject string
	var ttl time.Duration
	var save bool
	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.StringVar(&role, "role", auth.RoleOperator, "role carried by the token (agent, operator, core)")
	flagSet.StringVar(&subject, "subject", "", "principal id (default: a new uuid)")
	flagSet.DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	flagSet.BoolVar(&save, "save", false, "write the token to the CLI token file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath())
	}
	if subject == "" {
		subject = uuid.New().String()
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, role, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	if save {
		if err := os.WriteFile(tokenPath(), []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s\n", tokenPath())
	}
	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("gami-core configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	defaultDBPath := filepath.Join(config.DataPath(), "core.db")

	outputFile := prompt(reader, "Config file path", configPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	grpcAddr := prompt(reader, "gRPC address", "localhost:50051")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDBPath)

	fmt.Println("\n--- Agents ---")
	transport := prompt(reader, "Agent transport (grpc/http)", config.TransportGRPC)
	minDelay := prompt(reader, "Minimum heartbeat delay", "10s")
	heartbeatTimeout := prompt(reader, "Heartbeat timeout", "30s")

	fmt.Println("\n--- Auth ---")
	enableAuth := yes(prompt(reader, "Require tokens?", "yes"))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var secret string
	if enableAuth {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		secret = base64.StdEncoding.EncodeToString(secretBytes)
	}
	namespace := uuid.New().String()

	var cfg strings.Builder
	cfg.WriteString("# gami-core configuration\n")
	cfg.WriteString("# Generated by gami-core init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString(fmt.Sprintf("  transport: %q\n", transport))
	cfg.WriteString(fmt.Sprintf("  min_delay: %q\n", minDelay))
	cfg.WriteString(fmt.Sprintf("  heartbeat_timeout: %q\n", heartbeatTimeout))
	cfg.WriteString("  call_timeout: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("service:\n")
	cfg.WriteString("  # agents must use the same namespace_id for stable ids to agree\n")
	cfg.WriteString(fmt.Sprintf("  namespace_id: %q\n", namespace))
	cfg.WriteString("\n")

	if enableAuth {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", secret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Printf("  Data directory: %s\n", dataDir)

	if enableAuth {
		token, err := auth.NewJWTVerifier([]byte(secret)).Generate(uuid.New().String(), auth.RoleOperator, defaultTokenTTL)
		if err != nil {
			return fmt.Errorf("generating token: %w", err)
		}
		path := filepath.Join(filepath.Dir(outputFile), "token")
		if err := os.WriteFile(path, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		green.Printf("  ✓ Operator token: %s\n", path)
	}

	fmt.Println("\nTo start the core:")
	fmt.Println("  gami-core serve")
	fmt.Println("Agents need these in their agent.toml:")
	fmt.Printf("  [service] namespace_id = %q\n", namespace)
	if enableAuth {
		fmt.Println("  [auth] jwt_secret = <the same secret>")
	}
	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
