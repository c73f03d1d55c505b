// ABOUTME: Entry point for the agent-hub monitoring server
// ABOUTME: Subcommands to run the hub, write a starter config, mint admin tokens and hash agent keys

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/agent-hub/internal/auth"
	"github.com/2389/agent-hub/internal/config"
	"github.com/2389/agent-hub/internal/hub"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                        _        _           _
  __ _  __ _  ___ _ __ | |_     | |__  _   _| |__
 / _' |/ _' |/ _ \ '_ \| __|____| '_ \| | | | '_ \
| (_| | (_| |  __/ | | | ||_____| | | | |_| | |_) |
 \__,_|\__, |\___|_| |_|\__|    |_| |_|\__,_|_.__/
       |___/
`

// getConfigPath returns the path to the hub config file.
// Priority: AGENT_HUB_CONFIG env var > XDG_CONFIG_HOME/agent-hub/hub.yaml > ~/.config/agent-hub/hub.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENT_HUB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "hub.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agent-hub", "hub.yaml")
}

// getDataPath returns the directory holding the SQLite database.
// Priority: XDG_DATA_HOME/agent-hub > ~/.local/share/agent-hub
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "agent-hub")
}

func usage() {
	fmt.Println("Usage: agent-hub <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the hub")
	fmt.Println("  init [--force]                 Write a config file with fresh secrets")
	fmt.Println("  token [--subject S] [--ttl D]  Mint an admin API token")
	fmt.Println("  hash-key                       Read an agent key on stdin and print its bcrypt hash")
	fmt.Println("  health                         Check hub health")
	fmt.Println("  agents                         Show connected agent count")
	fmt.Println("  version                        Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// .env is optional; values already in the environment win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: reading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "hash-key":
		err = runHashKey(os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
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
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	for _, addr := range cfg.Hub.ListenAddrs() {
		green.Print("    ▶ ")
		fmt.Printf("Agents:    %s\n", addr)
	}
	green.Print("    ▶ ")
	if cfg.HTTP.Addr != "" {
		fmt.Printf("HTTP:      %s\n", cfg.HTTP.Addr)
	} else {
		fmt.Print("HTTP:      ")
		gray.Println("disabled")
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Auth.KeyHash == "" {
		yellow.Println("    ! agent key is stored in plaintext; see `agent-hub hash-key`")
	}

	fmt.Println()

	logger.Info("starting agent-hub",
		"config", configPath,
		"listen", cfg.Hub.ListenAddrs(),
		"http_addr", cfg.HTTP.Addr,
	)

	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}

	return h.Run(ctx)
}

// runToken mints a bearer token for the admin API from auth.admin_secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "admin", "token subject recorded in audit logs")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return mintToken(cfg, strings.TrimSpace(*subject), *ttl, out)
}

func mintToken(cfg *config.Config, subject string, ttl time.Duration, out io.Writer) error {
	if len(cfg.Auth.AdminSecret) < config.MinAdminSecretLen {
		return fmt.Errorf("auth.admin_secret must be at least %d bytes to mint tokens", config.MinAdminSecretLen)
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.AdminSecret)).Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// runHashKey reads one line from in and prints the bcrypt hash for auth.key_hash.
func runHashKey(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading key: %w", err)
	}
	key := strings.TrimRight(line, "\r\n")
	if key == "" {
		return errors.New("no key on stdin")
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

func runHealth(ctx context.Context) error {
	body, err := getHubEndpoint(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Println(strings.TrimSpace(body))
	return nil
}

func runAgents(ctx context.Context) error {
	body, err := getHubEndpoint(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	fmt.Println(body)
	return nil
}

func getHubEndpoint(ctx context.Context, path string) (string, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	if cfg.HTTP.Addr == "" {
		return "", errors.New("http.addr is not configured")
	}

	url := fmt.Sprintf("http://%s%s", cfg.HTTP.Addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// runInit writes a starter config with a random agent key and admin secret.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	agentKey, err := randomSecret(24)
	if err != nil {
		return fmt.Errorf("generating agent key: %w", err)
	}
	adminSecret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating admin secret: %w", err)
	}

	dbPath := filepath.Join(getDataPath(), "agent-hub.db")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := renderStarterConfig(dbPath, agentKey, adminSecret)
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Database:       %s\n", dbPath)
	fmt.Println()
	yellow.Println("  Agent key (configure your agents with this):")
	fmt.Printf("    %s\n\n", agentKey)
	yellow.Println("  Next:")
	fmt.Println("    agent-hub serve")
	fmt.Println("    agent-hub token --subject ops")
	fmt.Println()
	return nil
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func renderStarterConfig(dbPath, agentKey, adminSecret string) string {
	var b strings.Builder
	b.WriteString("# agent-hub configuration\n")
	b.WriteString("# Generated by agent-hub init\n\n")

	b.WriteString("hub:\n")
	b.WriteString("  address: \"0.0.0.0\"\n")
	b.WriteString("  tcp_port: 3001\n")
	b.WriteString("  enable_ipv6: false\n")
	b.WriteString("  auth_timeout: \"120s\"\n")
	b.WriteString("  idle_timeout: \"60s\"\n\n")

	b.WriteString("http:\n")
	b.WriteString("  addr: \"localhost:8080\"\n\n")

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", dbPath)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  key: %q\n", agentKey)
	fmt.Fprintf(&b, "  admin_secret: %q\n", adminSecret)
	b.WriteString("  token_ttl: \"24h\"\n\n")

	b.WriteString("agents:\n")
	b.WriteString("  system_info_interval: 60\n")
	b.WriteString("  heartbeat_interval: 30\n")
	b.WriteString("  reconnect_interval: 5\n\n")

	b.WriteString("logging:\n")
	b.WriteString("  level: \"info\"\n")
	b.WriteString("  format: \"text\"\n")
	return b.String()
}
