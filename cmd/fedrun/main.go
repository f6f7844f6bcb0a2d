// =============================================================================
// fedrun entry point
// =============================================================================
// One binary for every process of a deployment.
//
// Usage:
//
//	fedrun central   --config fedrun.yaml        # run API, event stream, file routes
//	fedrun filestore --config fedrun.yaml        # standalone file storage
//	fedrun node      --config fedrun.yaml --role edge
//	fedrun mount set --consortium c1 --data /srv/data
//	fedrun token     --user alice --roles member
//	fedrun migrate up
//	fedrun health    --addr http://localhost:8080
//	fedrun version
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/fedrun/config"
	"github.com/BaSui01/fedrun/internal/auth"
	"github.com/BaSui01/fedrun/internal/telemetry"
	"github.com/BaSui01/fedrun/node/coordinator"
)

// Set at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "central":
		err = runCentral(os.Args[2:])
	case "filestore":
		err = runFilestore(os.Args[2:])
	case "node":
		err = runNode(os.Args[2:])
	case "mount":
		err = runMount(os.Args[2:], os.Stdout)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "health":
		err = runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fedrun %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration. extra validators run
// after the shared checks.
func loadConfig(path string, extra ...func(*config.Config) error) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range extra {
		if err := v(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// =============================================================================
// Servers
// =============================================================================

type service interface {
	Start(ctx context.Context) error
	Errors() <-chan error
	Shutdown(ctx context.Context)
}

func runCentral(args []string) error {
	fs := flag.NewFlagSet("central", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	noFiles := fs.Bool("no-files", false, "Do not serve the file-storage routes")
	autoMigrate := fs.Bool("auto-migrate", false, "Create or update tables on startup instead of running migrations")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, (*config.Config).ValidateCentral)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	return serve(cfg, "central", logger, NewCentralServer(cfg, !*noFiles, *autoMigrate, logger))
}

func runFilestore(args []string) error {
	fs := flag.NewFlagSet("filestore", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, func(c *config.Config) error {
		if c.Central.JWTSecret == "" {
			return errors.New("central.jwt_secret is required")
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	return serve(cfg, "filestore", logger, NewFileServer(cfg, logger))
}

// serve runs svc until SIGINT/SIGTERM or a listener failure.
func serve(cfg *config.Config, component string, logger *zap.Logger, svc service) error {
	logger.Info("starting fedrun",
		zap.String("component", component),
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers := initTelemetry(ctx, cfg, component, logger)
	defer shutdownTelemetry(providers, logger)

	if err := svc.Start(ctx); err != nil {
		svc.Shutdown(context.Background())
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-svc.Errors():
		logger.Error("server failed", zap.Error(serveErr))
	}
	svc.Shutdown(context.Background())
	return serveErr
}

func runNode(args []string) error {
	fs := flag.NewFlagSet("node", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	roleFlag := fs.String("role", "", "Node role: central, edge or vault (overrides node.role)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, func(c *config.Config) error {
		if *roleFlag != "" {
			c.Node.Role = *roleFlag
		}
		return c.ValidateNode()
	})
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log).With(zap.String("node_role", cfg.Node.Role))
	defer logger.Sync()
	logger.Info("starting fedrun node", zap.String("version", Version))

	providers := initTelemetry(context.Background(), cfg, "node", logger)
	defer shutdownTelemetry(providers, logger)

	node, err := NewNode(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	return node.Run(context.Background(), signals, watchTokenReload(*configPath, logger))
}

// watchTokenReload re-reads the config on SIGHUP and emits its access token.
func watchTokenReload(path string, logger *zap.Logger) <-chan string {
	out := make(chan string, 1)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			cfg, err := loadConfig(path)
			if err != nil {
				logger.Warn("config reload failed; keeping current credential", zap.Error(err))
				continue
			}
			logger.Info("config reloaded")
			out <- cfg.Node.AccessToken
		}
	}()
	return out
}

func initTelemetry(ctx context.Context, cfg *config.Config, component string, logger *zap.Logger) *telemetry.Providers {
	providers, err := telemetry.Init(ctx, cfg.Telemetry, component, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		return nil
	}
	return providers
}

func shutdownTelemetry(p *telemetry.Providers, logger *zap.Logger) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

// =============================================================================
// Operator commands
// =============================================================================

// runMount manages a contributor's data mapping for one consortium.
func runMount(args []string, out io.Writer) error {
	if len(args) < 1 || (args[0] != "set" && args[0] != "show") {
		return errors.New("usage: fedrun mount set|show --consortium <id> [--data <path>] [--read-write]")
	}
	fs := flag.NewFlagSet("mount "+args[0], flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	baseDir := fs.String("base-dir", "", "Node base directory (overrides node.base_dir)")
	consortium := fs.String("consortium", "", "Consortium id")
	data := fs.String("data", "", "Local data directory")
	readWrite := fs.Bool("read-write", false, "Mount the data directory writable")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *consortium == "" {
		return errors.New("--consortium is required")
	}

	base := *baseDir
	if base == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		base = cfg.Node.BaseDir
	}
	layout := coordinator.Layout{Base: base}

	if args[0] == "show" {
		mc, err := layout.ReadMountConfig(*consortium)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "consortium: %s\ndata_path:  %s\nread_write: %t\n", *consortium, mc.DataPath, mc.ReadWrite)
		return nil
	}

	if err := layout.WriteMountConfig(*consortium, coordinator.MountConfig{DataPath: *data, ReadWrite: *readWrite}); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", layout.MountConfigPath(*consortium))
	return nil
}

// runToken signs a credential with the configured secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "Path to config file")
	user := fs.String("user", "", "User id of a member credential")
	roles := fs.String("roles", "", "Comma separated roles")
	central := fs.Bool("central", false, "Sign the central-launcher credential")
	ttl := fs.Duration("ttl", 0, "Lifetime (default central.session_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*central && *user == "" {
		return errors.New("--user or --central is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	lifetime := cfg.Central.SessionTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	issuer := auth.NewIssuer(cfg.Central.JWTSecret, cfg.Central.JWTIssuer, lifetime)

	var token string
	if *central {
		token, err = issuer.IssueCentral()
	} else {
		token, err = issuer.IssueSession(*user, splitList(*roles))
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Println("OK")
	return nil
}

func printVersion() {
	fmt.Printf("fedrun %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `fedrun - federated run coordination

Usage:
  fedrun <command> [options]

Commands:
  central     Run the central authority (run API, event stream, file routes)
  filestore   Run the standalone file-storage service
  node        Run a node (--role central|edge|vault)
  mount       Set or show a contributor's data directory for a consortium
  token       Sign a member or central credential
  migrate     Database migration commands
  health      Check server health
  version     Show version information
  help        Show this help message

Every command accepts --config <path>; FEDRUN_* environment variables
override the file.

Examples:
  fedrun central --config /etc/fedrun/central.yaml
  fedrun node --config /etc/fedrun/node.yaml --role edge
  fedrun mount set --consortium c1 --data /srv/study-data
  fedrun token --central
  fedrun migrate up
  fedrun health --addr http://localhost:8080`)
}

// =============================================================================
// Logging
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
