// Gantryd is the pipeline orchestration daemon.
//
// It loads pipeline definitions over its HTTP API, executes their phases
// with gated transitions, records checkpoints at deployment boundaries, and
// performs verified rollbacks.
//
// Configuration is loaded from an optional YAML file and overridden by
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	gantryd
//
//	# Configure via file and environment
//	gantryd --config /etc/gantry/config.yaml
//	SERVER_HTTP_PORT=8080 gantryd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gantry/internal/approval"
	"github.com/fyrsmithlabs/gantry/internal/check"
	"github.com/fyrsmithlabs/gantry/internal/config"
	"github.com/fyrsmithlabs/gantry/internal/events"
	"github.com/fyrsmithlabs/gantry/internal/gate"
	"github.com/fyrsmithlabs/gantry/internal/gitdeploy"
	gantryhttp "github.com/fyrsmithlabs/gantry/internal/http"
	"github.com/fyrsmithlabs/gantry/internal/invoke"
	"github.com/fyrsmithlabs/gantry/internal/logging"
	"github.com/fyrsmithlabs/gantry/internal/phase"
	"github.com/fyrsmithlabs/gantry/internal/pipeline"
	"github.com/fyrsmithlabs/gantry/internal/rollback"
	"github.com/fyrsmithlabs/gantry/internal/store"
	"github.com/fyrsmithlabs/gantry/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	repoPath := flag.String("repo", "", "git repository backing checkpoints and rollback")
	approvalDir := flag.String("approval-dir", "", "directory watched for manual gate decision files")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, *repoPath, *approvalDir); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("gantryd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires all components and blocks until the context is cancelled.
func run(ctx context.Context, configPath, repoPath, approvalDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	zl := logger.Underlying()

	zl.Info("starting gantryd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("nats", cfg.NATS.Enabled))

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		// Degraded observability is not fatal.
		zl.Warn("telemetry init failed, continuing without", zap.Error(err))
	}
	if tel != nil {
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				zl.Warn("telemetry shutdown", zap.Error(err))
			}
		}()
	}

	// Run event publishing: NATS when configured, structured log otherwise.
	var emitter events.Emitter = events.NewLogEmitter(zl)
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("gantryd"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("connecting to nats at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()

		natsEmitter, err := events.NewNATSEmitter(nc, zl)
		if err != nil {
			return err
		}
		emitter = events.Multi{natsEmitter, events.NewLogEmitter(zl)}
	}

	// Run record persistence.
	var runStore pipeline.Store
	switch cfg.Store.Backend {
	case "file":
		runStore, err = store.NewFile(cfg.Store.Dir)
		if err != nil {
			return fmt.Errorf("opening run store: %w", err)
		}
	default:
		runStore = store.NewMemory()
	}

	// Check execution.
	runner, err := check.NewRunner(&check.RunnerConfig{
		DefaultTimeout: cfg.Engine.CheckTimeout.Duration(),
		RateLimit:      cfg.Engine.CheckRateLimit,
	}, invoke.NewDefaultMux(), zl)
	if err != nil {
		return fmt.Errorf("creating check runner: %w", err)
	}

	// Manual gate decisions arrive through decision files when a watch
	// directory is configured.
	var approver gate.Approver
	if approvalDir != "" {
		approver, err = approval.NewFileApprover(approvalDir, zl)
		if err != nil {
			return fmt.Errorf("creating approver: %w", err)
		}
		zl.Info("manual gate decisions via files", zap.String("dir", approvalDir))
	}

	evaluator := gate.NewEvaluator(gate.EvaluatorConfig{
		DefaultOverrideTimeout: cfg.Engine.OverrideTimeout.Duration(),
	}, approver, zl)

	// Checkpoints and rollback, backed by a git working tree when one is
	// configured.
	var rollbackMgr *rollback.Manager
	if repoPath != "" {
		deployment, err := gitdeploy.New(repoPath, zl)
		if err != nil {
			return fmt.Errorf("opening deployment repository: %w", err)
		}
		rollbackMgr, err = rollback.NewManager(deployment, runner, nil, zl)
		if err != nil {
			return fmt.Errorf("creating rollback manager: %w", err)
		}
		zl.Info("checkpoints backed by git", zap.String("repo", repoPath))
	} else {
		zl.Warn("no deployment repository configured; checkpoints and rollback are disabled")
	}

	executor, err := phase.NewExecutor(phase.ExecutorConfig{
		MaxConcurrentChecks: cfg.Engine.MaxConcurrentChecks,
	}, runner, evaluator, rollbackMgr, zl)
	if err != nil {
		return fmt.Errorf("creating phase executor: %w", err)
	}

	engine, err := pipeline.NewEngine(cfg.Engine, runStore, executor, rollbackMgr, emitter, zl)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	srv, err := gantryhttp.NewServer(engine, nc, zl, &gantryhttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer stop()
	return srv.Shutdown(shutdownCtx)
}

// initLogger builds the process logger from configuration.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	logCfg.Format = cfg.Logging.Format
	if err := logCfg.Level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	return logging.NewLogger(logCfg)
}

// initTelemetry starts OpenTelemetry export when enabled.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Observability.EnableTelemetry
	telCfg.ServiceName = cfg.Observability.ServiceName
	telCfg.ServiceVersion = version
	if cfg.Observability.OTLPEndpoint != "" {
		telCfg.Endpoint = cfg.Observability.OTLPEndpoint
	}
	telCfg.Insecure = cfg.Observability.Insecure

	if err := telCfg.Validate(); err != nil {
		return nil, err
	}
	return telemetry.New(ctx, telCfg)
}
