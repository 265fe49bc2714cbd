package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/acp-bridge/internal/agent"
	"github.com/basket/acp-bridge/internal/bus"
	"github.com/basket/acp-bridge/internal/config"
	"github.com/basket/acp-bridge/internal/cron"
	"github.com/basket/acp-bridge/internal/gateway"
	otelPkg "github.com/basket/acp-bridge/internal/otel"
	"github.com/basket/acp-bridge/internal/task"
	"github.com/basket/acp-bridge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the bridge daemon

SUBCOMMANDS:
  %s doctor [-json]           Run agent fleet diagnostics
  %s status                   Show daemon health (/health)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ACP_BRIDGE_HOME             Data directory (default: ~/.acp-bridge)
  ACP_BRIDGE_PORT             Listen port (default: 7800)
  ACP_BRIDGE_HOST             Listen host (default: 127.0.0.1)
  ACP_BRIDGE_ASK_TIMEOUT_MS   Per-ask deadline (default: 300000)
  ACP_BRIDGE_MAX_TASKS        Terminal task cap (default: 100)
  ACP_BRIDGE_TASK_TTL_MS      Terminal task TTL (default: 3600000)
`)
}

func main() {
	loadDotEnv(".env")

	configPath := flag.String("config", "", "path to config.json (default: $ACP_BRIDGE_HOME/config.json)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, *configPath, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg := config.Load(*configPath)

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()
	registry := agent.NewRegistry(cfg.Agents, cfg.AskTimeout, otelProvider.Tracer, metrics)
	tasks := task.NewStore(registry, task.Options{
		MaxCompleted: cfg.MaxTasks,
		TTL:          cfg.TaskTTL,
		Bus:          eventBus,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
	})

	sweeper := task.NewSweeper(tasks, 0)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	schedules := cron.NewScheduler(tasks, 0)
	for _, entry := range cfg.Schedules {
		var req task.CreateRequest
		if err := json.Unmarshal(entry.Task, &req); err != nil {
			logger.Warn("skipping schedule with invalid task spec", "schedule", entry.Name, "error", err)
			continue
		}
		if _, err := schedules.Add(entry.Name, entry.Cron, req); err != nil {
			logger.Warn("skipping invalid schedule", "schedule", entry.Name, "error", err)
		}
	}
	schedules.Start(ctx)
	defer schedules.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	gw := gateway.New(gateway.Config{
		Registry:  registry,
		Tasks:     tasks,
		Schedules: schedules,
		Bus:       eventBus,
		Metrics:   metrics,
	})

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr())
	if err != nil {
		if isAddrInUse(err) {
			logger.Error("port "+cfg.Addr()+" already in use", "addr", cfg.Addr(), "error", err)
			os.Exit(1)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.Addr())
	go func() {
		logger.Info("bridge listening", "addr", cfg.Addr())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	sweeper.Stop()
	schedules.Stop()
	registry.StopAll()

	shutdownCtx, cancel := gateway.ShutdownContext()
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("bridge stopped")
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "address already in use")
}

// loadDotEnv loads KEY=VALUE lines from path without overriding existing env.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
