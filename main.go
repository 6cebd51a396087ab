// PrintFarm Server - Central connection and command plane for PrintFarm hubs.
// Hubs (bridge devices driving 3D printers) connect over WebSocket; tenants
// claim hubs, place printers on them and dispatch commands through the API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"printfarm/server/config"
	"printfarm/server/hub"
	"printfarm/server/logger"
	"printfarm/server/storage"

	"github.com/kardianos/service"
)

// Version information (set at build time via -ldflags)
var (
	Version         = "dev"     // Semantic version (e.g., "0.1.0")
	BuildTime       = "unknown" // Build timestamp
	GitCommit       = "unknown" // Git commit hash
	ProtocolVersion = "1"       // Hub-Server protocol version
)

var (
	serverLogger *logger.Logger
	serverStore  storage.Store

	authRateLimiter  *AuthRateLimiter
	hubRegistry      *hub.Registry
	hubDispatcher    *hub.Dispatcher
	claimService     *hub.ClaimService
	placementPlanner *hub.Planner
	eventHub         *hub.EventHub
)

var (
	flagPort      = flag.Int("port", 0, "HTTP port for server API (overrides config)")
	flagConfig    = flag.String("config", "", "Path to config.toml (default: platform search paths)")
	flagDB        = flag.String("db", "", "SQLite database path (overrides config)")
	flagLogLevel  = flag.String("log-level", "", "Log level (error, warn, info, debug, trace)")
	flagServiceOp = flag.String("service", "", "Service operation: install, uninstall, start, stop, run")
)

func main() {
	flag.Parse()

	if *flagServiceOp != "" {
		if err := handleServiceOperation(*flagServiceOp); err != nil {
			log.Fatal(err)
		}
		return
	}

	log.Printf("PrintFarm Server %s (protocol v%s)", Version, ProtocolVersion)
	log.Printf("Build: %s, Commit: %s", BuildTime, GitCommit)
	log.Printf("Go: %s, OS: %s, Arch: %s", runtime.Version(), runtime.GOOS, runtime.GOARCH)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runServer(ctx); err != nil {
		logFatal("Server exited with error", "error", err)
	}
}

// runServer wires every component and runs the HTTP listener until ctx is
// cancelled. Called directly in interactive mode and from the service runner.
func runServer(ctx context.Context) error {
	cfg, err := LoadConfig(*flagConfig)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	dataDir, err := config.GetDataDirectory(!service.Interactive())
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = filepath.Join(dataDir, "logs")
	}
	serverLogger = logger.New(logger.ParseLevel(cfg.Logging.Level), logDir, 1000)
	defer serverLogger.Close()
	logInfo("Server starting", "version", Version, "protocol", ProtocolVersion)

	if cfg.Database.EffectiveDriver() == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(dataDir, "printfarm.db")
	}
	logInfo("Initializing database", "driver", cfg.Database.EffectiveDriver(), "dsn", cfg.Database.BuildDSN())

	serverStore, err = storage.NewStore(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer serverStore.Close()
	logInfo("Database initialized")

	if !cfg.Security.DisableRateLimiting {
		authRateLimiter = NewAuthRateLimiter(
			cfg.Security.AuthMaxAttempts,
			time.Duration(cfg.Security.AuthBlockMinutes)*time.Minute,
			time.Duration(cfg.Security.AuthWindowMinutes)*time.Minute,
		)
		defer authRateLimiter.Stop()
	}

	eventHub = hub.NewEventHub()
	defer eventHub.Stop()

	hubRegistry, err = hub.NewRegistry(hub.RegistryConfig{
		Store:           serverStore,
		Logger:          serverLogger,
		Events:          eventHub,
		StaleWindow:     time.Duration(cfg.Hub.StaleWindowSeconds) * time.Second,
		MinFirmware:     cfg.Hub.MinFirmwareVersion,
		OfflineDebounce: time.Duration(cfg.Hub.OfflineDebounceSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create hub registry: %w", err)
	}

	hubDispatcher = hub.NewDispatcher(hubRegistry, time.Duration(cfg.Hub.AckTimeoutSeconds)*time.Second)
	claimService = hub.NewClaimService(serverStore, serverLogger)
	placementPlanner = hub.NewPlanner(serverStore, hubRegistry, cfg.Hub.MaxPrintersPerHub)

	go hubRegistry.RunStalenessSweep(ctx, 30*time.Second)

	mux := http.NewServeMux()
	setupRoutes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	srv := &http.Server{
		Addr:     addr,
		Handler:  mux,
		ErrorLog: log.New(logBridgeWriter{level: logger.WARN}, "", 0),
	}

	errCh := make(chan error, 1)
	go func() {
		logInfo("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logInfo("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logWarn("HTTP shutdown did not complete cleanly", "error", err)
	}
	return nil
}

func applyFlagOverrides(cfg *Config) {
	if *flagPort != 0 {
		cfg.Server.Port = *flagPort
	}
	if *flagDB != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = *flagDB
	}
	if *flagLogLevel != "" {
		cfg.Logging.Level = *flagLogLevel
	}
}
