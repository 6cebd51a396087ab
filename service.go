package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface
type program struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("PrintFarm Server service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if p.svcLogger != nil {
		p.svcLogger.Info("PrintFarm Server service running")
	}

	if err := runServer(p.ctx); err != nil && p.svcLogger != nil {
		p.svcLogger.Errorf("PrintFarm Server exited with error: %v", err)
	}

	if p.svcLogger != nil {
		p.svcLogger.Info("PrintFarm Server service stopping")
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("PrintFarm Server service stop requested")
	}

	if p.cancel != nil {
		p.cancel()
	}

	// Wait for run() to finish with timeout
	timeout := time.After(30 * time.Second)
	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("PrintFarm Server service stopped gracefully")
		}
	case <-timeout:
		if p.svcLogger != nil {
			p.svcLogger.Warning("PrintFarm Server service stopped with timeout")
		}
	}

	return nil
}

// handleServiceOperation installs, removes or runs the server as a platform
// service (systemd, launchd, Windows SCM).
func handleServiceOperation(op string) error {
	svc, err := service.New(&program{}, getServiceConfig())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	switch op {
	case "install":
		if err := setupServiceDirectories(); err != nil {
			return err
		}
		if err := svc.Install(); err != nil {
			return fmt.Errorf("failed to install service: %w", err)
		}
		fmt.Println("Service installed")
		return nil
	case "uninstall":
		if err := svc.Uninstall(); err != nil {
			return fmt.Errorf("failed to uninstall service: %w", err)
		}
		fmt.Println("Service uninstalled")
		return nil
	case "start":
		return svc.Start()
	case "stop":
		return svc.Stop()
	case "run":
		return svc.Run()
	default:
		return fmt.Errorf("unknown service operation %q (install, uninstall, start, stop, run)", op)
	}
}

// getServiceConfig returns the service configuration for the current platform
func getServiceConfig() *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "PrintFarm", "server")
	case "darwin":
		workingDir = "/Library/Application Support/PrintFarm/server"
	default:
		workingDir = "/var/lib/printfarm/server"
	}

	return &service.Config{
		Name:             "PrintFarmServer",
		DisplayName:      "PrintFarm Server",
		Description:      "PrintFarm central server. Manages hub connections, printer placement and command dispatch for the fleet.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"--service", "run"},
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
			"SendSIGKILL":       true,

			// macOS launchd options
			"RunAtLoad":     true,
			"KeepAlive":     true,
			"SessionCreate": false,
		},
	}
}

// setupServiceDirectories creates the directories service mode needs and
// writes a default config when none exists.
func setupServiceDirectories() error {
	var dirs []string
	var configPath string

	switch runtime.GOOS {
	case "windows":
		baseDir := filepath.Join(os.Getenv("ProgramData"), "PrintFarm")
		serverDir := filepath.Join(baseDir, "server")
		dirs = []string{
			baseDir,
			serverDir,
			filepath.Join(serverDir, "logs"),
		}
		configPath = filepath.Join(serverDir, "config.toml")
	case "darwin":
		baseDir := "/Library/Application Support/PrintFarm"
		serverDir := filepath.Join(baseDir, "server")
		dirs = []string{
			baseDir,
			serverDir,
			filepath.Join(serverDir, "logs"),
			"/var/log/printfarm/server",
		}
		configPath = filepath.Join(serverDir, "config.toml")
	default: // Linux
		dirs = []string{
			"/var/lib/printfarm",
			"/var/lib/printfarm/server",
			"/var/log/printfarm",
			"/var/log/printfarm/server",
			"/etc/printfarm/server",
		}
		configPath = "/etc/printfarm/server/config.toml"
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := WriteDefaultConfig(configPath); err != nil {
		return fmt.Errorf("failed to generate default config at %s: %w", configPath, err)
	}
	fmt.Printf("Configuration at: %s\n", configPath)

	return nil
}
