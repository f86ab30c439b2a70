package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpfleet/fleet/internal/config"
	"github.com/mcpfleet/fleet/internal/fleet"
	"github.com/mcpfleet/fleet/internal/hub"
	"github.com/mcpfleet/fleet/internal/log"
	"github.com/mcpfleet/fleet/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet supervisor",
	Long: `Run the supervisor as a long-lived daemon. It listens for control
clients on a WebSocket endpoint (default: ws://localhost:3001/fleet),
spawns MCP servers as child processes on demand, and routes tool calls
to idle workers.

The supervisor watches the config file and picks up server registry
changes without a restart.

Example:
  fleet serve                  # Start on the configured port
  fleet serve --port 8080      # Start on port 8080`,
	RunE: runServe,
}

var servePort int

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "WebSocket listen port (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	// Initialize logging if debug mode enabled (via flag or env var)
	debug := os.Getenv("FLEET_DEBUG") != "" || debugFlag
	if debug {
		logPath := cfg.LogPath
		if logPath == "" {
			logPath = os.Getenv("FLEET_LOG")
		}
		if logPath == "" {
			logPath = "debug.log"
		}

		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()

		log.Info(log.CatFleet, "fleet supervisor starting", "debug", true, "logPath", logPath)
	}

	// Priority: --port flag > config server.port
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = config.DefaultTracesFilePath()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Server registry with hot reload from the config file.
	servers := config.NewServerRegistry(configFilePath(), cfg.Servers)
	if err := servers.Watch(); err != nil {
		log.Warn(log.CatConfig, "config watch unavailable", "error", err)
	}
	defer servers.Stop()

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	sup := fleet.New(cfg.Worker, servers,
		[]hub.Option{hub.WithHeartbeat(cfg.Server.HeartbeatInterval)},
		fleet.WithTracer(provider),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, sup.Hub())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Fleet supervisor listening on ws://localhost:%d%s\n", cfg.Server.Port, cfg.Server.Path)
	fmt.Println("Press Ctrl+C to stop")

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown: workers first, then the listener and exporters.
	sup.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatFleet, "error stopping HTTP server", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatFleet, "error shutting down tracing", err)
	}

	fmt.Println("Supervisor stopped")
	return nil
}
