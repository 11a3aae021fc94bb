package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentmesh/meshd/internal/config"
	"github.com/agentmesh/meshd/internal/daemon"
	"github.com/agentmesh/meshd/internal/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("meshd " + version)
	fmt.Println("=============================================")
	fmt.Printf("MESH_HOME=%s\n", cfg.Home)
	fmt.Printf("MESH_PORT=%d\n", cfg.Port)
	fmt.Printf("MESH_DEFAULT_TTL=%s\n", cfg.DefaultTTL)
	fmt.Printf("MESH_DRAIN_INTERVAL=%s\n", cfg.DrainInterval)
	fmt.Printf("MESH_PROBE_INTERVAL=%s\n", cfg.ProbeInterval)
	fmt.Printf("MESH_HANDLER=%s\n", cfg.HandlerCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Error("failed to start node", "error", err)
		os.Exit(1)
	}
	defer d.Close()

	log.Info("meshd started", "version", version)

	if err := d.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("meshd exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("meshd stopped")
}
