package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/term-relay/backend/internal/adapter"
	"github.com/term-relay/backend/internal/adapter/spawn"
	"github.com/term-relay/backend/internal/adapter/tmuxattach"
	"github.com/term-relay/backend/internal/config"
	"github.com/term-relay/backend/internal/extension"
	"github.com/term-relay/backend/internal/hub"
	"github.com/term-relay/backend/internal/relay"
	"github.com/term-relay/backend/internal/session"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Failed to load config: %v", err)
		}
		log.Printf("No config file at %s, using defaults", *configPath)
		cfg = config.Default()
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	h := hub.New()
	registry := session.NewRegistry()
	manager := relay.NewManager(h, registry, cfg.Runner.HistoryBytes)

	manager.RegisterBackend("spawn", func() (adapter.Adapter, error) {
		return spawn.New(0), nil
	})
	manager.RegisterBackend("tmux", func() (adapter.Adapter, error) {
		return tmuxattach.New(tmuxattach.WithPolicyTimings(
			cfg.Tmux.ReclaimInterval,
			cfg.Tmux.FallbackCaptureDelay,
			cfg.Tmux.SnapshotThrottle,
		)), nil
	})

	host := extension.NewHost(extension.Options{
		Allowlist:      cfg.Extensions.Allowlist,
		RPCTimeout:     cfg.Extensions.RPCTimeout,
		HealthInterval: cfg.Extensions.HealthInterval,
		MaxRestarts:    cfg.Extensions.MaxRestarts,
		RestartWindow:  cfg.Extensions.RestartWindow,
		StopGrace:      cfg.Extensions.StopGrace,
	})
	if cfg.Extensions.Dir != "" {
		manifests, err := extension.DiscoverManifests(cfg.Extensions.Dir)
		if err != nil {
			log.Fatalf("Failed to scan extensions dir %s: %v", cfg.Extensions.Dir, err)
		}
		for _, m := range manifests {
			m := m
			manager.RegisterBackend(m.ID, func() (adapter.Adapter, error) {
				return host.NewAdapter(m), nil
			})
			log.Printf("extension %s registered (%s, %s)", m.ID, m.Version, m.Adapter.Type)
		}
	}

	log.Printf("Backends available: %v", manager.Backends())

	server := hub.NewServer(h, manager, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
		host.Close()
		os.Exit(0)
	}()

	if err := hub.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
