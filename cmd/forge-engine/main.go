// Command forge-engine boots the download engine as a standalone
// process: it wires config, logging, durable storage, the event bus,
// rate limiting, the adapter factory, and the queue manager together,
// then serves the HTTP command surface until an OS signal asks it to
// stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"forgedl/internal/adapters"
	"forgedl/internal/api"
	"forgedl/internal/config"
	"forgedl/internal/engines"
	"forgedl/internal/eventbus"
	"forgedl/internal/factory"
	"forgedl/internal/historystore"
	"forgedl/internal/logger"
	"forgedl/internal/queue"
	"forgedl/internal/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "forge-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = "."
	}
	configDir = filepath.Join(configDir, "forgedl")

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.StateDir); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if cfg.ConsumeClampNotice() {
		logger.Log.Warn().Msg("one or more default options were out of range and have been clamped")
	}

	store, err := historystore.New(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	bus := eventbus.New()
	domains := ratelimit.New(cfg.DomainMaxConcurrent, cfg.DomainMinIntervalMs)
	bandwidth := ratelimit.NewBandwidthLimiter(cfg.DefaultOptions.BandwidthLimitKbps * 1024 / 8)

	f := buildFactory(cfg.StateDir, domains)

	q := queue.New(store, bus, f, domains, bandwidth, cfg.Workers)
	if err := q.Start(); err != nil {
		return fmt.Errorf("start queue manager: %w", err)
	}
	defer q.Stop()

	server := api.New(q, store, bus)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.APIPort)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	go func() {
		logger.Log.Info().Str("addr", addr).Msg("command surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error().Err(err).Msg("command surface stopped unexpectedly")
		}
	}()

	waitForShutdownSignal()
	logger.Log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// buildFactory registers every adapter tier: native site placeholders,
// the gallery-dl and yt-dlp external engines (provisioned on demand into
// <stateDir>/bin), and the generic HTML fallback.
func buildFactory(stateDir string, domains *ratelimit.DomainLimiter) *factory.Factory {
	f := factory.New()

	f.Register(factory.TierNative, adapters.NewCoomer(domains))
	f.Register(factory.TierNative, adapters.NewKemono(domains))
	f.Register(factory.TierNative, adapters.NewErome(domains))
	f.Register(factory.TierNative, adapters.NewBunkr(domains))
	f.Register(factory.TierNative, adapters.NewSimpCity(domains))

	binDir := filepath.Join(stateDir, "bin")
	provisioner := engines.NewProvisioner(binDir)

	if ytdlpPath, err := provisioner.Ensure(context.Background(), "yt-dlp"); err != nil {
		logger.Log.Warn().Err(err).Msg("yt-dlp not available, universal tier disabled")
	} else {
		f.Register(factory.TierUniversal, engines.NewYtDlp(ytdlpPath))
	}

	if gdlPath, err := provisioner.Ensure(context.Background(), "gallery-dl"); err != nil {
		logger.Log.Warn().Err(err).Msg("gallery-dl not available, gallery tier disabled")
	} else {
		f.Register(factory.TierGallery, engines.NewGalleryDL(gdlPath, domains))
	}

	f.Register(factory.TierGeneric, adapters.NewGeneric(domains))
	return f
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
