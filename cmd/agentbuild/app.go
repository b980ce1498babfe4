package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/example/agent-market/agentbuild/internal/blob"
	"github.com/example/agent-market/agentbuild/internal/buildapi"
	"github.com/example/agent-market/agentbuild/internal/config"
	"github.com/example/agent-market/agentbuild/internal/event"
	"github.com/example/agent-market/agentbuild/internal/logging"
	"github.com/example/agent-market/agentbuild/internal/store"
	"github.com/example/agent-market/agentbuild/internal/tracker"
)

type registry interface {
	tracker.Registry
	Close() error
}

// app holds everything a command needs once config is loaded.
type app struct {
	cfg      *config.Config
	registry registry
	bus      *event.Bus
	tracker  *tracker.Tracker
	blobs    *blob.LocalFS
	// downloader is nil unless artifacts.download is set.
	downloader *blob.Downloader
}

func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	config.LoadDotEnv()
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}

	reg, err := openRegistry(ctx, cfg.Registry)
	if err != nil {
		return nil, err
	}

	client, err := buildapi.New(buildapi.Config{
		BaseURL:        cfg.Service.BaseURL,
		Token:          cfg.Service.Token,
		RequestTimeout: cfg.Service.RequestTimeout,
		StatusRetries:  cfg.Service.StatusRetries,
	})
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("build service client: %w", err)
	}

	bus := event.NewBus()
	tr, err := tracker.New(reg, client,
		tracker.WithInitialDelay(cfg.Poll.InitialDelay),
		tracker.WithInterval(cfg.Poll.Interval),
		tracker.WithMaxInterval(cfg.Poll.MaxInterval),
		tracker.WithMaxDuration(cfg.Poll.MaxDuration),
		tracker.WithDisplayName(cfg.Poll.FallbackName),
		tracker.WithBus(bus),
	)
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	a := &app{cfg: cfg, registry: reg, bus: bus, tracker: tr}
	if cfg.Artifacts.Download {
		a.blobs = &blob.LocalFS{Root: cfg.Artifacts.Dir}
		a.downloader = blob.NewDownloader(*a.blobs, nil)
		bus.Subscribe(event.EventBuildTerminal, "", a.downloader.HandleTerminal)
		log.Debug().Str("dir", cfg.Artifacts.Dir).Msg("artifact downloads enabled")
	}
	return a, nil
}

func openRegistry(ctx context.Context, cfg config.RegistryConfig) (registry, error) {
	switch cfg.Driver {
	case "redis":
		reg, err := store.OpenRedis(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis registry: %w", err)
		}
		return reg, nil
	default:
		reg, err := store.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite registry: %w", err)
		}
		return reg, nil
	}
}

// waitDownloads lets artifact downloads started by finished builds complete.
func (a *app) waitDownloads(ctx context.Context) {
	if a.downloader == nil {
		return
	}
	if err := a.downloader.Wait(ctx); err != nil {
		log.Warn().Err(err).Msg("artifact downloads interrupted")
	}
}

// Close stops pollers and cancels downloads before closing the registry
// they write to.
func (a *app) Close() {
	a.tracker.Close()
	if a.downloader != nil {
		a.downloader.Close()
	}
	if err := a.registry.Close(); err != nil {
		log.Warn().Err(err).Msg("close registry")
	}
}
