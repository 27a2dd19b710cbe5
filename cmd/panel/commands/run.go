package commands

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/coder/quartz"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/blikh/singbox-panel/internal/collector"
	"github.com/blikh/singbox-panel/internal/dashboard"
	"github.com/blikh/singbox-panel/internal/health"
	"github.com/blikh/singbox-panel/internal/singbox"
	"github.com/blikh/singbox-panel/internal/statsapi"
)

// service gives suture a readable name for each background loop.
type service struct {
	name  string
	serve func(ctx context.Context) error
}

func (s service) Serve(ctx context.Context) error { return s.serve(ctx) }
func (s service) String() string                  { return s.name }

func Run(args []string, logger *slog.Logger, version string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := configFlag(fs)
	skipSync := fs.Bool("no-initial-sync", false, "do not sync the sing-box config on startup")
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)

	logger.Info("starting singbox-panel", "version", version)
	if bi, ok := debug.ReadBuildInfo(); ok {
		var buildAttrs []any
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision", "vcs.time", "vcs.modified":
				buildAttrs = append(buildAttrs, s.Key, s.Value)
			}
		}
		if len(buildAttrs) > 0 {
			logger.Info("build info", buildAttrs...)
		}
	}

	store := openStore(cfg, logger)
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	syncer := newSynchronizer(cfg, store, logger)
	if !*skipSync {
		if res := syncer.SyncFromStore(ctx, store); !res.OK {
			// The daemon keeps its previous config; the resync loop retries.
			logger.Warn("initial sync failed", "err", res.Err)
		}
	}

	client := newStatsClient(cfg)
	clock := quartz.NewReal()

	sup := suture.New("panel", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logger}).MustHook(),
		Timeout:   15 * time.Second,
	})

	var egress dashboard.EgressSource
	if cfg.Collector.Enabled {
		c := collector.New(statsapi.NewBreaker(client, logger), store, collector.Options{
			Interval: cfg.Collector.PollInterval(),
			Warmup:   cfg.Collector.WarmupDelay(),
			Clock:    clock,
		}, logger.With("component", "collector"))
		sup.Add(service{name: "collector", serve: c.Serve})
		egress = c
	}

	if every := cfg.SingBox.ResyncEvery(); every > 0 {
		r := singbox.NewResyncer(syncer, store, every, clock, logger.With("component", "resync"))
		sup.Add(service{name: "resync", serve: r.Serve})
	}

	checker := health.NewChecker(client, health.Options{
		ProbeURL:     cfg.Health.ProbeURL,
		ProbeTimeout: cfg.Health.ProbeTimeoutDuration(),
		Concurrency:  cfg.Health.Concurrency,
	}, logger.With("component", "health"))
	var tunnels dashboard.TunnelChecker = checker
	if every := cfg.Health.MonitorInterval(); every > 0 && len(cfg.Health.Tags) > 0 {
		m := health.NewMonitor(checker, cfg.Health.Tags, every, clock, logger.With("component", "health"))
		sup.Add(service{name: "health-monitor", serve: m.Serve})
		tunnels = m
	}

	if obs := cfg.Observability; obs.Addr != "" {
		svc := dashboard.NewService(store, client, tunnels, egress, cfg.Health.Tags)
		srv := dashboard.NewServer(obs.Addr, svc, obs.Metrics, logger)
		sup.Add(service{name: "dashboard", serve: srv.Serve})
	}

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("panel stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("panel stopped")
}
