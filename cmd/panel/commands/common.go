package commands

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/blikh/singbox-panel/internal/config"
	"github.com/blikh/singbox-panel/internal/directory"
	"github.com/blikh/singbox-panel/internal/singbox"
	"github.com/blikh/singbox-panel/internal/statsapi"
)

const defaultConfigPath = "/etc/singbox-panel/panel.yaml"

// configFlag registers -config. A missing file at the default location is
// not an error; defaults and environment overrides still apply.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", defaultConfigPath, "path to panel config file")
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, *slog.Logger) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.ParseLogLevel()}))
	return cfg, logger
}

func openStore(cfg *config.Config, logger *slog.Logger) *directory.Store {
	store, err := directory.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to open user database", "path", cfg.DBPath, "err", err)
		os.Exit(1)
	}
	return store
}

func newSynchronizer(cfg *config.Config, store *directory.Store, logger *slog.Logger) *singbox.Synchronizer {
	daemon := singbox.NewCommandDaemon(cfg.SingBox.CheckCommand, cfg.SingBox.ReloadCommand, cfg.SingBox.RestartCommand)
	return singbox.NewSynchronizer(cfg.SingBox.ConfigPath, daemon, store, logger)
}

func newStatsClient(cfg *config.Config) *statsapi.Client {
	return statsapi.NewClient(cfg.StatsAPI.URL, cfg.StatsAPI.Secret, cfg.StatsAPI.RequestTimeout())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// syncAndReport runs a full sync and exits non-zero on failure.
func syncAndReport(ctx context.Context, s *singbox.Synchronizer, store *directory.Store, logger *slog.Logger) singbox.Result {
	res := s.SyncFromStore(ctx, store)
	if !res.OK {
		logger.Error("sync failed", "err", res.Err)
		os.Exit(1)
	}
	logger.Info("sync complete", "active_users", res.ActiveUsers)
	return res
}

func must(logger *slog.Logger, msg string, err error) {
	if err != nil {
		logger.Error(msg, "err", err)
		os.Exit(1)
	}
}
