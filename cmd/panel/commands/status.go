package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/blikh/singbox-panel/internal/dashboard"
	"github.com/blikh/singbox-panel/internal/health"
)

// Status prints the overview served by a running panel.
func Status(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := configFlag(fs)
	addr := fs.String("addr", "", "status server address (default: observability.addr from config)")
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)
	if *addr == "" {
		*addr = cfg.Observability.Addr
	}
	if *addr == "" {
		fmt.Fprintln(os.Stderr, "error: status server is disabled; set observability.addr or pass -addr")
		os.Exit(1)
	}

	sum, err := dashboard.FetchSummary(context.Background(), *addr)
	must(logger, "failed to fetch status (is 'panel run' running?)", err)
	fmt.Print(dashboard.FormatSummary(sum))
}

// Health probes the configured tunnels once.
func Health(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)
	tags := cfg.Health.Tags
	if fs.NArg() > 0 {
		tags = fs.Args()
	}
	if len(tags) == 0 {
		fmt.Println("No tunnels configured")
		return
	}

	checker := health.NewChecker(newStatsClient(cfg), health.Options{
		ProbeURL:     cfg.Health.ProbeURL,
		ProbeTimeout: cfg.Health.ProbeTimeoutDuration(),
		Concurrency:  cfg.Health.Concurrency,
	}, logger)

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	down := 0
	for _, st := range checker.CheckAll(ctx, tags) {
		if st.Alive {
			fmt.Printf("🟢 %-14s %-12s %d ms\n", st.Tag, st.Type, st.DelayMs)
		} else {
			fmt.Printf("🔴 %-14s %-12s down\n", st.Tag, st.Type)
			down++
		}
	}
	fmt.Printf("\n%d/%d up (%s)\n", len(tags)-down, len(tags), time.Since(start).Round(time.Millisecond))
	if down > 0 {
		cancel()
		os.Exit(2)
	}
}
