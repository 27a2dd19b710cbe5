package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/blikh/singbox-panel/internal/singbox"
)

func Sync(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)
	store := openStore(cfg, logger)
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res := syncAndReport(ctx, newSynchronizer(cfg, store, logger), store, logger)
	fmt.Println(res.Message)
}

func Restart(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)
	store := openStore(cfg, logger)
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res := newSynchronizer(cfg, store, logger).Restart(ctx)
	if !res.OK {
		fmt.Fprintln(os.Stderr, res.Message)
		store.Close()
		os.Exit(max(singbox.ExitCode(res.Err), 1))
	}
	fmt.Println(res.Message)
}

// Inbounds lists the inbounds of the sing-box config and how the panel
// treats each one.
func Inbounds(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("inbounds", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)

	data, err := os.ReadFile(cfg.SingBox.ConfigPath)
	must(logger, "failed to read sing-box config", err)
	doc, err := singbox.ParseDocument(data)
	must(logger, "failed to parse sing-box config", err)

	inbounds := doc.Inbounds()
	if len(inbounds) == 0 {
		fmt.Println("No inbounds configured")
		return
	}
	for _, in := range inbounds {
		if in.Kind == singbox.KindUnmanaged {
			fmt.Printf("[unmanaged] %-20s %s\n", in.Tag, in.Type)
			continue
		}
		fmt.Printf("%-20s %-10s %-14s %d users\n", in.Tag, in.Type, in.Kind, in.Users)
	}
}
