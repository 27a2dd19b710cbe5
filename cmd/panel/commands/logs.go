package commands

import (
	"flag"
	"fmt"
	"log/slog"
)

func Logs(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	configPath := configFlag(fs)
	limit := fs.Int("n", 50, "number of entries (max 200)")
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)
	store := openStore(cfg, logger)
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	entries, err := store.RecentAudit(ctx, *limit)
	must(logger, "failed to read audit log", err)
	if len(entries) == 0 {
		fmt.Println("No entries")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  %-14s %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Action, e.Detail)
	}
}
