package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/blikh/singbox-panel/internal/config"
)

func Init(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := configFlag(fs)
	singboxConfig := fs.String("singbox-config", "", "path to the sing-box config.json")
	apiSecret := fs.String("api-secret", "", "clash API secret")
	force := fs.Bool("force", false, "overwrite an existing config")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "error: %s already exists (use -force to overwrite)\n", *configPath)
		os.Exit(1)
	}

	cfg := config.Default()
	if *singboxConfig != "" {
		cfg.SingBox.ConfigPath = *singboxConfig
	}
	cfg.StatsAPI.Secret = *apiSecret

	if err := os.MkdirAll(filepath.Dir(*configPath), 0o755); err != nil {
		logger.Error("failed to create config directory", "err", err)
		os.Exit(1)
	}
	if err := cfg.Save(*configPath); err != nil {
		logger.Error("failed to write config", "err", err)
		os.Exit(1)
	}

	fmt.Println("=== Config initialized ===")
	fmt.Printf("Config:          %s\n", *configPath)
	fmt.Printf("sing-box config: %s\n", cfg.SingBox.ConfigPath)
	fmt.Printf("Database:        %s\n", cfg.DBPath)
	fmt.Printf("Stats API:       %s\n", cfg.StatsAPI.URL)
	fmt.Println()
	fmt.Println("Run 'panel user add -name <user>' to add users.")
}
