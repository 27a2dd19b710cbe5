package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/blikh/singbox-panel/cmd/panel/commands"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		commands.Run(os.Args[2:], logger, version)
	case "sync":
		commands.Sync(os.Args[2:], logger)
	case "restart":
		commands.Restart(os.Args[2:], logger)
	case "health":
		commands.Health(os.Args[2:], logger)
	case "status":
		commands.Status(os.Args[2:], logger)
	case "user":
		commands.User(os.Args[2:], logger)
	case "inbounds":
		commands.Inbounds(os.Args[2:], logger)
	case "logs":
		commands.Logs(os.Args[2:], logger)
	case "backup":
		commands.Backup(os.Args[2:], logger)
	case "restore":
		commands.Restore(os.Args[2:], logger)
	case "init":
		commands.Init(os.Args[2:], logger)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: panel <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  run       Start the collector, resync loop, health monitor and status server")
	fmt.Fprintln(os.Stderr, "  sync      Write active users into the sing-box config and reload")
	fmt.Fprintln(os.Stderr, "  restart   Restart the sing-box service")
	fmt.Fprintln(os.Stderr, "  health    Probe outbound tunnels")
	fmt.Fprintln(os.Stderr, "  status    Show the overview from a running panel")
	fmt.Fprintln(os.Stderr, "  user      Manage users (add, list, show, set, toggle, reset, delete)")
	fmt.Fprintln(os.Stderr, "  inbounds  List inbounds in the sing-box config")
	fmt.Fprintln(os.Stderr, "  logs      Show recent audit entries")
	fmt.Fprintln(os.Stderr, "  backup    Write a snapshot of the user database")
	fmt.Fprintln(os.Stderr, "  restore   Replace the user database with a snapshot and sync")
	fmt.Fprintln(os.Stderr, "  init      Write a default panel config")
	fmt.Fprintln(os.Stderr, "  version   Print the version")
}
