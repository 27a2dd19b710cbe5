package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/blikh/singbox-panel/internal/config"
	"github.com/blikh/singbox-panel/internal/dashboard"
	"github.com/blikh/singbox-panel/internal/directory"
)

const gib = 1 << 30

func User(args []string, logger *slog.Logger) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: panel user <add|list|show|set|toggle|reset|delete> [options]")
		os.Exit(1)
	}

	sub, args := args[0], args[1:]
	fs := flag.NewFlagSet("user "+sub, flag.ExitOnError)
	configPath := configFlag(fs)
	noSync := fs.Bool("no-sync", false, "do not sync the sing-box config after the change")

	var (
		name, note, rename string
		limitGB            float64
		days               int
		enable, disable    bool
	)
	switch sub {
	case "add":
		fs.StringVar(&name, "name", "", "username")
		fs.StringVar(&note, "note", "", "free-form note")
		fs.Float64Var(&limitGB, "limit", 0, "traffic limit in GiB, 0 = unlimited")
		fs.IntVar(&days, "days", 0, "days until expiry, 0 = never")
	case "set":
		fs.StringVar(&name, "name", "", "username")
		fs.StringVar(&rename, "rename", "", "new username")
		fs.StringVar(&note, "note", "", "free-form note")
		fs.Float64Var(&limitGB, "limit", -1, "traffic limit in GiB, 0 = unlimited")
		fs.IntVar(&days, "days", 0, "days until expiry from now, -1 = never")
		fs.BoolVar(&enable, "enable", false, "enable the user")
		fs.BoolVar(&disable, "disable", false, "disable the user")
	case "list":
		fs.StringVar(&name, "search", "", "filter by username or note")
	case "show", "toggle", "reset", "delete":
		fs.StringVar(&name, "name", "", "username")
	default:
		fmt.Fprintf(os.Stderr, "unknown user command: %s\n", sub)
		os.Exit(1)
	}
	fs.Parse(args)

	if name == "" && sub != "list" {
		fmt.Fprintln(os.Stderr, "error: -name is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg, logger := loadConfig(*configPath, logger)
	store := openStore(cfg, logger)
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var (
		u      directory.User
		action string
		err    error
	)
	switch sub {
	case "list":
		listUsers(ctx, store, name, logger)
		return
	case "show":
		u, err = store.GetUser(ctx, name)
		must(logger, "failed to load user", err)
		printUser(u)
		return
	case "add":
		action = "create_user"
		u, err = store.CreateUser(ctx, directory.NewUser{
			Username:     name,
			Note:         note,
			TrafficLimit: int64(limitGB * gib),
			ExpireDays:   days,
		})
	case "set":
		action = "update_user"
		var upd directory.UserUpdate
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "rename":
				upd.Username = &rename
			case "note":
				upd.Note = &note
			case "limit":
				v := int64(limitGB * gib)
				upd.TrafficLimit = &v
			case "days":
				upd.ExpireDays = &days
			}
		})
		if enable || disable {
			v := enable && !disable
			upd.Enabled = &v
		}
		u, err = store.UpdateUser(ctx, name, upd)
	case "toggle":
		action = "toggle_user"
		u, err = store.ToggleUser(ctx, name)
	case "reset":
		action = "reset_traffic"
		u, err = store.ResetUsage(ctx, name)
	case "delete":
		action = "delete_user"
		err = store.DeleteUser(ctx, name)
		u.Username = name
	}
	if errors.Is(err, directory.ErrNotFound) || errors.Is(err, directory.ErrDuplicate) {
		fmt.Fprintln(os.Stderr, err)
		store.Close()
		os.Exit(1)
	}
	must(logger, "user "+sub+" failed", err)

	if aerr := store.AppendAudit(ctx, action, u.Username); aerr != nil {
		logger.Warn("recording audit entry failed", "err", aerr)
	}
	if sub == "delete" {
		fmt.Printf("Deleted %s\n", name)
	} else {
		printUser(u)
	}

	if !*noSync {
		syncAfterChange(ctx, cfg, store, logger)
	}
}

func syncAfterChange(ctx context.Context, cfg *config.Config, store *directory.Store, logger *slog.Logger) {
	res := newSynchronizer(cfg, store, logger).SyncFromStore(ctx, store)
	if !res.OK {
		// The directory change is kept; the next sync or resync applies it.
		fmt.Fprintf(os.Stderr, "warning: sing-box config not updated: %s\n", res.Message)
		return
	}
	fmt.Println(res.Message)
}

func listUsers(ctx context.Context, store *directory.Store, search string, logger *slog.Logger) {
	users, err := store.ListUsers(ctx, search)
	must(logger, "failed to list users", err)
	if len(users) == 0 {
		fmt.Println("No users")
		return
	}
	now := time.Now()
	for _, u := range users {
		fmt.Printf("%-20s %-10s %s / %s  expires %s\n",
			u.Username, u.Status(now), dashboard.FormatBytes(u.TrafficUsed), limitString(u.TrafficLimit), expiryString(u.ExpireAt))
	}
}

func printUser(u directory.User) {
	fmt.Printf("Username: %s\n", u.Username)
	fmt.Printf("Status:   %s\n", u.Status(time.Now()))
	fmt.Printf("UUID:     %s\n", u.UUID)
	fmt.Printf("Password: %s\n", u.Password)
	fmt.Printf("Traffic:  %s / %s\n", dashboard.FormatBytes(u.TrafficUsed), limitString(u.TrafficLimit))
	fmt.Printf("Expires:  %s\n", expiryString(u.ExpireAt))
	if u.Note != "" {
		fmt.Printf("Note:     %s\n", u.Note)
	}
}

func limitString(limit int64) string {
	if limit <= 0 {
		return "unlimited"
	}
	return dashboard.FormatBytes(limit)
}

func expiryString(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}
