package commands

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/blikh/singbox-panel/internal/directory"
)

const backupPasswordEnv = "PANEL_BACKUP_PASSWORD"

// Backup writes a consistent snapshot of the user database, encrypted when
// a password is given.
func Backup(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := configFlag(fs)
	out := fs.String("out", "", "output file (default: panel-<timestamp>.db[.enc] next to the database)")
	password := fs.String("password", "", "encrypt with this password (or set "+backupPasswordEnv+")")
	fs.Parse(args)

	if *password == "" {
		*password = os.Getenv(backupPasswordEnv)
	}

	cfg, logger := loadConfig(*configPath, logger)
	store := openStore(cfg, logger)
	defer store.Close()

	if *out == "" {
		name := "panel-" + time.Now().Format("20060102-150405") + ".db"
		if *password != "" {
			name += ".enc"
		}
		*out = filepath.Join(filepath.Dir(cfg.DBPath), name)
	}

	ctx, cancel := signalContext()
	defer cancel()

	f, err := os.OpenFile(*out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	must(logger, "failed to create backup file", err)

	if err := store.Backup(ctx, f, *password); err != nil {
		f.Close()
		os.Remove(*out)
		must(logger, "backup failed", err)
	}
	must(logger, "failed to write backup file", f.Close())

	if aerr := store.AppendAudit(ctx, "backup", filepath.Base(*out)); aerr != nil {
		logger.Warn("recording audit entry failed", "err", aerr)
	}
	fmt.Printf("Backup written to %s (encrypted: %t)\n", *out, *password != "")
}

// Restore replaces the user database with a snapshot written by Backup and
// syncs the sing-box config to the restored users.
func Restore(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := configFlag(fs)
	in := fs.String("in", "", "backup file to restore")
	password := fs.String("password", "", "password for an encrypted backup (or set "+backupPasswordEnv+")")
	noSync := fs.Bool("no-sync", false, "do not sync the sing-box config after restoring")
	fs.Parse(args)

	if *in == "" {
		fmt.Fprintln(os.Stderr, "error: -in is required")
		fs.Usage()
		os.Exit(1)
	}
	if *password == "" {
		*password = os.Getenv(backupPasswordEnv)
	}

	cfg, logger := loadConfig(*configPath, logger)

	data, err := os.ReadFile(*in)
	must(logger, "failed to read backup file", err)

	var reader io.Reader
	if directory.IsEncryptedBackup(data) {
		if *password == "" {
			fmt.Fprintln(os.Stderr, "error: backup is encrypted; pass -password or set "+backupPasswordEnv)
			os.Exit(1)
		}
		var buf bytes.Buffer
		must(logger, "decryption failed (wrong password?)", directory.DecryptBackup(&buf, data, *password))
		reader = &buf
	} else {
		reader = bytes.NewReader(data)
	}

	store := openStore(cfg, logger)
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	users, err := store.Restore(ctx, reader)
	if err != nil {
		store.Close()
		must(logger, "restore failed", err)
	}
	if aerr := store.AppendAudit(ctx, "restore", fmt.Sprintf("%s users=%d", filepath.Base(*in), users)); aerr != nil {
		logger.Warn("recording audit entry failed", "err", aerr)
	}
	fmt.Printf("Restored %d users from %s\n", users, *in)

	if !*noSync {
		syncAfterChange(ctx, cfg, store, logger)
	}
}
