package singbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/blikh/singbox-panel/internal/directory"
	"github.com/blikh/singbox-panel/internal/metrics"
)

var (
	ErrConfigMissing    = errors.New("singbox: config document missing")
	ErrValidationFailed = errors.New("singbox: config validation failed")
	ErrReloadFailed     = errors.New("singbox: reload failed")
	// ErrSyncFailed covers every other failure. The document on disk is
	// the pre-sync one whenever this is returned.
	ErrSyncFailed = errors.New("singbox: sync failed")
)

const (
	backupSuffix = ".bak"
	lockSuffix   = ".lock"

	lockRetryDelay = 100 * time.Millisecond
)

// Result is the outcome of a Sync or Restart.
type Result struct {
	OK          bool   `json:"ok"`
	ActiveUsers int    `json:"active_users"`
	Message     string `json:"message"`
	Err         error  `json:"-"`
}

func failure(err error) Result {
	return Result{Message: err.Error(), Err: err}
}

// AuditSink records administrative actions.
type AuditSink interface {
	AppendAudit(ctx context.Context, action, detail string) error
}

// ActiveLister yields the users eligible for the daemon config.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]directory.User, error)
}

type syncState int

const (
	stateRead syncState = iota
	stateBackedUp
	stateWritten
	stateValidated
	stateReloaded
)

func (s syncState) String() string {
	switch s {
	case stateRead:
		return "read"
	case stateBackedUp:
		return "backed_up"
	case stateWritten:
		return "written"
	case stateValidated:
		return "validated"
	case stateReloaded:
		return "reloaded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var pathLocks sync.Map // cleaned absolute path -> *sync.Mutex

func lockFor(path string) *sync.Mutex {
	key, err := filepath.Abs(path)
	if err != nil {
		key = filepath.Clean(path)
	}
	mu, _ := pathLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Synchronizer rewrites the daemon config from the directory and reloads
// the daemon. Concurrent syncs of the same path are serialised within the
// process by a shared mutex and across processes by a lock file at
// <path>.lock.
type Synchronizer struct {
	path     string
	backup   string
	daemon   Daemon
	audit    AuditSink
	logger   *slog.Logger
	mu       *sync.Mutex
	fileLock *flock.Flock
}

func NewSynchronizer(path string, daemon Daemon, audit AuditSink, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		path:     path,
		backup:   path + backupSuffix,
		daemon:   daemon,
		audit:    audit,
		logger:   logger,
		mu:       lockFor(path),
		fileLock: flock.New(path + lockSuffix),
	}
}

func (s *Synchronizer) Path() string       { return s.path }
func (s *Synchronizer) BackupPath() string { return s.backup }

// lock takes the in-process mutex and then the lock file, waiting until
// ctx is done.
func (s *Synchronizer) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	ok, err := s.fileLock.TryLockContext(ctx, lockRetryDelay)
	if !ok {
		s.mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigMissing, s.path)
		}
		return nil, fmt.Errorf("%w: lock %s: %w", ErrSyncFailed, s.fileLock.Path(), err)
	}
	return func() {
		if err := s.fileLock.Unlock(); err != nil {
			s.logger.Warn("releasing config lock failed", "path", s.fileLock.Path(), "err", err)
		}
		s.mu.Unlock()
	}, nil
}

// SyncFromStore lists the active users and syncs them. The listing happens
// under the lock so a slower process cannot write an older set last.
func (s *Synchronizer) SyncFromStore(ctx context.Context, lister ActiveLister) Result {
	unlock, err := s.lock(ctx)
	if err != nil {
		metrics.SyncTotal.WithLabelValues(resultLabel(failure(err))).Inc()
		return failure(err)
	}
	defer unlock()

	active, err := lister.ListActive(ctx)
	if err != nil {
		metrics.SyncTotal.WithLabelValues("error").Inc()
		return failure(fmt.Errorf("%w: list active users: %w", ErrSyncFailed, err))
	}
	return s.apply(ctx, active)
}

// attempt tracks one pass through the state machine.
type attempt struct {
	s        *Synchronizer
	state    syncState
	original []byte
	perm     fs.FileMode
}

// rollback puts the pre-sync document back if this attempt replaced it.
func (a *attempt) rollback() {
	if a.state != stateWritten && a.state != stateValidated {
		return
	}
	data, err := os.ReadFile(a.s.backup)
	if err != nil {
		a.s.logger.Warn("backup unreadable, restoring from memory", "path", a.s.backup, "err", err)
		data = a.original
	}
	if err := writeAtomic(a.s.path, data, a.perm); err != nil {
		a.s.logger.Error("restoring config failed", "path", a.s.path, "err", err)
		return
	}
	a.s.logger.Info("config restored from backup", "path", a.s.path)
	a.state = stateBackedUp
}

// Sync makes the daemon config list exactly the given users and reloads
// the daemon. It never panics; every outcome is reported in the Result.
func (s *Synchronizer) Sync(ctx context.Context, active []directory.User) Result {
	unlock, err := s.lock(ctx)
	if err != nil {
		metrics.SyncTotal.WithLabelValues(resultLabel(failure(err))).Inc()
		return failure(err)
	}
	defer unlock()
	return s.apply(ctx, active)
}

// apply runs one attempt through the state machine. The caller holds the
// locks.
func (s *Synchronizer) apply(ctx context.Context, active []directory.User) (res Result) {
	a := &attempt{s: s, state: stateRead}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sync panicked", "state", a.state.String(), "panic", r)
			a.rollback()
			res = failure(fmt.Errorf("%w: %v", ErrSyncFailed, r))
		}
		metrics.SyncTotal.WithLabelValues(resultLabel(res)).Inc()
	}()

	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return failure(fmt.Errorf("%w: %s", ErrConfigMissing, s.path))
	}
	if err != nil {
		return failure(fmt.Errorf("%w: stat config: %w", ErrSyncFailed, err))
	}
	a.perm = info.Mode().Perm()
	a.original, err = os.ReadFile(s.path)
	if err != nil {
		return failure(fmt.Errorf("%w: read config: %w", ErrSyncFailed, err))
	}

	if err := writeAtomic(s.backup, a.original, a.perm); err != nil {
		return failure(fmt.Errorf("%w: write backup: %w", ErrSyncFailed, err))
	}
	a.state = stateBackedUp

	doc, err := ParseDocument(a.original)
	if err != nil {
		return failure(fmt.Errorf("%w: %w", ErrSyncFailed, err))
	}
	rewritten, err := doc.ApplyUsers(active)
	if err != nil {
		return failure(fmt.Errorf("%w: %w", ErrSyncFailed, err))
	}
	out, err := doc.Marshal()
	if err != nil {
		return failure(fmt.Errorf("%w: %w", ErrSyncFailed, err))
	}

	if err := writeAtomic(s.path, out, a.perm); err != nil {
		return failure(fmt.Errorf("%w: write config: %w", ErrSyncFailed, err))
	}
	a.state = stateWritten
	s.logger.Debug("config written", "path", s.path, "inbounds", rewritten, "users", len(active))

	if err := s.daemon.Validate(ctx, s.path); err != nil {
		a.rollback()
		return failure(fmt.Errorf("%w: %w", ErrValidationFailed, err))
	}
	a.state = stateValidated

	// The validated document stays in place even if the reload fails; the
	// daemon picks it up on its next start.
	if err := s.daemon.Reload(ctx); err != nil {
		s.logger.Warn("daemon reload failed", "err", err)
		return failure(fmt.Errorf("%w: %w", ErrReloadFailed, err))
	}
	a.state = stateReloaded

	msg := fmt.Sprintf("synced %d active users", len(active))
	if err := s.audit.AppendAudit(ctx, "sync_users", msg); err != nil {
		s.logger.Warn("recording sync audit entry failed", "err", err)
	}
	metrics.SyncActiveUsers.Set(float64(len(active)))
	s.logger.Info("config synced", "path", s.path, "active_users", len(active), "inbounds", rewritten)
	return Result{OK: true, ActiveUsers: len(active), Message: msg}
}

// Restart restarts the daemon and records the exit code.
func (s *Synchronizer) Restart(ctx context.Context) Result {
	err := s.daemon.Restart(ctx)
	code := ExitCode(err)
	if aerr := s.audit.AppendAudit(ctx, "restart", fmt.Sprintf("exit_code=%d", code)); aerr != nil {
		s.logger.Warn("recording restart audit entry failed", "err", aerr)
	}
	if err != nil {
		s.logger.Error("daemon restart failed", "exit_code", code, "err", err)
		return failure(fmt.Errorf("singbox: restart: %w", err))
	}
	s.logger.Info("daemon restarted")
	return Result{OK: true, Message: "restarted"}
}

func resultLabel(r Result) string {
	switch {
	case r.OK:
		return "ok"
	case errors.Is(r.Err, ErrConfigMissing):
		return "config_missing"
	case errors.Is(r.Err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(r.Err, ErrReloadFailed):
		return "reload_failed"
	default:
		return "error"
	}
}

// writeAtomic replaces path with data so readers see either the old or the
// new content, then applies perm (atomic.WriteFile creates new files 0600).
func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return err
	}
	return os.Chmod(path, perm)
}
