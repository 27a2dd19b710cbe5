package singbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/blikh/singbox-panel/internal/directory"
)

// Resyncer re-syncs the daemon config whenever the active set drifts from
// what was last written. Expiry and traffic limits change eligibility
// without any write to the directory, so this runs on a timer.
type Resyncer struct {
	sync     *Synchronizer
	lister   ActiveLister
	interval time.Duration
	clock    quartz.Clock
	logger   *slog.Logger

	last string // fingerprint of the last successfully synced set
}

func NewResyncer(s *Synchronizer, lister ActiveLister, interval time.Duration, clock quartz.Clock, logger *slog.Logger) *Resyncer {
	return &Resyncer{
		sync:     s,
		lister:   lister,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Serve checks once immediately and then every interval until ctx is done.
func (r *Resyncer) Serve(ctx context.Context) error {
	r.logger.Info("config resync started", "interval", r.interval)
	r.check(ctx)

	ticker := r.clock.NewTicker(r.interval, "resync")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.check(ctx)
		}
	}
}

func (r *Resyncer) check(ctx context.Context) {
	active, err := r.lister.ListActive(ctx)
	if err != nil {
		r.logger.Warn("listing active users failed", "err", err)
		return
	}
	fp := fingerprint(active)
	if fp == r.last {
		return
	}
	res := r.sync.Sync(ctx, active)
	if !res.OK {
		r.logger.Warn("resync failed", "err", res.Err)
		return
	}
	r.last = fp
}

func fingerprint(users []directory.User) string {
	h := sha256.New()
	for _, u := range users {
		h.Write([]byte(u.UUID))
		h.Write([]byte{0})
		h.Write([]byte(u.Password))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
