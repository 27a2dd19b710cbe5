package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Monitor runs CheckAll on a fixed interval, keeps the latest statuses and
// logs tunnels that go down or come back.
type Monitor struct {
	checker  *Checker
	tags     []string
	interval time.Duration
	clock    quartz.Clock
	logger   *slog.Logger

	mu     sync.RWMutex
	latest []TunnelStatus
}

func NewMonitor(checker *Checker, tags []string, interval time.Duration, clock quartz.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		checker:  checker,
		tags:     tags,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Latest returns the statuses from the most recent round, nil before the
// first one completes.
func (m *Monitor) Latest() []TunnelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TunnelStatus(nil), m.latest...)
}

func (m *Monitor) Serve(ctx context.Context) error {
	m.round(ctx)

	ticker := m.clock.NewTicker(m.interval, "health")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.round(ctx)
		}
	}
}

func (m *Monitor) round(ctx context.Context) {
	statuses := m.checker.CheckAll(ctx, m.tags)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	prev := make(map[string]bool, len(m.latest))
	for _, st := range m.latest {
		prev[st.Tag] = st.Alive
	}
	m.latest = statuses
	m.mu.Unlock()

	for _, st := range statuses {
		was, seen := prev[st.Tag]
		switch {
		case !st.Alive && (was || !seen):
			m.logger.Warn("tunnel down", "tag", st.Tag, "type", st.Type)
		case st.Alive && seen && !was:
			m.logger.Info("tunnel recovered", "tag", st.Tag, "delay_ms", st.DelayMs)
		}
	}
}

// CheckAll answers from the most recent round when it covers every tag,
// in the order asked. Otherwise it probes live.
func (m *Monitor) CheckAll(ctx context.Context, tags []string) []TunnelStatus {
	latest := m.Latest()
	byTag := make(map[string]TunnelStatus, len(latest))
	for _, st := range latest {
		byTag[st.Tag] = st
	}
	out := make([]TunnelStatus, 0, len(tags))
	for _, tag := range tags {
		st, ok := byTag[tag]
		if !ok {
			return m.checker.CheckAll(ctx, tags)
		}
		out = append(out, st)
	}
	return out
}
