// Package collector turns the daemon's cumulative per-connection counters
// into per-user and per-egress usage deltas.
package collector

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/blikh/singbox-panel/internal/directory"
	"github.com/blikh/singbox-panel/internal/metrics"
	"github.com/blikh/singbox-panel/internal/statsapi"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultWarmup   = 90 * time.Second

	writeTimeout = 10 * time.Second
	timerTag     = "collector"
)

type ConnectionSource interface {
	Connections(ctx context.Context) (*statsapi.ConnectionsSnapshot, error)
}

type UsageStore interface {
	ApplyUsage(ctx context.Context, deltas map[string]int64) (directory.UsageResult, error)
}

// Sample is the last observation of one connection.
type Sample struct {
	Upload   int64
	Download int64
	User     string // UUID or shared secret, may be empty
	Egress   string // last outbound in the chain, may be empty
}

type Traffic struct {
	Upload   int64 `json:"upload"`
	Download int64 `json:"download"`
}

// EgressTotals accumulates traffic per egress outbound since process start.
type EgressTotals struct {
	mu     sync.RWMutex
	totals map[string]Traffic
}

func newEgressTotals() *EgressTotals {
	return &EgressTotals{totals: make(map[string]Traffic)}
}

// add applies one cycle's deltas under a single lock.
func (e *EgressTotals) add(batch map[string]Traffic) {
	if len(batch) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for egress, d := range batch {
		t := e.totals[egress]
		t.Upload += d.Upload
		t.Download += d.Download
		e.totals[egress] = t
	}
}

func (e *EgressTotals) Snapshot() map[string]Traffic {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.totals)
}

type CycleResult string

const (
	CycleOK          CycleResult = "ok"
	CycleSkipped     CycleResult = "skipped"
	CycleWriteFailed CycleResult = "write_failed"
)

// CycleReport describes one collection pass.
type CycleReport struct {
	Result       CycleResult
	Connections  int
	UserDeltas   map[string]int64
	EgressDeltas map[string]Traffic
	Usage        directory.UsageResult
	Err          error
}

type Options struct {
	Interval time.Duration
	Warmup   time.Duration
	Clock    quartz.Clock
}

// Collector polls the stats source and persists usage deltas. The sample
// table is owned by the goroutine running Serve (or calling Cycle).
type Collector struct {
	source   ConnectionSource
	store    UsageStore
	clock    quartz.Clock
	interval time.Duration
	warmup   time.Duration
	logger   *slog.Logger

	samples map[string]Sample
	egress  *EgressTotals
}

func New(source ConnectionSource, store UsageStore, opts Options, logger *slog.Logger) *Collector {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Warmup < 0 {
		opts.Warmup = DefaultWarmup
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Collector{
		source:   source,
		store:    store,
		clock:    opts.Clock,
		interval: opts.Interval,
		warmup:   opts.Warmup,
		logger:   logger,
		samples:  make(map[string]Sample),
		egress:   newEgressTotals(),
	}
}

// Egress returns a copy of the per-egress totals.
func (c *Collector) Egress() map[string]Traffic {
	return c.egress.Snapshot()
}

// Serve runs collection cycles until ctx is cancelled: the first after the
// warmup delay, then one every interval.
func (c *Collector) Serve(ctx context.Context) error {
	c.logger.Info("traffic collector started", "warmup", c.warmup, "interval", c.interval)
	timer := c.clock.NewTimer(c.warmup, timerTag)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("traffic collector stopped")
			return ctx.Err()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			c.logger.Info("traffic collector stopped")
			return ctx.Err()
		}
		c.Cycle(ctx)
		timer.Reset(c.interval, timerTag)
	}
}

// Cycle runs a single fetch, diff and persist pass.
func (c *Collector) Cycle(ctx context.Context) CycleReport {
	snap, err := c.source.Connections(ctx)
	if err != nil {
		c.logger.Warn("fetching connections failed, skipping cycle", "err", err)
		metrics.CollectorCyclesTotal.WithLabelValues(string(CycleSkipped)).Inc()
		return CycleReport{Result: CycleSkipped, Err: err}
	}

	report := CycleReport{
		Result:       CycleOK,
		Connections:  len(snap.Connections),
		UserDeltas:   make(map[string]int64),
		EgressDeltas: make(map[string]Traffic),
	}
	current := make(map[string]Sample, len(snap.Connections))

	for i := range snap.Connections {
		conn := &snap.Connections[i]
		if conn.ID == "" {
			continue
		}
		s := Sample{
			Upload:   conn.Upload,
			Download: conn.Download,
			User:     conn.Metadata.User,
			Egress:   conn.Egress(),
		}
		current[conn.ID] = s

		// A connection seen for the first time contributes its whole
		// counter, including bytes sent before the collector started.
		up, down := s.Upload, s.Download
		if prev, ok := c.samples[conn.ID]; ok {
			up -= prev.Upload
			down -= prev.Download
		}

		if up+down > 0 && s.User != "" {
			report.UserDeltas[s.User] += up + down
		}
		if (up > 0 || down > 0) && s.Egress != "" {
			t := report.EgressDeltas[s.Egress]
			t.Upload += max(up, 0)
			t.Download += max(down, 0)
			report.EgressDeltas[s.Egress] = t
		}
	}

	c.samples = current
	c.egress.add(report.EgressDeltas)
	c.recordEgress(report.EgressDeltas)
	metrics.CollectorTrackedConnections.Set(float64(len(current)))

	if len(report.UserDeltas) > 0 {
		// Let an in-flight commit finish even if shutdown starts.
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()

		usage, err := c.store.ApplyUsage(writeCtx, report.UserDeltas)
		if err != nil {
			c.logger.Error("writing usage failed", "users", len(report.UserDeltas), "err", err)
			metrics.CollectorCyclesTotal.WithLabelValues(string(CycleWriteFailed)).Inc()
			report.Result = CycleWriteFailed
			report.Err = err
			return report
		}
		report.Usage = usage
		metrics.CollectorUserBytesTotal.Add(float64(usage.Bytes))
		if usage.Missed > 0 {
			metrics.CollectorAttributionMisses.Add(float64(usage.Missed))
			c.logger.Debug("usage keys without a user", "missed", usage.Missed)
		}
	}

	metrics.CollectorCyclesTotal.WithLabelValues(string(CycleOK)).Inc()
	c.logger.Debug("collector cycle done",
		"connections", report.Connections,
		"users", len(report.UserDeltas),
		"egresses", len(report.EgressDeltas),
	)
	return report
}

func (c *Collector) recordEgress(batch map[string]Traffic) {
	for egress, t := range batch {
		metrics.EgressBytesTotal.WithLabelValues(egress, "upload").Add(float64(t.Upload))
		metrics.EgressBytesTotal.WithLabelValues(egress, "download").Add(float64(t.Download))
	}
}
