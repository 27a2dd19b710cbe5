// Package health probes the daemon's outbound tunnels through the stats API.
package health

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blikh/singbox-panel/internal/metrics"
	"github.com/blikh/singbox-panel/internal/statsapi"
)

const (
	DefaultProbeURL     = "https://www.gstatic.com/generate_204"
	DefaultProbeTimeout = 5 * time.Second
	DefaultConcurrency  = 4

	probeDeadline = 10 * time.Second
	unknownType   = "unknown"
)

// Source is the part of the stats API the checker needs.
type Source interface {
	Proxies(ctx context.Context) (map[string]statsapi.Proxy, error)
	Delay(ctx context.Context, tag, probeURL string, timeout time.Duration) (int, error)
}

type TunnelStatus struct {
	Tag     string `json:"tag"`
	Type    string `json:"type"`
	Alive   bool   `json:"alive"`
	DelayMs int    `json:"delay"`
}

type Options struct {
	ProbeURL     string
	ProbeTimeout time.Duration // passed to the daemon
	Concurrency  int
}

type Checker struct {
	source       Source
	probeURL     string
	probeTimeout time.Duration
	concurrency  int
	logger       *slog.Logger
}

func NewChecker(source Source, opts Options, logger *slog.Logger) *Checker {
	if opts.ProbeURL == "" {
		opts.ProbeURL = DefaultProbeURL
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Checker{
		source:       source,
		probeURL:     opts.ProbeURL,
		probeTimeout: opts.ProbeTimeout,
		concurrency:  opts.Concurrency,
		logger:       logger,
	}
}

// CheckAll probes every tag and returns one status per tag, in order. A
// failing tag never affects the others.
func (c *Checker) CheckAll(ctx context.Context, tags []string) []TunnelStatus {
	statuses := make([]TunnelStatus, len(tags))

	proxies, err := c.source.Proxies(ctx)
	if err != nil {
		c.logger.Warn("listing outbounds failed", "err", err)
	}
	for i, tag := range tags {
		statuses[i] = TunnelStatus{Tag: tag, Type: unknownType}
		if p, ok := proxies[tag]; ok {
			statuses[i].Type = p.Type
			statuses[i].Alive = p.Alive
			statuses[i].DelayMs = p.LastDelay()
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for i := range statuses {
		st := &statuses[i]
		g.Go(func() error {
			c.probe(ctx, st)
			return nil
		})
	}
	g.Wait()

	for _, st := range statuses {
		alive := 0.0
		if st.Alive {
			alive = 1
		}
		metrics.TunnelAlive.WithLabelValues(st.Tag).Set(alive)
		metrics.TunnelDelayMs.WithLabelValues(st.Tag).Set(float64(st.DelayMs))
	}
	return statuses
}

func (c *Checker) probe(ctx context.Context, st *TunnelStatus) {
	probeCtx, cancel := context.WithTimeout(ctx, probeDeadline)
	defer cancel()

	delay, err := c.source.Delay(probeCtx, st.Tag, c.probeURL, c.probeTimeout)
	if err != nil {
		c.logger.Debug("tunnel probe failed", "tag", st.Tag, "err", err)
		st.Alive = false
		return
	}
	st.Alive = true
	st.DelayMs = delay
}
