// Package dashboard aggregates the panel overview and serves it on a
// loopback-only HTTP endpoint.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/blikh/singbox-panel/internal/collector"
	"github.com/blikh/singbox-panel/internal/directory"
	"github.com/blikh/singbox-panel/internal/health"
	"github.com/blikh/singbox-panel/internal/statsapi"
)

type Directory interface {
	CountUsers(ctx context.Context) (int, error)
	ListActive(ctx context.Context) ([]directory.User, error)
}

type DaemonStats interface {
	Summary(ctx context.Context) statsapi.Summary
}

type TunnelChecker interface {
	CheckAll(ctx context.Context, tags []string) []health.TunnelStatus
}

type EgressSource interface {
	Egress() map[string]collector.Traffic
}

type Summary struct {
	GeneratedAt time.Time                    `json:"generated_at"`
	UsersTotal  int                          `json:"users_total"`
	UsersActive int                          `json:"users_active"`
	Daemon      statsapi.Summary             `json:"singbox"`
	Tunnels     []health.TunnelStatus        `json:"tunnels"`
	Egress      map[string]collector.Traffic `json:"outbound_traffic"`
}

type Service struct {
	dir     Directory
	daemon  DaemonStats
	tunnels TunnelChecker
	egress  EgressSource // nil when the collector is not running
	tags    []string
}

func NewService(dir Directory, daemon DaemonStats, tunnels TunnelChecker, egress EgressSource, tags []string) *Service {
	return &Service{dir: dir, daemon: daemon, tunnels: tunnels, egress: egress, tags: tags}
}

// Summary collects the overview. Only directory errors fail it; the
// daemon and tunnel parts degrade.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	total, err := s.dir.CountUsers(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("dashboard: %w", err)
	}
	active, err := s.dir.ListActive(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("dashboard: %w", err)
	}

	sum := Summary{
		GeneratedAt: time.Now(),
		UsersTotal:  total,
		UsersActive: len(active),
		Daemon:      s.daemon.Summary(ctx),
		Tunnels:     s.tunnels.CheckAll(ctx, s.tags),
		Egress:      map[string]collector.Traffic{},
	}
	if s.egress != nil {
		sum.Egress = s.egress.Egress()
	}
	return sum, nil
}
