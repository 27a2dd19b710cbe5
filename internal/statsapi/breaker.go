package statsapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/blikh/singbox-panel/internal/metrics"
)

const (
	breakerName     = "stats-connections"
	breakerTrips    = 5
	breakerCooldown = 2 * time.Minute
)

// ConnectionsFetcher is the polling call the breaker guards.
type ConnectionsFetcher interface {
	Connections(ctx context.Context) (*ConnectionsSnapshot, error)
}

// Breaker stops polling a daemon that keeps failing and probes it again
// after a cooldown.
type Breaker struct {
	src    ConnectionsFetcher
	cb     *gobreaker.CircuitBreaker[*ConnectionsSnapshot]
	logger *slog.Logger
}

func NewBreaker(src ConnectionsFetcher, logger *slog.Logger) *Breaker {
	return newBreaker(src, breakerCooldown, logger)
}

func newBreaker(src ConnectionsFetcher, cooldown time.Duration, logger *slog.Logger) *Breaker {
	b := &Breaker{src: src, logger: logger}
	metrics.StatsBreakerState.WithLabelValues(breakerName).Set(0)

	b.cb = gobreaker.NewCircuitBreaker[*ConnectionsSnapshot](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrips
		},
		// A cancelled caller says nothing about the daemon.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("stats source breaker state changed", "name", name, "from", from.String(), "to", to.String())
			metrics.StatsBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return b
}

func (b *Breaker) Connections(ctx context.Context) (*ConnectionsSnapshot, error) {
	snap, err := b.cb.Execute(func() (*ConnectionsSnapshot, error) {
		return b.src.Connections(ctx)
	})
	switch {
	case err == nil:
		metrics.StatsRequestsTotal.WithLabelValues(breakerName, "success").Inc()
		return snap, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.StatsRequestsTotal.WithLabelValues(breakerName, "rejected").Inc()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		metrics.StatsRequestsTotal.WithLabelValues(breakerName, "failure").Inc()
		return nil, err
	}
}

// State reports the breaker state name ("closed", "half-open", "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
