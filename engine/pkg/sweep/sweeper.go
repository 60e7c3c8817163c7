// Package sweep runs the periodic maintenance job that drives the
// expiry transition for every profile whose challenge window has
// closed.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/refermint/ladder/engine/pkg/agent"
	"github.com/refermint/ladder/engine/pkg/challenge"
	"github.com/refermint/ladder/engine/pkg/domain"
	"github.com/refermint/ladder/engine/pkg/metrics"
	"github.com/refermint/ladder/utils/pkg/retry"
)

// Config holds the sweeper dependencies.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  agent.Store
	Engine *challenge.Engine

	// Interval between passes.
	Interval time.Duration
	// BatchLimit caps how many expired profiles one pass picks up.
	BatchLimit int
	// MaxConcurrency bounds parallel per-profile resolutions.
	MaxConcurrency int
	// Retry backs off transient failures of a single resolution before
	// the pass gives up on the profile until the next interval.
	Retry retry.Config
	// ReportErrors forwards per-profile failures to Sentry when a hub
	// is configured.
	ReportErrors bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Sweeper scans for expired challenges and resolves each one through
// the engine. Re-running a pass over an already-resolved profile is a
// no-op: the profile no longer matches the selection predicate.
type Sweeper struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{log: cfg.Logger, cfg: cfg}, nil
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		s.log.Info("sweep: starting loop", "interval", s.cfg.Interval)

		s.safeSweep(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("sweep: stopping", "reason", ctx.Err())
				return
			case <-ticker.Chan():
				s.safeSweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep: pass panicked", "panic", r)
			metrics.SweepRunsTotal.WithLabelValues("panic").Inc()
		}
	}()
	if err := s.Sweep(ctx); err != nil {
		s.log.Error("sweep: pass failed", "error", err)
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
}

// Sweep runs one pass. Per-profile failures are logged and counted but
// never abort the pass; the next pass will pick the profile up again.
func (s *Sweeper) Sweep(ctx context.Context) error {
	started := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}()

	now := s.cfg.Clock.Now().UTC()
	expired, err := s.cfg.Store.ListExpired(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list expired profiles: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}
	s.log.Debug("sweep: resolving expired challenges", "count", len(expired))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, p := range expired {
		g.Go(func() error {
			var res *challenge.Resolution
			err := retry.Do(gctx, s.cfg.Retry, func() error {
				var err error
				res, err = s.cfg.Engine.ResolveExpiry(gctx, p.UserID)
				return err
			})
			if err != nil {
				// Conflicts mean a live report already resolved the
				// profile; everything else is a real failure.
				if errors.Is(err, domain.ErrConcurrencyConflict) {
					metrics.SweepResolutionsTotal.WithLabelValues("conflict").Inc()
					return nil
				}
				metrics.SweepResolutionsTotal.WithLabelValues("error").Inc()
				s.log.Error("sweep: failed to resolve expiry", "user_id", p.UserID, "error", err)
				if s.cfg.ReportErrors {
					sentry.CaptureException(fmt.Errorf("sweep: resolve expiry for %s: %w", p.UserID, err))
				}
				return nil
			}
			metrics.SweepResolutionsTotal.WithLabelValues(string(res.Outcome)).Inc()
			return nil
		})
	}
	return g.Wait()
}
