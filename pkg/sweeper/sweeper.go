package sweeper

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/asyncgate/asyncgate/pkg/config"
	"github.com/asyncgate/asyncgate/pkg/engine"
	"github.com/asyncgate/asyncgate/pkg/log"
	"github.com/asyncgate/asyncgate/pkg/metrics"
)

// Sweeper runs the lease-expiry loop for one instance. Each tick asks
// the engine to expire this instance's overdue leases; the interval is
// jittered so instances sharing a database do not tick in lockstep.
type Sweeper struct {
	engine *engine.Engine
	cfg    config.SweepConfig
	logger zerolog.Logger

	// Rand is the interval jitter source, overridable in tests.
	Rand func() float64

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New builds a Sweeper around the engine.
func New(eng *engine.Engine, cfg config.SweepConfig) *Sweeper {
	return &Sweeper{
		engine: eng,
		cfg:    cfg,
		logger: log.WithComponent("sweeper"),
		Rand:   rand.Float64,
	}
}

// Start launches the sweep loop. Starting a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.doneCh)
	s.logger.Info().
		Dur("interval", s.cfg.Interval()).
		Msg("sweeper started")
}

// Stop halts the loop and waits for the in-flight tick to finish.
// Stopping a stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info().Msg("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	timer := time.NewTimer(s.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.nextInterval())
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one sweep pass. Errors are logged, never fatal; the next
// tick retries.
func (s *Sweeper) Tick(ctx context.Context) {
	metrics.SweepTicks.Inc()
	swept, err := s.engine.ExpireLeasesTick(ctx)
	if err != nil {
		metrics.SweepErrors.Inc()
		s.logger.Error().Err(err).Msg("sweep tick failed")
		return
	}
	if swept > 0 {
		s.logger.Info().Int("expired_leases", swept).Msg("sweep tick")
	}
}

// nextInterval jitters the configured interval by ±IntervalJitter.
func (s *Sweeper) nextInterval() time.Duration {
	base := s.cfg.Interval()
	j := s.cfg.IntervalJitter
	if j <= 0 {
		return base
	}
	factor := 1 - j + 2*j*s.Rand()
	return time.Duration(factor * float64(base))
}
