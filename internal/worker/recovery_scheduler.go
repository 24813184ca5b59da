// Package worker runs background jobs alongside the HTTP server.
package worker

import (
	"context"
	"sync"
	"time"

	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"

	"github.com/rs/zerolog"
)

// RecoveryScheduler periodically sweeps pending transactions that no webhook
// resolved. Every instance may run one; overlapping sweeps are safe.
type RecoveryScheduler struct {
	engine   ports.ReconciliationService
	interval time.Duration
	lookback time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRecoveryScheduler creates a scheduler sweeping the last lookback of
// transactions every interval. A zero lookback sweeps everything pending.
func NewRecoveryScheduler(engine ports.ReconciliationService, interval, lookback time.Duration, log zerolog.Logger) *RecoveryScheduler {
	return &RecoveryScheduler{
		engine:   engine,
		interval: interval,
		lookback: lookback,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With().Str("component", "recovery-scheduler").Logger(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start blocks, sweeping on every tick until ctx is cancelled or Stop is called.
// Stop lets a running sweep drain: candidates not yet started are skipped and
// credits already claimed run to completion.
func (s *RecoveryScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.done)

	select {
	case <-s.stopCh:
		return
	default:
	}

	// Cancelled on Stop so a running sweep takes no new candidates.
	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-sweepCtx.Done():
		}
	}()

	s.log.Info().Dur("interval", s.interval).Dur("lookback", s.lookback).Msg("recovery scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("recovery scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("recovery scheduler stopping")
			return
		case <-ticker.C:
			s.sweep(sweepCtx)
		}
	}
}

// Stop ends the loop and waits for an in-flight sweep to return, or for ctx.
// Safe to call more than once, and before Start.
func (s *RecoveryScheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("recovery sweep still running at shutdown deadline")
		return ctx.Err()
	}
}

func (s *RecoveryScheduler) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	req := ports.RecoverRequest{Trigger: domain.TriggerScheduler}
	if s.lookback > 0 {
		since := s.now().Add(-s.lookback)
		req.Since = &since
	}

	report, err := s.engine.RecoverPending(ctx, req)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled recovery sweep failed")
		return
	}
	if report.Errors > 0 {
		s.log.Warn().Int("errors", report.Errors).Msg("scheduled recovery sweep finished with errors")
	}
}
