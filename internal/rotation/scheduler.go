package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler drives the spend monitor on a fixed interval
type Scheduler struct {
	service  *Service
	log      zerolog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
	lastRun  time.Time
	lastTick *TickResult
}

// NewScheduler creates a new monitor scheduler
func NewScheduler(service *Service, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		service: service,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic spend checks
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info().
		Dur("interval", s.service.config.CheckInterval).
		Str("threshold", s.service.config.Threshold.String()).
		Msg("Spend monitor started")
	return nil
}

// Stop stops the scheduler and waits for an in-flight tick to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info().Msg("Spend monitor stopped")
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastRun returns the time and result of the last tick
func (s *Scheduler) LastRun() (time.Time, *TickResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastTick
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.service.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunNow(ctx); err != nil {
				s.log.Error().Err(err).Msg("Spend monitor tick failed")
			}
		}
	}
}

// RunNow performs one monitor tick immediately. Tests and the admin
// trigger endpoint drive ticks through here instead of waiting on the
// timer.
func (s *Scheduler) RunNow(ctx context.Context) (*TickResult, error) {
	result, err := s.service.CheckAll(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastTick = result
	s.mu.Unlock()

	if result.Rotated > 0 || result.Stalled > 0 || result.Resumed > 0 {
		s.log.Info().
			Int("keys", result.Keys).
			Int("rotated", result.Rotated).
			Int("stalled", result.Stalled).
			Int("resumed", result.Resumed).
			Msg("Spend monitor tick complete")
	}
	return result, nil
}
