package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/monitoring"
	"github.com/rs/zerolog"
)

// Sweeper periodically purges used backup keys that have outlived the
// retention window. A purged backup must never come back, so the sweep only
// deletes; restores happen through the admin surface before expiry.
type Sweeper struct {
	service   *Service
	cfg       *config.BackupConfig
	log       zerolog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
	mu        sync.Mutex
	lastRun   time.Time
	lastCount int64
}

// NewSweeper creates a new retention sweeper
func NewSweeper(service *Service, cfg *config.BackupConfig, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		service: service,
		cfg:     cfg,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the periodic retention sweep
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info().
		Dur("interval", s.cfg.SweepInterval).
		Dur("retention", s.cfg.RetentionWindow).
		Msg("Backup retention sweeper started")
	return nil
}

// Stop stops the sweeper and waits for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info().Msg("Backup retention sweeper stopped")
}

// IsRunning returns whether the sweeper is running
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastRun returns the time of the last sweep
func (s *Sweeper) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunNow(ctx); err != nil {
				s.log.Error().Err(err).Msg("Backup retention sweep failed")
			}
		}
	}
}

// RunNow performs one sweep immediately. Tests drive ticks through here
// instead of waiting on the timer.
func (s *Sweeper) RunNow(ctx context.Context) (int64, error) {
	purged, err := s.service.PurgeExpired(ctx, s.cfg.RetentionWindow, time.Now())
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastCount = purged
	s.mu.Unlock()

	if purged > 0 {
		s.log.Info().Int64("purged", purged).Msg("Expired backup keys purged")
		monitoring.RecordBackupPurged(purged)
	}
	return purged, nil
}
