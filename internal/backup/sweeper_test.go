package backup

import (
	"context"
	"testing"
	"time"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/logging"
)

func TestSweeperLifecycle(t *testing.T) {
	cfg := &config.BackupConfig{
		RetentionWindow: 6 * time.Hour,
		SweepInterval:   time.Hour,
	}
	sweeper := NewSweeper(NewService(nil), cfg, logging.NewLogger("sweeper-test"))

	if sweeper.IsRunning() {
		t.Fatal("sweeper reports running before start")
	}
	if !sweeper.LastRun().IsZero() {
		t.Fatal("sweeper reports a run before any sweep")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := sweeper.Start(ctx); err == nil {
		t.Fatal("second start must fail while running")
	}

	sweeper.Stop()
	if sweeper.IsRunning() {
		t.Fatal("sweeper still running after stop")
	}
	sweeper.Stop()
}
