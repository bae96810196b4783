package rotation

import (
	"context"
	"testing"

	"github.com/keyfleet/keyfleet/internal/logging"
)

func TestSchedulerLifecycle(t *testing.T) {
	svc := NewService(nil, nil, DefaultConfig())
	sched := NewScheduler(svc, logging.NewLogger("scheduler-test"))

	if sched.IsRunning() {
		t.Fatal("scheduler reports running before start")
	}
	if lastRun, lastTick := sched.LastRun(); !lastRun.IsZero() || lastTick != nil {
		t.Fatal("scheduler reports a run before any tick")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !sched.IsRunning() {
		t.Fatal("scheduler not running after start")
	}
	if err := sched.Start(ctx); err == nil {
		t.Fatal("second start must fail while running")
	}

	sched.Stop()
	if sched.IsRunning() {
		t.Fatal("scheduler still running after stop")
	}
	// Stop is idempotent
	sched.Stop()
}
