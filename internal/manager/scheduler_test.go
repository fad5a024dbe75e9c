package manager

import (
	"context"
	"testing"
	"time"

	"github.com/pitchey/sessiond/internal/models"
)

func newTestScheduler(t *testing.T) (*ReconciliationScheduler, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	scheduler := NewScheduler(env.store, env.controller, SchedulerIntervals{}, 24*time.Hour, testLogger())
	scheduler.now = env.clock.Now
	return scheduler, env
}

func TestSchedulerDefaults(t *testing.T) {
	scheduler, _ := newTestScheduler(t)
	if scheduler.intervals.Cleanup != 5*time.Minute {
		t.Fatalf("cleanup = %s", scheduler.intervals.Cleanup)
	}
	if scheduler.intervals.Metrics != time.Minute {
		t.Fatalf("metrics = %s", scheduler.intervals.Metrics)
	}
	if scheduler.intervals.AutoScale != 30*time.Second {
		t.Fatalf("autoscale = %s", scheduler.intervals.AutoScale)
	}
	if scheduler.intervals.Snapshot != 10*time.Minute {
		t.Fatalf("snapshot = %s", scheduler.intervals.Snapshot)
	}
}

func TestRunTickRecoversFromPanic(t *testing.T) {
	scheduler, _ := newTestScheduler(t)
	// Must not crash the test binary.
	scheduler.runTick(context.Background(), "cleanup", func(context.Context) {
		panic("tick blew up")
	})
}

func TestCleanupTickPurges(t *testing.T) {
	scheduler, env := newTestScheduler(t)
	ctx := context.Background()

	created := env.createSession(t, CreateSpec{ID: "sess_1"})
	if _, err := env.controller.TerminateSession(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(25 * time.Hour)

	scheduler.cleanupTick(ctx)
	if _, err := env.store.Get(ctx, created.ID); err == nil {
		t.Fatal("terminated session should be purged")
	}
}

func TestMetricsTickRefreshesActiveSessions(t *testing.T) {
	scheduler, env := newTestScheduler(t)
	ctx := context.Background()
	created := env.createSession(t, CreateSpec{ID: "sess_1"})

	env.clock.Advance(time.Hour)
	scheduler.metricsTick(ctx)

	stored := env.mustGet(t, created.ID)
	if stored.Metrics.UptimeMs != time.Hour.Milliseconds() {
		t.Fatalf("uptimeMs = %d", stored.Metrics.UptimeMs)
	}
	if stored.Resources.CPU.Usage <= 0 {
		t.Fatal("usage sample not recorded")
	}
	if stored.Metrics.Availability != 100 {
		t.Fatalf("availability = %v", stored.Metrics.Availability)
	}
}

func TestMetricsTickSkipsInactiveSessions(t *testing.T) {
	scheduler, env := newTestScheduler(t)
	ctx := context.Background()
	created := env.createSession(t, CreateSpec{ID: "sess_1"})
	if _, err := env.controller.HibernateSession(ctx, created.ID); err != nil {
		t.Fatal(err)
	}

	env.clock.Advance(time.Hour)
	scheduler.metricsTick(ctx)

	stored := env.mustGet(t, created.ID)
	if stored.Metrics.UptimeMs != 0 {
		t.Fatalf("hibernating session metrics refreshed: uptimeMs = %d", stored.Metrics.UptimeMs)
	}
}

func TestAutoScaleTickScalesHotSession(t *testing.T) {
	scheduler, env := newTestScheduler(t)
	ctx := context.Background()
	enabled := true
	created := env.createSession(t, CreateSpec{
		ID:      "sess_1",
		Scaling: &models.ScalingPatch{Enabled: &enabled},
	})

	stored := env.mustGet(t, created.ID)
	stored.Resources.CPU.Usage = 0.95
	if err := env.store.Put(ctx, stored); err != nil {
		t.Fatal(err)
	}

	scheduler.autoScaleTick(ctx)

	after := env.mustGet(t, created.ID)
	if after.Scaling.CurrentReplicas != 2 {
		t.Fatalf("replicas = %d, want 2", after.Scaling.CurrentReplicas)
	}
}

func TestSnapshotTickCheckpointsDueSessions(t *testing.T) {
	scheduler, env := newTestScheduler(t)
	ctx := context.Background()
	created := env.createSession(t, CreateSpec{ID: "sess_1"})

	scheduler.snapshotTick(ctx)
	first := env.mustGet(t, created.ID)
	if first.Persistence.RestorePoint == nil {
		t.Fatal("first tick should snapshot a session without one")
	}

	// Inside the interval nothing new is taken.
	scheduler.snapshotTick(ctx)
	second := env.mustGet(t, created.ID)
	if second.Persistence.RestorePoint.ID != first.Persistence.RestorePoint.ID {
		t.Fatal("snapshot taken inside the interval")
	}

	env.clock.Advance(2 * time.Hour)
	scheduler.snapshotTick(ctx)
	third := env.mustGet(t, created.ID)
	if third.Persistence.RestorePoint.ID == first.Persistence.RestorePoint.ID {
		t.Fatal("snapshot not refreshed after the interval")
	}
}

func TestSyntheticSampleWithinAllocation(t *testing.T) {
	alloc := models.DefaultResources()
	for i := 0; i < 50; i++ {
		sample := syntheticSample(alloc)
		if sample.CPU < alloc.CPU.Allocated*0.2 || sample.CPU > alloc.CPU.Allocated*0.8 {
			t.Fatalf("cpu sample %v outside bounds", sample.CPU)
		}
		if sample.MemoryMiB < 0 || sample.MemoryMiB > alloc.Memory.Allocated {
			t.Fatalf("memory sample %v outside bounds", sample.MemoryMiB)
		}
	}
}

func TestSchedulerLoopsStopOnCancel(t *testing.T) {
	scheduler, _ := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler loops did not stop")
	}
}
