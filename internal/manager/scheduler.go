package manager

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/pitchey/sessiond/internal/models"
	"github.com/pitchey/sessiond/internal/store"
)

// SchedulerIntervals sets the cadence of the four reconciliation loops.
type SchedulerIntervals struct {
	Cleanup   time.Duration
	Metrics   time.Duration
	AutoScale time.Duration
	Snapshot  time.Duration
}

// ReconciliationScheduler drives the global background loops: cleanup of
// expired terminated sessions, metrics refresh, auto-scaling evaluation,
// and periodic snapshots. Each loop recovers per tick, so one failing
// session never stalls the others.
type ReconciliationScheduler struct {
	store      *store.Store
	controller *SessionLifecycleController
	logger     *log.Logger
	metrics    *Metrics
	intervals  SchedulerIntervals
	retention  time.Duration
	now        func() time.Time

	wg sync.WaitGroup
}

// NewScheduler builds a scheduler with defaults.
func NewScheduler(st *store.Store, controller *SessionLifecycleController, intervals SchedulerIntervals, retention time.Duration, logger *log.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = log.Default()
	}
	if intervals.Cleanup <= 0 {
		intervals.Cleanup = 5 * time.Minute
	}
	if intervals.Metrics <= 0 {
		intervals.Metrics = time.Minute
	}
	if intervals.AutoScale <= 0 {
		intervals.AutoScale = 30 * time.Second
	}
	if intervals.Snapshot <= 0 {
		intervals.Snapshot = 10 * time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &ReconciliationScheduler{
		store:      st,
		controller: controller,
		logger:     logger,
		intervals:  intervals,
		retention:  retention,
		now:        time.Now,
	}
}

// WithMetrics wires optional Prometheus metrics.
func (s *ReconciliationScheduler) WithMetrics(metrics *Metrics) *ReconciliationScheduler {
	if s == nil {
		return s
	}
	s.metrics = metrics
	return s
}

// Start launches all four loops. They stop when ctx is cancelled.
func (s *ReconciliationScheduler) Start(ctx context.Context) {
	s.loop(ctx, "cleanup", s.intervals.Cleanup, s.cleanupTick)
	s.loop(ctx, "metrics", s.intervals.Metrics, s.metricsTick)
	s.loop(ctx, "autoscale", s.intervals.AutoScale, s.autoScaleTick)
	s.loop(ctx, "snapshot", s.intervals.Snapshot, s.snapshotTick)
}

// Wait blocks until every loop has exited.
func (s *ReconciliationScheduler) Wait() {
	s.wg.Wait()
}

func (s *ReconciliationScheduler) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.logger.Printf("scheduler: %s loop started interval=%s", name, interval)
		for {
			select {
			case <-ctx.Done():
				s.logger.Printf("scheduler: %s loop stopped", name)
				return
			case <-ticker.C:
				s.runTick(ctx, name, tick)
			}
		}
	}()
}

// runTick isolates one tick: a panic in one pass is logged and the loop
// keeps its cadence.
func (s *ReconciliationScheduler) runTick(ctx context.Context, name string, tick func(context.Context)) {
	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("scheduler: %s tick panic: %v", name, r)
		}
		if s.metrics != nil {
			s.metrics.ObserveReconcileTick(name, s.now().Sub(started))
		}
	}()
	tick(ctx)
}

// CleanupNow forces one cleanup pass, used by the maintenance endpoint.
func (s *ReconciliationScheduler) CleanupNow(ctx context.Context) (int, error) {
	return s.controller.Cleanup(ctx, s.retention)
}

func (s *ReconciliationScheduler) cleanupTick(ctx context.Context) {
	if _, err := s.controller.Cleanup(ctx, s.retention); err != nil {
		s.logger.Printf("scheduler: cleanup: %v", err)
	}
}

// metricsTick refreshes derived telemetry per active session and publishes
// fleet-level gauges. With no real runtime attached the usage signal is a
// synthetic sample around half of each allocation.
func (s *ReconciliationScheduler) metricsTick(ctx context.Context) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		s.logger.Printf("scheduler: metrics list: %v", err)
		return
	}
	counts := make(map[models.SessionStatus]int, len(sessions))
	for _, session := range sessions {
		counts[session.Status]++
		if session.Status != models.StatusActive {
			continue
		}
		sample := syntheticSample(session.Resources)
		if err := s.controller.RefreshMetrics(ctx, session.ID, sample); err != nil {
			s.logger.Printf("scheduler: metrics session=%s: %v", session.ID, err)
		}
	}
	if s.metrics != nil {
		s.metrics.SetSessionsByStatus(counts)
	}
}

func (s *ReconciliationScheduler) autoScaleTick(ctx context.Context) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		s.logger.Printf("scheduler: autoscale list: %v", err)
		return
	}
	for _, session := range sessions {
		if session.Status != models.StatusActive || !session.Scaling.Enabled {
			continue
		}
		if err := s.controller.AutoScaleTick(ctx, session.ID); err != nil {
			s.logger.Printf("scheduler: autoscale session=%s: %v", session.ID, err)
		}
	}
}

func (s *ReconciliationScheduler) snapshotTick(ctx context.Context) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		s.logger.Printf("scheduler: snapshot list: %v", err)
		return
	}
	for _, session := range sessions {
		if session.Status != models.StatusActive || !session.Persistence.Enabled {
			continue
		}
		if err := s.controller.SnapshotTick(ctx, session.ID); err != nil {
			s.logger.Printf("scheduler: snapshot session=%s: %v", session.ID, err)
		}
	}
}

// syntheticSample fabricates a usage reading between 20% and 80% of each
// allocation. Stands in for a runtime-provided signal.
func syntheticSample(alloc models.ResourceAllocation) UsageSample {
	jitter := func(allocated float64) float64 {
		return allocated * (0.2 + 0.6*rand.Float64())
	}
	return UsageSample{
		CPU:       jitter(alloc.CPU.Allocated),
		MemoryMiB: jitter(alloc.Memory.Allocated),
		DiskMiB:   jitter(alloc.Disk.Allocated),
		NetMbps:   jitter(alloc.Network.Allocated),
	}
}
