package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/pitchey/sessiond/internal/config"
	"github.com/pitchey/sessiond/internal/runtime"
	"github.com/pitchey/sessiond/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Service wires the session store, lifecycle controller, connection
// registry, reconciliation loops, and HTTP listeners into one daemon.
type Service struct {
	cfg             config.Config
	store           *store.Store
	apiListener     net.Listener
	metricsListener net.Listener
	apiServer       *http.Server
	metricsServer   *http.Server
	controller      *SessionLifecycleController
	registry        *ConnectionRegistry
	scheduler       *ReconciliationScheduler
}

// Run opens the store, binds listeners, and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, st)
	if err != nil {
		_ = st.Close()
		return err
	}
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners.
func NewService(cfg config.Config, st *store.Store) (*Service, error) {
	logger := log.Default()
	metrics := NewMetrics()

	backend := &runtime.StubBackend{Logger: logger}
	accountant := NewResourceAccountant(backend, logger).
		WithLimits(CapacityLimits{
			MaxTotalCPU:       cfg.MaxTotalCPU,
			MaxTotalMemoryMiB: cfg.MaxTotalMemoryMiB,
			MaxTotalDiskMiB:   cfg.MaxTotalDiskMiB,
		}).
		WithMetrics(metrics)
	scaler := NewAutoScaler(backend, logger).WithMetrics(metrics)
	snapshots, err := NewSnapshotManager(cfg.SnapshotDir, logger)
	if err != nil {
		return nil, err
	}
	snapshots = snapshots.WithMetrics(metrics)
	if cfg.SnapshotAgeKeyPath != "" {
		if err := snapshots.WithAgeIdentityFile(cfg.SnapshotAgeKeyPath); err != nil {
			return nil, err
		}
		logger.Printf("sessiond: snapshot encryption enabled key=%s", cfg.SnapshotAgeKeyPath)
	}

	controller := NewController(st, backend, accountant, scaler, snapshots, logger).
		WithMetrics(metrics).
		WithMonitorInterval(cfg.MonitorInterval())
	registry := NewConnectionRegistry(controller, logger).WithMetrics(metrics)
	scheduler := NewScheduler(st, controller, SchedulerIntervals{
		Cleanup:   cfg.CleanupInterval(),
		Metrics:   cfg.MetricsInterval(),
		AutoScale: cfg.AutoScaleInterval(),
		Snapshot:  cfg.SnapshotInterval(),
	}, cfg.Retention(), logger).WithMetrics(metrics)

	apiListener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen api %s: %w", cfg.Listen, err)
	}

	mux := http.NewServeMux()
	NewSessionAPI(controller, registry, scheduler, st, accountant, logger).Register(mux)

	service := &Service{
		cfg:         cfg,
		store:       st,
		apiListener: apiListener,
		apiServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		controller: controller,
		registry:   registry,
		scheduler:  scheduler,
	}

	if cfg.MetricsListen != "" {
		metricsListener, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = apiListener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		service.metricsListener = metricsListener
		service.metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}
	return service, nil
}

// Serve blocks until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	log.Printf("sessiond: listening on api=%s", s.cfg.Listen)
	if s.metricsServer != nil {
		log.Printf("sessiond: listening on metrics=%s", s.cfg.MetricsListen)
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	if err := s.controller.Start(loopCtx); err != nil {
		return err
	}
	s.scheduler.Start(loopCtx)

	servers := 1
	errCh := make(chan error, 2)
	go func() { errCh <- s.apiServer.Serve(s.apiListener) }()
	if s.metricsServer != nil {
		servers = 2
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error
	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	cancelLoops()
	s.registry.Shutdown()
	s.controller.Shutdown()
	s.scheduler.Wait()
	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.apiServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}
