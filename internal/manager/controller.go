package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pitchey/sessiond/internal/models"
	"github.com/pitchey/sessiond/internal/runtime"
	"github.com/pitchey/sessiond/internal/store"
)

const (
	defaultMonitorInterval = 30 * time.Second

	// connectionIdleAfter is how long a quiet attachment stays active
	// before the monitor marks its record idle.
	connectionIdleAfter = 5 * time.Minute
)

// CreateSpec is the caller-supplied input for session creation. The user
// identity is trusted as given; access control happens upstream.
type CreateSpec struct {
	ID            string
	UserID        string
	ContainerID   string
	SessionType   models.SessionType
	ExpiresAt     *time.Time
	Configuration *models.ConfigurationPatch
	Resources     *models.ResourcesPatch
	Persistence   *models.PersistencePatch
	Scaling       *models.ScalingPatch
	Security      *models.SecurityPatch
}

// UpdateSpec carries the mutable parts of a session update.
type UpdateSpec struct {
	Configuration *models.ConfigurationPatch
	Resources     *models.ResourcesPatch
	Scaling       *models.ScalingPatch
}

// ListFilter narrows session listings. Zero values match everything.
type ListFilter struct {
	UserID      string
	Status      models.SessionStatus
	SessionType models.SessionType
	Limit       int
}

// SessionLifecycleController orchestrates the store, accountant, connection
// registry, auto-scaler, and snapshot manager to implement the session
// state machine.
//
// Every operation is serialized per session id: a per-id mutex wraps the
// whole load → mutate → persist cycle, so two operations on the same id
// never interleave, while different ids proceed independently.
type SessionLifecycleController struct {
	store      *store.Store
	backend    runtime.Backend
	accountant *ResourceAccountant
	scaler     *AutoScaler
	snapshots  *SnapshotManager
	logger     *log.Logger
	metrics    *Metrics
	now        func() time.Time

	monitorInterval time.Duration
	baseCtx         context.Context

	// closeLive is wired by the connection registry; it closes live
	// transport sockets without touching session state.
	closeLive func(sessionID, reason string)

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	monitorMu sync.Mutex
	monitors  map[string]context.CancelFunc
}

// NewController builds a lifecycle controller with defaults.
func NewController(st *store.Store, backend runtime.Backend, accountant *ResourceAccountant, scaler *AutoScaler, snapshots *SnapshotManager, logger *log.Logger) *SessionLifecycleController {
	if logger == nil {
		logger = log.Default()
	}
	return &SessionLifecycleController{
		store:           st,
		backend:         backend,
		accountant:      accountant,
		scaler:          scaler,
		snapshots:       snapshots,
		logger:          logger,
		now:             time.Now,
		monitorInterval: defaultMonitorInterval,
		baseCtx:         context.Background(),
		locks:           make(map[string]*sync.Mutex),
		monitors:        make(map[string]context.CancelFunc),
	}
}

// WithMetrics wires optional Prometheus metrics.
func (c *SessionLifecycleController) WithMetrics(metrics *Metrics) *SessionLifecycleController {
	if c == nil {
		return c
	}
	c.metrics = metrics
	return c
}

// WithMonitorInterval overrides the per-session monitor cadence.
func (c *SessionLifecycleController) WithMonitorInterval(interval time.Duration) *SessionLifecycleController {
	if c == nil || interval <= 0 {
		return c
	}
	c.monitorInterval = interval
	return c
}

// Start binds monitor loop lifetimes to ctx and restarts monitors for
// sessions that were active when the previous process stopped.
func (c *SessionLifecycleController) Start(ctx context.Context) error {
	c.baseCtx = ctx
	sessions, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if session.Status == models.StatusActive {
			c.startMonitor(session.ID)
		}
	}
	return nil
}

// Shutdown cancels every per-session monitor loop.
func (c *SessionLifecycleController) Shutdown() {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	for id, cancel := range c.monitors {
		cancel()
		delete(c.monitors, id)
	}
}

// SetConnectionCloser wires the registry's live-socket closer.
func (c *SessionLifecycleController) SetConnectionCloser(fn func(sessionID, reason string)) {
	c.closeLive = fn
}

// CreateSession merges defaults with the spec, persists the session as
// initializing, allocates resources, initializes the container, and on
// success marks it active and starts its monitor loop. Allocation or init
// failure marks the session failed and releases any partial allocation;
// retries are a caller concern.
func (c *SessionLifecycleController) CreateSession(ctx context.Context, spec CreateSpec) (models.Session, error) {
	if spec.UserID == "" {
		return models.Session{}, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if spec.SessionType == "" {
		spec.SessionType = models.SessionInteractive
	}
	if !models.ValidSessionType(spec.SessionType) {
		return models.Session{}, fmt.Errorf("%w: unknown sessionType %q", ErrValidation, spec.SessionType)
	}
	id := spec.ID
	if id == "" {
		generated, err := newSessionID()
		if err != nil {
			return models.Session{}, err
		}
		id = generated
	}
	containerID := spec.ContainerID
	if containerID == "" {
		generated, err := newID("ctr_")
		if err != nil {
			return models.Session{}, err
		}
		containerID = generated
	}

	unlock := c.lockSession(id)
	defer unlock()

	if _, err := c.store.Get(ctx, id); err == nil {
		return models.Session{}, fmt.Errorf("%w: session %s already exists", ErrValidation, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.Session{}, err
	}

	now := c.now().UTC()
	cfg := models.DefaultConfiguration()
	spec.Configuration.Apply(&cfg)
	scaling := models.DefaultScaling()
	scaling.Enabled = cfg.AutoScale
	spec.Scaling.Apply(&scaling)
	persistence := models.DefaultPersistence(cfg.PersistData)
	spec.Persistence.Apply(&persistence)
	security := models.DefaultSecurity()
	spec.Security.Apply(&security)

	session := models.Session{
		ID:            id,
		UserID:        spec.UserID,
		ContainerID:   containerID,
		SessionType:   spec.SessionType,
		Status:        models.StatusInitializing,
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     spec.ExpiresAt,
		Configuration: cfg,
		Persistence:   persistence,
		Scaling:       scaling,
		Security:      security,
	}
	if spec.Resources != nil {
		applyResourcePatch(&session.Resources, spec.Resources)
	}
	c.appendEvent(&session, "created", "session created", models.SeverityInfo)
	if err := c.store.Put(ctx, session); err != nil {
		return models.Session{}, err
	}

	if err := c.accountant.Allocate(ctx, &session); err != nil {
		c.failCreate(ctx, &session, err)
		return models.Session{}, err
	}
	if c.backend != nil {
		if err := c.backend.InitializeContainer(ctx, session); err != nil {
			releaseErr := c.accountant.Release(ctx, &session)
			if releaseErr != nil {
				c.logger.Printf("controller: release after init failure session=%s: %v", session.ID, releaseErr)
			}
			c.failCreate(ctx, &session, err)
			return models.Session{}, fmt.Errorf("%w: %v", ErrContainerInit, err)
		}
	}

	if err := c.transition(&session, models.StatusActive, "resources allocated and container initialized"); err != nil {
		return models.Session{}, err
	}
	session.LastActivity = c.now().UTC()
	if err := c.store.Put(ctx, session); err != nil {
		return models.Session{}, err
	}
	c.startMonitor(session.ID)
	c.logger.Printf("controller: created session=%s user=%s type=%s", session.ID, session.UserID, session.SessionType)
	return session.View(), nil
}

// GetSession returns the sanitized view for the id. The read itself counts
// as activity so a polled session is not hibernated for lack of writes.
func (c *SessionLifecycleController) GetSession(ctx context.Context, id string) (models.Session, error) {
	var view models.Session
	err := c.withSession(ctx, id, func(session *models.Session) error {
		session.LastActivity = c.now().UTC()
		view = session.View()
		return nil
	})
	return view, err
}

// UpdateSession shallow-merges configuration, delegates resource changes
// to the accountant, and merges the scaling policy. The audit event is
// tagged scaled even for pure config changes.
func (c *SessionLifecycleController) UpdateSession(ctx context.Context, id string, update UpdateSpec) (models.Session, error) {
	var view models.Session
	err := c.withSession(ctx, id, func(session *models.Session) error {
		update.Configuration.Apply(&session.Configuration)
		if update.Resources != nil {
			if err := c.accountant.UpdateAllocation(ctx, session, update.Resources); err != nil {
				return err
			}
		}
		update.Scaling.Apply(&session.Scaling)
		c.appendEvent(session, "scaled", "session updated", models.SeverityInfo)
		session.LastActivity = c.now().UTC()
		view = session.View()
		return nil
	})
	return view, err
}

// HibernateSession snapshots (when persistence is enabled), closes live
// connections, releases resources, and parks the session. Hibernating an
// already-hibernating session is a no-op success.
func (c *SessionLifecycleController) HibernateSession(ctx context.Context, id string) (models.Session, error) {
	var view models.Session
	err := c.withSession(ctx, id, func(session *models.Session) error {
		if session.Status == models.StatusHibernating {
			view = session.View()
			return nil
		}
		if err := c.hibernateLocked(ctx, session); err != nil {
			return err
		}
		view = session.View()
		return nil
	})
	return view, err
}

// ResumeSession restores the checkpoint if one exists, re-allocates
// resources, re-initializes the container, and reactivates the session.
// Resuming a session that is not hibernating is a no-op success.
func (c *SessionLifecycleController) ResumeSession(ctx context.Context, id string) (models.Session, error) {
	var view models.Session
	err := c.withSession(ctx, id, func(session *models.Session) error {
		if session.Status != models.StatusHibernating {
			view = session.View()
			return nil
		}
		if err := c.resumeLocked(ctx, session); err != nil {
			return err
		}
		view = session.View()
		return nil
	})
	return view, err
}

// TerminateSession closes connections, releases resources, and marks the
// session terminated. Terminating a terminated session is a no-op success.
func (c *SessionLifecycleController) TerminateSession(ctx context.Context, id string) (models.Session, error) {
	var view models.Session
	err := c.withSession(ctx, id, func(session *models.Session) error {
		switch session.Status {
		case models.StatusTerminated, models.StatusTerminating, models.StatusFailed:
			view = session.View()
			return nil
		}
		if err := c.terminateLocked(ctx, session, "terminated by request"); err != nil {
			return err
		}
		view = session.View()
		return nil
	})
	return view, err
}

// ScaleSession evaluates (or applies a manual) scaling decision and
// executes it through the runtime when the decision is not maintain.
func (c *SessionLifecycleController) ScaleSession(ctx context.Context, id string, action string, replicas int) (ScalingDecision, error) {
	var decision ScalingDecision
	err := c.withSession(ctx, id, func(session *models.Session) error {
		var evalErr error
		if action == "" {
			decision = c.scaler.Decide(*session)
		} else {
			decision, evalErr = c.scaler.ManualDecision(*session, action, replicas)
			if evalErr != nil {
				return evalErr
			}
		}
		if decision.Action == ScaleMaintain {
			return nil
		}
		if err := c.scaler.Execute(ctx, session, decision); err != nil {
			return err
		}
		c.appendEvent(session, "scaled",
			fmt.Sprintf("%s to %d replicas: %s", decision.Action, decision.TargetReplicas, decision.Reason),
			models.SeverityInfo)
		return nil
	})
	return decision, err
}

// CreateSnapshot checkpoints the session immediately.
func (c *SessionLifecycleController) CreateSnapshot(ctx context.Context, id string) (models.RestorePoint, error) {
	var point models.RestorePoint
	err := c.withSession(ctx, id, func(session *models.Session) error {
		created, err := c.snapshots.Create(session)
		if err != nil {
			return err
		}
		point = created
		c.appendEvent(session, "snapshot", "snapshot "+created.ID+" created", models.SeverityInfo)
		return nil
	})
	return point, err
}

// RestoreSnapshot reapplies the named (or latest) restore point.
func (c *SessionLifecycleController) RestoreSnapshot(ctx context.Context, id, snapshotID string) (models.Session, error) {
	var view models.Session
	err := c.withSession(ctx, id, func(session *models.Session) error {
		point := session.Persistence.RestorePoint
		if point == nil {
			return ErrNoRestorePoint
		}
		if snapshotID != "" && snapshotID != point.ID {
			return fmt.Errorf("%w: snapshot %s is not the current restore point", ErrValidation, snapshotID)
		}
		if err := c.snapshots.Restore(session); err != nil {
			return err
		}
		c.appendEvent(session, "snapshot", "snapshot "+point.ID+" restored", models.SeverityInfo)
		view = session.View()
		return nil
	})
	return view, err
}

// ListSessions returns sanitized views matching the filter, sorted by
// lastActivity descending.
func (c *SessionLifecycleController) ListSessions(ctx context.Context, filter ListFilter) ([]models.Session, error) {
	sessions, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]models.Session, 0, len(sessions))
	for _, session := range sessions {
		if filter.UserID != "" && session.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && session.Status != filter.Status {
			continue
		}
		if filter.SessionType != "" && session.SessionType != filter.SessionType {
			continue
		}
		views = append(views, session.View())
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].LastActivity.After(views[j].LastActivity)
	})
	if filter.Limit > 0 && len(views) > filter.Limit {
		views = views[:filter.Limit]
	}
	return views, nil
}

// ListConnections returns copies of the non-closed connections for a
// session. The read takes the session lock: the cached record's slices are
// shared with concurrent writers.
func (c *SessionLifecycleController) ListConnections(ctx context.Context, id string) ([]models.SessionConnection, error) {
	var active []models.SessionConnection
	err := c.readSession(ctx, id, func(session *models.Session) {
		for _, conn := range session.Connections {
			if conn.Status != models.ConnectionClosed {
				active = append(active, conn)
			}
		}
	})
	return active, err
}

// Cleanup purges sessions terminated for longer than retention from the
// store, drops their snapshots, and forgets their scaler state.
func (c *SessionLifecycleController) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	sessions, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := c.now().UTC().Add(-retention)
	purged := 0
	for _, session := range sessions {
		if session.Status != models.StatusTerminated {
			continue
		}
		terminatedAt := session.LastActivity
		if event := session.LastEventOfType("terminated"); event != nil {
			terminatedAt = event.Timestamp
		}
		if terminatedAt.After(cutoff) {
			continue
		}
		unlock := c.lockSession(session.ID)
		if err := c.store.Delete(ctx, session.ID); err != nil {
			unlock()
			c.logger.Printf("controller: cleanup session=%s: %v", session.ID, err)
			continue
		}
		unlock()
		c.snapshots.Drop(session.ID)
		c.scaler.Forget(session.ID)
		purged++
	}
	if purged > 0 {
		c.logger.Printf("controller: cleanup purged %d terminated sessions", purged)
	}
	return purged, nil
}

// --- connection record mutations, called by the registry ---

// AttachConnection records a new transport attachment on an active session.
func (c *SessionLifecycleController) AttachConnection(ctx context.Context, id, connType, clientIP string) (models.SessionConnection, error) {
	var record models.SessionConnection
	err := c.withSession(ctx, id, func(session *models.Session) error {
		if session.Status != models.StatusActive {
			return fmt.Errorf("%w: session %s is %s, not active", ErrValidation, id, session.Status)
		}
		if !session.Configuration.AllowMultipleConnections && session.ActiveConnectionCount() > 0 {
			return ErrConnectionLimit
		}
		connID, err := newConnectionID()
		if err != nil {
			return err
		}
		now := c.now().UTC()
		record = models.SessionConnection{
			ID:           connID,
			Type:         connType,
			ClientIP:     clientIP,
			ConnectedAt:  now,
			LastActivity: now,
			Status:       models.ConnectionActive,
		}
		session.Connections = append(session.Connections, record)
		if len(session.Connections) > models.MaxConnectionRecords {
			session.Connections = session.Connections[len(session.Connections)-models.MaxConnectionRecords:]
		}
		session.Metrics.ActiveConnections = session.ActiveConnectionCount()
		session.LastActivity = now
		c.appendEvent(session, "connection", "connection "+connID+" accepted from "+clientIP, models.SeverityInfo)
		return nil
	})
	return record, err
}

// RecordConnectionActivity bumps activity counters for one inbound message.
func (c *SessionLifecycleController) RecordConnectionActivity(ctx context.Context, id, connID string, bytes int64) error {
	return c.withSession(ctx, id, func(session *models.Session) error {
		now := c.now().UTC()
		for i := range session.Connections {
			if session.Connections[i].ID == connID {
				session.Connections[i].LastActivity = now
				session.Connections[i].BytesTransferred += bytes
				if session.Connections[i].Status == models.ConnectionIdle {
					session.Connections[i].Status = models.ConnectionActive
				}
				break
			}
		}
		session.LastActivity = now
		session.Metrics.TotalRequests++
		session.Metrics.BytesTransferred += bytes
		return nil
	})
}

// CloseConnection marks a connection record closed. The record is kept for
// history; only the live socket goes away.
func (c *SessionLifecycleController) CloseConnection(ctx context.Context, id, connID string) error {
	return c.withSession(ctx, id, func(session *models.Session) error {
		now := c.now().UTC()
		for i := range session.Connections {
			if session.Connections[i].ID == connID && session.Connections[i].Status != models.ConnectionClosed {
				session.Connections[i].Status = models.ConnectionClosed
				session.Connections[i].ClosedAt = &now
				break
			}
		}
		session.Metrics.ActiveConnections = session.ActiveConnectionCount()
		return nil
	})
}

// --- reconciliation entry points, called by the scheduler ---

// MonitorTick evaluates one session for hibernate- then
// terminate-eligibility. It reports false when the monitor loop should
// stop (session gone or no longer active).
func (c *SessionLifecycleController) MonitorTick(ctx context.Context, id string) bool {
	keep := true
	err := c.withSession(ctx, id, func(session *models.Session) error {
		if session.Status != models.StatusActive {
			keep = false
			return nil
		}
		now := c.now().UTC()
		idle := now.Sub(session.LastActivity)
		age := now.Sub(session.CreatedAt)
		cfg := session.Configuration

		for i := range session.Connections {
			record := &session.Connections[i]
			if record.Status == models.ConnectionClosed {
				continue
			}
			if now.Sub(record.LastActivity) > connectionIdleAfter {
				record.Status = models.ConnectionIdle
			} else {
				record.Status = models.ConnectionActive
			}
		}

		if cfg.AutoHibernate && cfg.HibernateAfter > 0 && idle > cfg.HibernateIdle() {
			if err := c.hibernateLocked(ctx, session); err != nil {
				return err
			}
			keep = false
			return nil
		}
		expired := session.ExpiresAt != nil && now.After(*session.ExpiresAt)
		tooOld := cfg.MaxDuration > 0 && age > cfg.MaxAge()
		tooIdle := cfg.MaxIdleTime > 0 && idle > cfg.MaxIdle()
		if expired || tooOld || tooIdle {
			if err := c.terminateLocked(ctx, session, terminationReason(expired, tooOld, tooIdle)); err != nil {
				return err
			}
			keep = false
		}
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		return false
	}
	if err != nil {
		c.logger.Printf("controller: monitor tick session=%s: %v", id, err)
	}
	return keep
}

// RefreshMetrics recomputes derived telemetry for an active session using
// a synthetic sampled usage signal (no real runtime is wired).
func (c *SessionLifecycleController) RefreshMetrics(ctx context.Context, id string, sample UsageSample) error {
	return c.withSession(ctx, id, func(session *models.Session) error {
		if session.Status != models.StatusActive {
			return nil
		}
		if err := c.accountant.RecordUsage(session, sample); err != nil {
			return err
		}
		now := c.now().UTC()
		uptime := now.Sub(session.CreatedAt)
		session.Metrics.UptimeMs = uptime.Milliseconds()
		if seconds := uptime.Seconds(); seconds > 0 {
			session.Metrics.Throughput = float64(session.Metrics.TotalRequests) / seconds
		}
		session.Metrics.Availability = 100
		// Nominal accrual; billing correctness is out of scope here.
		session.Metrics.AccruedCost = uptime.Hours() * session.Resources.CPU.Allocated * 0.05
		return nil
	})
}

// SnapshotTick checkpoints the session if it is due.
func (c *SessionLifecycleController) SnapshotTick(ctx context.Context, id string) error {
	return c.withSession(ctx, id, func(session *models.Session) error {
		if session.Status != models.StatusActive {
			return nil
		}
		if !c.snapshots.Eligible(*session, c.now().UTC()) {
			return nil
		}
		point, err := c.snapshots.Create(session)
		if err != nil {
			return err
		}
		c.appendEvent(session, "snapshot", "periodic snapshot "+point.ID, models.SeverityInfo)
		return nil
	})
}

// AutoScaleTick runs a decide/execute cycle for an active, scaling-enabled
// session.
func (c *SessionLifecycleController) AutoScaleTick(ctx context.Context, id string) error {
	return c.withSession(ctx, id, func(session *models.Session) error {
		if session.Status != models.StatusActive || !session.Scaling.Enabled {
			return nil
		}
		decision := c.scaler.Decide(*session)
		if decision.Action == ScaleMaintain {
			return nil
		}
		if err := c.scaler.Execute(ctx, session, decision); err != nil {
			return err
		}
		c.appendEvent(session, "scaled",
			fmt.Sprintf("%s to %d replicas: %s", decision.Action, decision.TargetReplicas, decision.Reason),
			models.SeverityInfo)
		return nil
	})
}

// --- internals ---

// withSession serializes one load → mutate → persist cycle for the id.
func (c *SessionLifecycleController) withSession(ctx context.Context, id string, fn func(*models.Session) error) error {
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrValidation)
	}
	unlock := c.lockSession(id)
	defer unlock()
	session, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if err := fn(&session); err != nil {
		return err
	}
	return c.store.Put(ctx, session)
}

// readSession serializes a read-only pass over the session; nothing is
// persisted afterwards.
func (c *SessionLifecycleController) readSession(ctx context.Context, id string, fn func(*models.Session)) error {
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrValidation)
	}
	unlock := c.lockSession(id)
	defer unlock()
	session, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	fn(&session)
	return nil
}

func (c *SessionLifecycleController) lockSession(id string) func() {
	c.lockMu.Lock()
	mu, ok := c.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[id] = mu
	}
	c.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// hibernateLocked runs the hibernate sequence; the caller holds the
// session lock and persists afterwards.
func (c *SessionLifecycleController) hibernateLocked(ctx context.Context, session *models.Session) error {
	if session.Status != models.StatusActive {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, models.StatusHibernating)
	}
	if session.Persistence.Enabled {
		if _, err := c.snapshots.Create(session); err != nil {
			return fmt.Errorf("snapshot before hibernate: %w", err)
		}
	}
	c.closeConnectionsLocked(session, "session hibernating")
	if err := c.accountant.Release(ctx, session); err != nil {
		return err
	}
	if err := c.transition(session, models.StatusHibernating, "session hibernated"); err != nil {
		return err
	}
	c.stopMonitor(session.ID)
	return nil
}

// resumeLocked runs the resume sequence; the caller holds the session lock.
func (c *SessionLifecycleController) resumeLocked(ctx context.Context, session *models.Session) error {
	if session.Persistence.RestorePoint != nil {
		if err := c.snapshots.Restore(session); err != nil {
			return fmt.Errorf("restore before resume: %w", err)
		}
	}
	if err := c.accountant.Allocate(ctx, session); err != nil {
		return err
	}
	if c.backend != nil {
		if err := c.backend.InitializeContainer(ctx, *session); err != nil {
			if releaseErr := c.accountant.Release(ctx, session); releaseErr != nil {
				c.logger.Printf("controller: release after resume init failure session=%s: %v", session.ID, releaseErr)
			}
			c.appendEvent(session, "failed", "resume failed: "+err.Error(), models.SeverityError)
			return fmt.Errorf("%w: %v", ErrContainerInit, err)
		}
	}
	if err := c.transition(session, models.StatusActive, "session resumed"); err != nil {
		return err
	}
	session.LastActivity = c.now().UTC()
	c.startMonitor(session.ID)
	return nil
}

// terminateLocked runs the terminate sequence; the caller holds the
// session lock.
func (c *SessionLifecycleController) terminateLocked(ctx context.Context, session *models.Session, reason string) error {
	c.closeConnectionsLocked(session, "session terminated")
	if err := c.accountant.Release(ctx, session); err != nil {
		return err
	}
	if c.backend != nil {
		if err := c.backend.DestroyContainer(ctx, *session); err != nil {
			c.logger.Printf("controller: destroy container session=%s: %v", session.ID, err)
		}
	}
	if err := c.transition(session, models.StatusTerminating, reason); err != nil {
		return err
	}
	if err := c.transition(session, models.StatusTerminated, reason); err != nil {
		return err
	}
	c.stopMonitor(session.ID)
	c.scaler.Forget(session.ID)
	return nil
}

// closeConnectionsLocked marks all open connection records closed and
// closes the live sockets. The registry's closer never touches session
// state, so calling it under the session lock is safe.
func (c *SessionLifecycleController) closeConnectionsLocked(session *models.Session, reason string) {
	now := c.now().UTC()
	for i := range session.Connections {
		if session.Connections[i].Status != models.ConnectionClosed {
			session.Connections[i].Status = models.ConnectionClosed
			session.Connections[i].ClosedAt = &now
		}
	}
	session.Metrics.ActiveConnections = 0
	if c.closeLive != nil {
		c.closeLive(session.ID, reason)
	}
}

// transition moves the session to target if the state machine allows it,
// recording the audit event and metric.
func (c *SessionLifecycleController) transition(session *models.Session, target models.SessionStatus, description string) error {
	current := session.Status
	if current == target {
		return nil
	}
	if !models.AllowedTransition(current, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}
	session.Status = target
	c.appendEvent(session, eventTypeForStatus(target), description, severityForStatus(target))
	if c.metrics != nil {
		c.metrics.IncSessionTransition(current, target)
	}
	return nil
}

func (c *SessionLifecycleController) failCreate(ctx context.Context, session *models.Session, cause error) {
	if err := c.transition(session, models.StatusFailed, "creation failed: "+cause.Error()); err != nil {
		c.logger.Printf("controller: mark failed session=%s: %v", session.ID, err)
	}
	if err := c.store.Put(ctx, *session); err != nil {
		c.logger.Printf("controller: persist failed session=%s: %v", session.ID, err)
	}
}

func (c *SessionLifecycleController) appendEvent(session *models.Session, eventType, description string, severity models.EventSeverity) {
	id, err := newEventID()
	if err != nil {
		id = fmt.Sprintf("evt_%d", c.now().UnixNano())
	}
	session.AppendEvent(models.SessionEvent{
		ID:          id,
		Timestamp:   c.now().UTC(),
		Type:        eventType,
		Description: description,
		Severity:    severity,
	})
}

func (c *SessionLifecycleController) startMonitor(id string) {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	if _, running := c.monitors[id]; running {
		return
	}
	// Ticks run on the base context, not the loop context: a tick that
	// hibernates or terminates the session cancels its own loop, and the
	// resulting store write must still go through.
	base := c.baseCtx
	ctx, cancel := context.WithCancel(base)
	c.monitors[id] = cancel
	ticker := time.NewTicker(c.monitorInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.MonitorTick(base, id) {
					c.stopMonitor(id)
					return
				}
			}
		}
	}()
}

func (c *SessionLifecycleController) stopMonitor(id string) {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	if cancel, ok := c.monitors[id]; ok {
		cancel()
		delete(c.monitors, id)
	}
}

func eventTypeForStatus(status models.SessionStatus) string {
	switch status {
	case models.StatusActive:
		return "activated"
	case models.StatusHibernating:
		return "hibernated"
	case models.StatusTerminating, models.StatusTerminated:
		return "terminated"
	case models.StatusFailed:
		return "failed"
	default:
		return "status"
	}
}

func severityForStatus(status models.SessionStatus) models.EventSeverity {
	if status == models.StatusFailed {
		return models.SeverityError
	}
	return models.SeverityInfo
}

func terminationReason(expired, tooOld, tooIdle bool) string {
	switch {
	case expired:
		return "session expired"
	case tooOld:
		return "session exceeded maxDuration"
	case tooIdle:
		return "session idle beyond maxIdleTime"
	default:
		return "terminated"
	}
}
