// Package models provides data structures and constants for sessiond.
//
// This package contains the core domain model: a Session and the structs
// embedded in it (configuration, resource allocation, connections,
// persistence descriptor, scaling policy, metrics, and the event log).
// All models are designed for JSON persistence in the session store and
// for direct serialization on the HTTP API.
package models

import "time"

// SessionStatus represents the current state of a session in its lifecycle.
//
// The state machine enforces valid transitions:
//
//	initializing → (active|failed)
//	active → (hibernating|terminating)
//	hibernating → (active|terminating)
//	terminating → terminated
//
// terminated and failed are absorbing; terminated rows are purged from the
// store after a retention window by the cleanup loop.
type SessionStatus string

const (
	// StatusInitializing is the initial state while resources are allocated
	// and the container is initialized.
	StatusInitializing SessionStatus = "initializing"
	// StatusActive indicates the session is running and accepting connections.
	StatusActive SessionStatus = "active"
	// StatusHibernating indicates resources are released but the session can
	// be resumed from its restore point.
	StatusHibernating SessionStatus = "hibernating"
	// StatusTerminating indicates teardown is in progress.
	StatusTerminating SessionStatus = "terminating"
	// StatusTerminated indicates the session is gone; the record is retained
	// for a window and then purged.
	StatusTerminated SessionStatus = "terminated"
	// StatusFailed indicates creation failed; any partial allocation has been
	// released.
	StatusFailed SessionStatus = "failed"
)

// AllowedTransition reports whether a status change is legal.
func AllowedTransition(from, to SessionStatus) bool {
	switch from {
	case StatusInitializing:
		return to == StatusActive || to == StatusFailed
	case StatusActive:
		return to == StatusHibernating || to == StatusTerminating
	case StatusHibernating:
		return to == StatusActive || to == StatusTerminating
	case StatusTerminating:
		return to == StatusTerminated
	case StatusTerminated, StatusFailed:
		return false
	default:
		return false
	}
}

// SessionType classifies the workload a session carries.
type SessionType string

const (
	SessionInteractive SessionType = "interactive"
	SessionBatch       SessionType = "batch"
	SessionStreaming   SessionType = "streaming"
	SessionAPI         SessionType = "api"
	SessionDevelopment SessionType = "development"
)

// ValidSessionType reports whether t is a known session type.
func ValidSessionType(t SessionType) bool {
	switch t {
	case SessionInteractive, SessionBatch, SessionStreaming, SessionAPI, SessionDevelopment:
		return true
	}
	return false
}

const (
	// MaxEvents bounds the per-session event log; oldest entries are dropped.
	MaxEvents = 100
	// MaxConnectionRecords bounds the retained connection history.
	MaxConnectionRecords = 100
	// ViewTailLimit is how many connections/events a sanitized view carries.
	ViewTailLimit = 10
)

// Session is the central entity: one logical unit of container-backed work
// owned by a user. It is persisted as a single JSON value keyed by id.
type Session struct {
	ID            string              `json:"id"`
	UserID        string              `json:"userId"`
	ContainerID   string              `json:"containerId"`
	SessionType   SessionType         `json:"sessionType"`
	Status        SessionStatus       `json:"status"`
	CreatedAt     time.Time           `json:"createdAt"`
	LastActivity  time.Time           `json:"lastActivity"`
	ExpiresAt     *time.Time          `json:"expiresAt,omitempty"`
	Configuration Configuration       `json:"configuration"`
	Resources     ResourceAllocation  `json:"resources"`
	Metrics       SessionMetrics      `json:"metrics"`
	Connections   []SessionConnection `json:"connections"`
	Persistence   SessionPersistence  `json:"persistence"`
	Scaling       AutoScalingConfig   `json:"scaling"`
	Security      SecurityDescriptor  `json:"security"`
	Events        []SessionEvent      `json:"events"`
}

// Configuration holds per-session policy knobs. Duration fields are
// milliseconds to match the wire format.
type Configuration struct {
	MaxIdleTime              int64             `json:"maxIdleTime"`
	MaxDuration              int64             `json:"maxDuration"`
	AutoHibernate            bool              `json:"autoHibernate"`
	HibernateAfter           int64             `json:"hibernateAfter"`
	AutoScale                bool              `json:"autoScale"`
	PersistData              bool              `json:"persistData"`
	AllowMultipleConnections bool              `json:"allowMultipleConnections"`
	Environment              map[string]string `json:"environment,omitempty"`
	Ports                    []int             `json:"ports,omitempty"`
	Volumes                  []string          `json:"volumes,omitempty"`
	NetworkPolicy            string            `json:"networkPolicy"`
}

// MaxIdle returns the idle cutoff as a duration.
func (c Configuration) MaxIdle() time.Duration {
	return time.Duration(c.MaxIdleTime) * time.Millisecond
}

// MaxAge returns the lifetime cutoff as a duration.
func (c Configuration) MaxAge() time.Duration {
	return time.Duration(c.MaxDuration) * time.Millisecond
}

// HibernateIdle returns the hibernate cutoff as a duration.
func (c Configuration) HibernateIdle() time.Duration {
	return time.Duration(c.HibernateAfter) * time.Millisecond
}

// ResourceSpec tracks one resource kind. allocated and limit are capacity
// reservations; usage is advisory telemetry. Invariant: allocated <= limit.
type ResourceSpec struct {
	Allocated float64 `json:"allocated"`
	Limit     float64 `json:"limit"`
	Usage     float64 `json:"usage"`
	Throttled bool    `json:"throttled"`
}

// ResourceAllocation groups the per-kind specs. CPU is in vCPUs, memory and
// disk in MiB, network in Mbps.
type ResourceAllocation struct {
	CPU     ResourceSpec  `json:"cpu"`
	Memory  ResourceSpec  `json:"memory"`
	Disk    ResourceSpec  `json:"disk"`
	Network ResourceSpec  `json:"network"`
	GPU     *ResourceSpec `json:"gpu,omitempty"`
}

// ConnectionStatus is the state of one transport attachment.
type ConnectionStatus string

const (
	ConnectionActive ConnectionStatus = "active"
	ConnectionIdle   ConnectionStatus = "idle"
	ConnectionClosed ConnectionStatus = "closed"
)

// SessionConnection records one live or closed transport attachment.
// Closed records are retained for history, never deleted in place.
type SessionConnection struct {
	ID               string           `json:"id"`
	Type             string           `json:"type"`
	ClientIP         string           `json:"clientIp"`
	ConnectedAt      time.Time        `json:"connectedAt"`
	LastActivity     time.Time        `json:"lastActivity"`
	BytesTransferred int64            `json:"bytesTransferred"`
	Status           ConnectionStatus `json:"status"`
	ClosedAt         *time.Time       `json:"closedAt,omitempty"`
}

// RestorePoint identifies the most recent checkpoint for a session.
type RestorePoint struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"sizeBytes"`
	Checksum  string    `json:"checksum"`
}

// SessionPersistence describes checkpointing policy and state.
type SessionPersistence struct {
	Enabled          bool          `json:"enabled"`
	SnapshotInterval int64         `json:"snapshotInterval"`
	Retention        int           `json:"retention"`
	LastSnapshot     *time.Time    `json:"lastSnapshot,omitempty"`
	RestorePoint     *RestorePoint `json:"restorePoint,omitempty"`
}

// Interval returns the snapshot interval as a duration.
func (p SessionPersistence) Interval() time.Duration {
	return time.Duration(p.SnapshotInterval) * time.Millisecond
}

// AutoScalingConfig is the per-session scaling policy. Thresholds and
// targets are utilization percentages of the cpu allocation.
type AutoScalingConfig struct {
	Enabled                 bool    `json:"enabled"`
	MinReplicas             int     `json:"minReplicas"`
	MaxReplicas             int     `json:"maxReplicas"`
	CurrentReplicas         int     `json:"currentReplicas"`
	ScaleUpThreshold        float64 `json:"scaleUpThreshold"`
	ScaleDownThreshold      float64 `json:"scaleDownThreshold"`
	TargetCPUUtilization    float64 `json:"targetCpuUtilization"`
	TargetMemoryUtilization float64 `json:"targetMemoryUtilization"`
	CooldownPeriod          int64   `json:"cooldownPeriod"`
}

// Cooldown returns the cooldown window as a duration.
func (a AutoScalingConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownPeriod) * time.Millisecond
}

// SessionMetrics holds counters and derived telemetry. These fields are
// written only by the controller and scheduler, never by external callers.
type SessionMetrics struct {
	ActiveConnections int     `json:"activeConnections"`
	TotalRequests     int64   `json:"totalRequests"`
	BytesTransferred  int64   `json:"bytesTransferred"`
	Throughput        float64 `json:"throughput"`
	AvgLatencyMs      float64 `json:"avgLatencyMs"`
	P95LatencyMs      float64 `json:"p95LatencyMs"`
	UptimeMs          int64   `json:"uptimeMs"`
	AccruedCost       float64 `json:"accruedCost"`
	Availability      float64 `json:"availability"`
}

// SecurityDescriptor carries isolation hints passed through to the runtime.
// Authorization itself is an external collaborator's responsibility.
type SecurityDescriptor struct {
	IsolationLevel   string `json:"isolationLevel"`
	EncryptedStorage bool   `json:"encryptedStorage"`
	AuditLogging     bool   `json:"auditLogging"`
}

// EventSeverity grades session events.
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// SessionEvent is one append-only audit entry in the session's event log.
type SessionEvent struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	Severity    EventSeverity     `json:"severity"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AppendEvent adds an event and drops the oldest entries beyond MaxEvents.
func (s *Session) AppendEvent(event SessionEvent) {
	s.Events = append(s.Events, event)
	if len(s.Events) > MaxEvents {
		s.Events = s.Events[len(s.Events)-MaxEvents:]
	}
}

// LastEventOfType returns the newest event with the given type, if any.
func (s *Session) LastEventOfType(eventType string) *SessionEvent {
	for i := len(s.Events) - 1; i >= 0; i-- {
		if s.Events[i].Type == eventType {
			return &s.Events[i]
		}
	}
	return nil
}

// ActiveConnectionCount counts connections not yet closed.
func (s *Session) ActiveConnectionCount() int {
	count := 0
	for _, conn := range s.Connections {
		if conn.Status != ConnectionClosed {
			count++
		}
	}
	return count
}

// View returns a sanitized copy for external callers: connections and
// events are truncated to the newest ViewTailLimit entries.
func (s Session) View() Session {
	view := s
	view.Connections = tailConnections(s.Connections, ViewTailLimit)
	view.Events = tailEvents(s.Events, ViewTailLimit)
	return view
}

func tailConnections(list []SessionConnection, n int) []SessionConnection {
	if len(list) <= n {
		return append([]SessionConnection(nil), list...)
	}
	return append([]SessionConnection(nil), list[len(list)-n:]...)
}

func tailEvents(list []SessionEvent, n int) []SessionEvent {
	if len(list) <= n {
		return append([]SessionEvent(nil), list...)
	}
	return append([]SessionEvent(nil), list[len(list)-n:]...)
}
