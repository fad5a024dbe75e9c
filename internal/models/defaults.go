package models

// Creation defaults. Caller overrides are merged shallowly per top-level
// field; anything not supplied keeps the values below.

// DefaultConfiguration returns the immutable configuration defaults.
func DefaultConfiguration() Configuration {
	return Configuration{
		MaxIdleTime:              1800000,  // 30m
		MaxDuration:              86400000, // 24h
		AutoHibernate:            true,
		HibernateAfter:           3600000, // 1h
		AutoScale:                false,
		PersistData:              true,
		AllowMultipleConnections: true,
		NetworkPolicy:            "restricted",
	}
}

// DefaultResources returns the default resource reservations:
// 1/2 vCPU, 1/2 GiB memory, 10/50 GiB disk, 100/1000 Mbps network.
func DefaultResources() ResourceAllocation {
	return ResourceAllocation{
		CPU:     ResourceSpec{Allocated: 1, Limit: 2},
		Memory:  ResourceSpec{Allocated: 1024, Limit: 2048},
		Disk:    ResourceSpec{Allocated: 10240, Limit: 51200},
		Network: ResourceSpec{Allocated: 100, Limit: 1000},
	}
}

// DefaultScaling returns the default auto-scaling policy (disabled).
func DefaultScaling() AutoScalingConfig {
	return AutoScalingConfig{
		Enabled:                 false,
		MinReplicas:             1,
		MaxReplicas:             3,
		CurrentReplicas:         1,
		ScaleUpThreshold:        80,
		ScaleDownThreshold:      30,
		TargetCPUUtilization:    60,
		TargetMemoryUtilization: 70,
		CooldownPeriod:          300000, // 5m
	}
}

// DefaultPersistence returns the default checkpoint policy. Whether
// checkpointing is on follows the configuration's persistData flag.
func DefaultPersistence(enabled bool) SessionPersistence {
	return SessionPersistence{
		Enabled:          enabled,
		SnapshotInterval: 3600000, // 1h
		Retention:        5,
	}
}

// DefaultSecurity returns the default security descriptor.
func DefaultSecurity() SecurityDescriptor {
	return SecurityDescriptor{
		IsolationLevel:   "standard",
		EncryptedStorage: false,
		AuditLogging:     true,
	}
}

// ConfigurationPatch carries caller-supplied configuration overrides.
// Nil fields keep the current value.
type ConfigurationPatch struct {
	MaxIdleTime              *int64            `json:"maxIdleTime,omitempty"`
	MaxDuration              *int64            `json:"maxDuration,omitempty"`
	AutoHibernate            *bool             `json:"autoHibernate,omitempty"`
	HibernateAfter           *int64            `json:"hibernateAfter,omitempty"`
	AutoScale                *bool             `json:"autoScale,omitempty"`
	PersistData              *bool             `json:"persistData,omitempty"`
	AllowMultipleConnections *bool             `json:"allowMultipleConnections,omitempty"`
	Environment              map[string]string `json:"environment,omitempty"`
	Ports                    []int             `json:"ports,omitempty"`
	Volumes                  []string          `json:"volumes,omitempty"`
	NetworkPolicy            *string           `json:"networkPolicy,omitempty"`
}

// Apply merges the patch into cfg, shallow per top-level field.
func (p *ConfigurationPatch) Apply(cfg *Configuration) {
	if p == nil {
		return
	}
	if p.MaxIdleTime != nil {
		cfg.MaxIdleTime = *p.MaxIdleTime
	}
	if p.MaxDuration != nil {
		cfg.MaxDuration = *p.MaxDuration
	}
	if p.AutoHibernate != nil {
		cfg.AutoHibernate = *p.AutoHibernate
	}
	if p.HibernateAfter != nil {
		cfg.HibernateAfter = *p.HibernateAfter
	}
	if p.AutoScale != nil {
		cfg.AutoScale = *p.AutoScale
	}
	if p.PersistData != nil {
		cfg.PersistData = *p.PersistData
	}
	if p.AllowMultipleConnections != nil {
		cfg.AllowMultipleConnections = *p.AllowMultipleConnections
	}
	if p.Environment != nil {
		cfg.Environment = p.Environment
	}
	if p.Ports != nil {
		cfg.Ports = p.Ports
	}
	if p.Volumes != nil {
		cfg.Volumes = p.Volumes
	}
	if p.NetworkPolicy != nil {
		cfg.NetworkPolicy = *p.NetworkPolicy
	}
}

// ResourcesPatch carries caller-supplied resource overrides. A non-nil
// kind replaces that kind's allocated/limit request wholesale; usage and
// throttled are owned by the accountant and ignored on input.
type ResourcesPatch struct {
	CPU     *ResourceSpec `json:"cpu,omitempty"`
	Memory  *ResourceSpec `json:"memory,omitempty"`
	Disk    *ResourceSpec `json:"disk,omitempty"`
	Network *ResourceSpec `json:"network,omitempty"`
	GPU     *ResourceSpec `json:"gpu,omitempty"`
}

// ScalingPatch carries caller-supplied scaling overrides.
type ScalingPatch struct {
	Enabled                 *bool    `json:"enabled,omitempty"`
	MinReplicas             *int     `json:"minReplicas,omitempty"`
	MaxReplicas             *int     `json:"maxReplicas,omitempty"`
	ScaleUpThreshold        *float64 `json:"scaleUpThreshold,omitempty"`
	ScaleDownThreshold      *float64 `json:"scaleDownThreshold,omitempty"`
	TargetCPUUtilization    *float64 `json:"targetCpuUtilization,omitempty"`
	TargetMemoryUtilization *float64 `json:"targetMemoryUtilization,omitempty"`
	CooldownPeriod          *int64   `json:"cooldownPeriod,omitempty"`
}

// Apply merges the patch into scaling.
func (p *ScalingPatch) Apply(scaling *AutoScalingConfig) {
	if p == nil {
		return
	}
	if p.Enabled != nil {
		scaling.Enabled = *p.Enabled
	}
	if p.MinReplicas != nil {
		scaling.MinReplicas = *p.MinReplicas
	}
	if p.MaxReplicas != nil {
		scaling.MaxReplicas = *p.MaxReplicas
	}
	if p.ScaleUpThreshold != nil {
		scaling.ScaleUpThreshold = *p.ScaleUpThreshold
	}
	if p.ScaleDownThreshold != nil {
		scaling.ScaleDownThreshold = *p.ScaleDownThreshold
	}
	if p.TargetCPUUtilization != nil {
		scaling.TargetCPUUtilization = *p.TargetCPUUtilization
	}
	if p.TargetMemoryUtilization != nil {
		scaling.TargetMemoryUtilization = *p.TargetMemoryUtilization
	}
	if p.CooldownPeriod != nil {
		scaling.CooldownPeriod = *p.CooldownPeriod
	}
}

// PersistencePatch carries caller-supplied checkpoint policy overrides.
type PersistencePatch struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	SnapshotInterval *int64 `json:"snapshotInterval,omitempty"`
	Retention        *int   `json:"retention,omitempty"`
}

// Apply merges the patch into persistence.
func (p *PersistencePatch) Apply(persistence *SessionPersistence) {
	if p == nil {
		return
	}
	if p.Enabled != nil {
		persistence.Enabled = *p.Enabled
	}
	if p.SnapshotInterval != nil {
		persistence.SnapshotInterval = *p.SnapshotInterval
	}
	if p.Retention != nil {
		persistence.Retention = *p.Retention
	}
}

// SecurityPatch carries caller-supplied security overrides.
type SecurityPatch struct {
	IsolationLevel   *string `json:"isolationLevel,omitempty"`
	EncryptedStorage *bool   `json:"encryptedStorage,omitempty"`
	AuditLogging     *bool   `json:"auditLogging,omitempty"`
}

// Apply merges the patch into security.
func (p *SecurityPatch) Apply(security *SecurityDescriptor) {
	if p == nil {
		return
	}
	if p.IsolationLevel != nil {
		security.IsolationLevel = *p.IsolationLevel
	}
	if p.EncryptedStorage != nil {
		security.EncryptedStorage = *p.EncryptedStorage
	}
	if p.AuditLogging != nil {
		security.AuditLogging = *p.AuditLogging
	}
}
