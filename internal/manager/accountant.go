package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pitchey/sessiond/internal/models"
	"github.com/pitchey/sessiond/internal/runtime"
)

// CapacityLimits caps aggregate reservations across all sessions. Zero
// values mean unlimited; the looser behavior is the default.
type CapacityLimits struct {
	MaxTotalCPU       float64
	MaxTotalMemoryMiB float64
	MaxTotalDiskMiB   float64
}

// UsageSample is one telemetry reading recorded against a session's
// allocation. Values follow the units of ResourceAllocation.
type UsageSample struct {
	CPU       float64
	MemoryMiB float64
	DiskMiB   float64
	NetMbps   float64
}

// ResourceAccountant is the sole writer of session resource allocations.
// It reserves capacity against the runtime, keeps the allocated<=limit
// invariant, and tracks aggregate reservations for optional fleet ceilings.
type ResourceAccountant struct {
	backend runtime.Backend
	logger  *log.Logger
	metrics *Metrics
	limits  CapacityLimits

	mu       sync.Mutex
	reserved map[string]models.ResourceAllocation
}

// NewResourceAccountant builds an accountant with defaults.
func NewResourceAccountant(backend runtime.Backend, logger *log.Logger) *ResourceAccountant {
	if logger == nil {
		logger = log.Default()
	}
	return &ResourceAccountant{
		backend:  backend,
		logger:   logger,
		reserved: make(map[string]models.ResourceAllocation),
	}
}

// WithLimits sets optional aggregate capacity ceilings.
func (a *ResourceAccountant) WithLimits(limits CapacityLimits) *ResourceAccountant {
	if a == nil {
		return a
	}
	a.limits = limits
	return a
}

// WithMetrics wires optional Prometheus metrics.
func (a *ResourceAccountant) WithMetrics(metrics *Metrics) *ResourceAccountant {
	if a == nil {
		return a
	}
	a.metrics = metrics
	return a
}

// Allocate reserves the session's requested resources. Requests falling
// back to defaults where the caller supplied nothing, validates the
// allocated<=limit invariant, checks fleet ceilings, and asks the runtime
// for capacity. On runtime rejection nothing stays reserved.
func (a *ResourceAccountant) Allocate(ctx context.Context, session *models.Session) error {
	if a == nil {
		return errors.New("resource accountant not configured")
	}
	applyResourceDefaults(&session.Resources)
	if err := validateAllocation(session.Resources); err != nil {
		return err
	}

	a.mu.Lock()
	if _, ok := a.reserved[session.ID]; ok {
		// Already reserved (resume after a partial failure); treat as
		// re-reservation of the same amounts.
		delete(a.reserved, session.ID)
	}
	if err := a.checkCeilingsLocked(session.Resources); err != nil {
		a.mu.Unlock()
		return err
	}
	a.reserved[session.ID] = session.Resources
	a.mu.Unlock()

	if a.backend != nil {
		if err := a.backend.AllocateResources(ctx, *session); err != nil {
			a.mu.Lock()
			delete(a.reserved, session.ID)
			a.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
	}
	a.recordGauges()
	return nil
}

// Release frees the session's reservation. Safe to call when nothing is
// reserved.
func (a *ResourceAccountant) Release(ctx context.Context, session *models.Session) error {
	if a == nil {
		return errors.New("resource accountant not configured")
	}
	a.mu.Lock()
	_, held := a.reserved[session.ID]
	delete(a.reserved, session.ID)
	a.mu.Unlock()
	if !held {
		return nil
	}
	if a.backend != nil {
		if err := a.backend.ReleaseResources(ctx, *session); err != nil {
			a.logger.Printf("accountant: release session=%s: %v", session.ID, err)
		}
	}
	a.recordGauges()
	return nil
}

// RecordUsage applies a telemetry sample to the session's allocation and
// flags per-kind throttling when usage exceeds the limit. Usage is
// advisory; capacity enforcement stays with the runtime.
func (a *ResourceAccountant) RecordUsage(session *models.Session, sample UsageSample) error {
	if a == nil {
		return errors.New("resource accountant not configured")
	}
	if sample.CPU < 0 || sample.MemoryMiB < 0 || sample.DiskMiB < 0 || sample.NetMbps < 0 {
		return fmt.Errorf("%w: usage sample must be non-negative", ErrValidation)
	}
	applyUsage(&session.Resources.CPU, sample.CPU)
	applyUsage(&session.Resources.Memory, sample.MemoryMiB)
	applyUsage(&session.Resources.Disk, sample.DiskMiB)
	applyUsage(&session.Resources.Network, sample.NetMbps)
	return validateAllocation(session.Resources)
}

// UpdateAllocation applies a caller-requested resource change, enforcing
// the invariant before the reservation is swapped.
func (a *ResourceAccountant) UpdateAllocation(ctx context.Context, session *models.Session, patch *models.ResourcesPatch) error {
	if a == nil {
		return errors.New("resource accountant not configured")
	}
	if patch == nil {
		return nil
	}
	next := session.Resources
	applyResourcePatch(&next, patch)
	if err := validateAllocation(next); err != nil {
		return err
	}

	a.mu.Lock()
	prev, held := a.reserved[session.ID]
	if held {
		delete(a.reserved, session.ID)
	}
	if err := a.checkCeilingsLocked(next); err != nil {
		if held {
			a.reserved[session.ID] = prev
		}
		a.mu.Unlock()
		return err
	}
	if held {
		a.reserved[session.ID] = next
	}
	a.mu.Unlock()

	session.Resources = next
	a.recordGauges()
	return nil
}

// ReservedTotals reports the aggregate reservation across sessions.
func (a *ResourceAccountant) ReservedTotals() (cpu, memory, disk float64) {
	if a == nil {
		return 0, 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, alloc := range a.reserved {
		cpu += alloc.CPU.Allocated
		memory += alloc.Memory.Allocated
		disk += alloc.Disk.Allocated
	}
	return cpu, memory, disk
}

func (a *ResourceAccountant) checkCeilingsLocked(alloc models.ResourceAllocation) error {
	if a.limits.MaxTotalCPU <= 0 && a.limits.MaxTotalMemoryMiB <= 0 && a.limits.MaxTotalDiskMiB <= 0 {
		return nil
	}
	var cpu, memory, disk float64
	for _, held := range a.reserved {
		cpu += held.CPU.Allocated
		memory += held.Memory.Allocated
		disk += held.Disk.Allocated
	}
	if a.limits.MaxTotalCPU > 0 && cpu+alloc.CPU.Allocated > a.limits.MaxTotalCPU {
		return fmt.Errorf("%w: cpu ceiling %.1f exceeded", ErrResourceExhausted, a.limits.MaxTotalCPU)
	}
	if a.limits.MaxTotalMemoryMiB > 0 && memory+alloc.Memory.Allocated > a.limits.MaxTotalMemoryMiB {
		return fmt.Errorf("%w: memory ceiling %.0fMiB exceeded", ErrResourceExhausted, a.limits.MaxTotalMemoryMiB)
	}
	if a.limits.MaxTotalDiskMiB > 0 && disk+alloc.Disk.Allocated > a.limits.MaxTotalDiskMiB {
		return fmt.Errorf("%w: disk ceiling %.0fMiB exceeded", ErrResourceExhausted, a.limits.MaxTotalDiskMiB)
	}
	return nil
}

func (a *ResourceAccountant) recordGauges() {
	if a.metrics == nil {
		return
	}
	cpu, memory, disk := a.ReservedTotals()
	a.metrics.SetReservedResources(cpu, memory, disk)
}

func applyUsage(spec *models.ResourceSpec, usage float64) {
	spec.Usage = usage
	spec.Throttled = usage > spec.Limit
}

func applyResourceDefaults(alloc *models.ResourceAllocation) {
	defaults := models.DefaultResources()
	fillSpec(&alloc.CPU, defaults.CPU)
	fillSpec(&alloc.Memory, defaults.Memory)
	fillSpec(&alloc.Disk, defaults.Disk)
	fillSpec(&alloc.Network, defaults.Network)
}

func fillSpec(spec *models.ResourceSpec, fallback models.ResourceSpec) {
	if spec.Allocated <= 0 {
		spec.Allocated = fallback.Allocated
	}
	if spec.Limit <= 0 {
		spec.Limit = fallback.Limit
	}
}

func applyResourcePatch(alloc *models.ResourceAllocation, patch *models.ResourcesPatch) {
	if patch.CPU != nil {
		replaceSpec(&alloc.CPU, *patch.CPU)
	}
	if patch.Memory != nil {
		replaceSpec(&alloc.Memory, *patch.Memory)
	}
	if patch.Disk != nil {
		replaceSpec(&alloc.Disk, *patch.Disk)
	}
	if patch.Network != nil {
		replaceSpec(&alloc.Network, *patch.Network)
	}
	if patch.GPU != nil {
		gpu := models.ResourceSpec{Allocated: patch.GPU.Allocated, Limit: patch.GPU.Limit}
		alloc.GPU = &gpu
	}
}

func replaceSpec(spec *models.ResourceSpec, request models.ResourceSpec) {
	// Usage and throttled stay with the accountant's telemetry, only the
	// reservation changes.
	if request.Allocated > 0 {
		spec.Allocated = request.Allocated
	}
	if request.Limit > 0 {
		spec.Limit = request.Limit
	}
	spec.Throttled = spec.Usage > spec.Limit
}

func validateAllocation(alloc models.ResourceAllocation) error {
	kinds := map[string]models.ResourceSpec{
		"cpu":     alloc.CPU,
		"memory":  alloc.Memory,
		"disk":    alloc.Disk,
		"network": alloc.Network,
	}
	if alloc.GPU != nil {
		kinds["gpu"] = *alloc.GPU
	}
	for kind, spec := range kinds {
		if spec.Allocated < 0 || spec.Limit < 0 {
			return fmt.Errorf("%w: %s allocation must be non-negative", ErrValidation, kind)
		}
		if spec.Allocated > spec.Limit {
			return fmt.Errorf("%w: %s allocated %.2f exceeds limit %.2f", ErrValidation, kind, spec.Allocated, spec.Limit)
		}
	}
	return nil
}
