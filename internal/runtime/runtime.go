// Package runtime defines the container runtime collaborator contract.
//
// sessiond does not start real workloads; it delegates capacity checks,
// container initialization, and replica management to a Backend. The
// production default is StubBackend, which accepts every request and logs
// it, until a real runtime is wired in.
package runtime

import (
	"context"
	"errors"
	"log"

	"github.com/pitchey/sessiond/internal/models"
)

var (
	// ErrCapacity is returned when the runtime cannot satisfy a resource
	// reservation.
	ErrCapacity = errors.New("runtime capacity exhausted")
	// ErrInit is returned when container initialization fails.
	ErrInit = errors.New("container initialization failed")
)

// Backend is the call contract with the external container runtime.
//
// Inputs are the session spec; outputs are success or failure. What the
// controller does with each outcome is its own concern: allocation or init
// failure is terminal for that create attempt, replica errors surface to
// the caller of scale.
type Backend interface {
	// AllocateResources reserves capacity for the session's requested
	// allocation. Returns ErrCapacity when the reservation cannot be met.
	AllocateResources(ctx context.Context, session models.Session) error

	// ReleaseResources frees a prior reservation. Releasing a session with
	// no reservation is a no-op.
	ReleaseResources(ctx context.Context, session models.Session) error

	// InitializeContainer boots the workload for the session. Returns
	// ErrInit on failure.
	InitializeContainer(ctx context.Context, session models.Session) error

	// DestroyContainer tears down the workload. Idempotent.
	DestroyContainer(ctx context.Context, session models.Session) error

	// AddReplica scales the session's container group up by one.
	AddReplica(ctx context.Context, session models.Session) error

	// RemoveReplica scales the session's container group down by one.
	RemoveReplica(ctx context.Context, session models.Session) error
}

// StubBackend logs every call and succeeds. It stands in for the real
// runtime so the lifecycle manager can run end to end without one.
type StubBackend struct {
	Logger *log.Logger
}

func (b *StubBackend) logf(format string, args ...any) {
	logger := b.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}

func (b *StubBackend) AllocateResources(_ context.Context, session models.Session) error {
	b.logf("runtime: allocate session=%s cpu=%.1f mem=%.0fMiB disk=%.0fMiB",
		session.ID, session.Resources.CPU.Allocated, session.Resources.Memory.Allocated, session.Resources.Disk.Allocated)
	return nil
}

func (b *StubBackend) ReleaseResources(_ context.Context, session models.Session) error {
	b.logf("runtime: release session=%s", session.ID)
	return nil
}

func (b *StubBackend) InitializeContainer(_ context.Context, session models.Session) error {
	b.logf("runtime: init container=%s session=%s type=%s", session.ContainerID, session.ID, session.SessionType)
	return nil
}

func (b *StubBackend) DestroyContainer(_ context.Context, session models.Session) error {
	b.logf("runtime: destroy container=%s session=%s", session.ContainerID, session.ID)
	return nil
}

func (b *StubBackend) AddReplica(_ context.Context, session models.Session) error {
	b.logf("runtime: add replica session=%s replicas=%d", session.ID, session.Scaling.CurrentReplicas)
	return nil
}

func (b *StubBackend) RemoveReplica(_ context.Context, session models.Session) error {
	b.logf("runtime: remove replica session=%s replicas=%d", session.ID, session.Scaling.CurrentReplicas)
	return nil
}
