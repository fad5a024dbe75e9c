package manager

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/pitchey/sessiond/internal/models"
	"github.com/pitchey/sessiond/internal/runtime"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestAllocateAppliesDefaults(t *testing.T) {
	backend := runtime.NewFakeBackend()
	acct := NewResourceAccountant(backend, testLogger())
	session := models.Session{ID: "sess_1"}

	if err := acct.Allocate(context.Background(), &session); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if session.Resources.CPU.Allocated != 1 || session.Resources.CPU.Limit != 2 {
		t.Fatalf("cpu = %+v", session.Resources.CPU)
	}
	if session.Resources.Memory.Allocated != 1024 || session.Resources.Memory.Limit != 2048 {
		t.Fatalf("memory = %+v", session.Resources.Memory)
	}
	if !backend.HasAllocation("sess_1") {
		t.Fatal("backend should hold the reservation")
	}
}

func TestAllocateRejectsAllocatedAboveLimit(t *testing.T) {
	acct := NewResourceAccountant(runtime.NewFakeBackend(), testLogger())
	session := models.Session{ID: "sess_1"}
	session.Resources.CPU = models.ResourceSpec{Allocated: 4, Limit: 2}

	err := acct.Allocate(context.Background(), &session)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestAllocateBackendFailureLeavesNothingReserved(t *testing.T) {
	backend := runtime.NewFakeBackend()
	backend.AllocateErr = runtime.ErrCapacity
	acct := NewResourceAccountant(backend, testLogger())
	session := models.Session{ID: "sess_1"}

	err := acct.Allocate(context.Background(), &session)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
	cpu, memory, disk := acct.ReservedTotals()
	if cpu != 0 || memory != 0 || disk != 0 {
		t.Fatalf("reservation leaked: cpu=%v memory=%v disk=%v", cpu, memory, disk)
	}
}

func TestAllocateEnforcesFleetCeilings(t *testing.T) {
	acct := NewResourceAccountant(runtime.NewFakeBackend(), testLogger()).
		WithLimits(CapacityLimits{MaxTotalCPU: 1.5})
	ctx := context.Background()

	first := models.Session{ID: "sess_1"}
	if err := acct.Allocate(ctx, &first); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}

	second := models.Session{ID: "sess_2"}
	err := acct.Allocate(ctx, &second)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}

	cpu, _, _ := acct.ReservedTotals()
	if cpu != 1 {
		t.Fatalf("reserved cpu = %v, want 1", cpu)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	backend := runtime.NewFakeBackend()
	acct := NewResourceAccountant(backend, testLogger())
	ctx := context.Background()
	session := models.Session{ID: "sess_1"}

	if err := acct.Allocate(ctx, &session); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := acct.Release(ctx, &session); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := acct.Release(ctx, &session); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if backend.ReleaseCalls != 1 {
		t.Fatalf("ReleaseCalls = %d, want 1", backend.ReleaseCalls)
	}
}

func TestRecordUsageFlagsThrottling(t *testing.T) {
	acct := NewResourceAccountant(runtime.NewFakeBackend(), testLogger())
	session := models.Session{ID: "sess_1", Resources: models.DefaultResources()}

	err := acct.RecordUsage(&session, UsageSample{CPU: 2.5, MemoryMiB: 512, DiskMiB: 100, NetMbps: 10})
	if err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if !session.Resources.CPU.Throttled {
		t.Fatal("cpu should be throttled above its limit")
	}
	if session.Resources.Memory.Throttled {
		t.Fatal("memory should not be throttled")
	}
	if session.Resources.CPU.Usage != 2.5 {
		t.Fatalf("cpu usage = %v", session.Resources.CPU.Usage)
	}
}

func TestRecordUsageRejectsNegativeSamples(t *testing.T) {
	acct := NewResourceAccountant(runtime.NewFakeBackend(), testLogger())
	session := models.Session{ID: "sess_1", Resources: models.DefaultResources()}

	err := acct.RecordUsage(&session, UsageSample{CPU: -1})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestUpdateAllocationSwapsReservation(t *testing.T) {
	acct := NewResourceAccountant(runtime.NewFakeBackend(), testLogger())
	ctx := context.Background()
	session := models.Session{ID: "sess_1"}
	if err := acct.Allocate(ctx, &session); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	patch := &models.ResourcesPatch{CPU: &models.ResourceSpec{Allocated: 2, Limit: 4}}
	if err := acct.UpdateAllocation(ctx, &session, patch); err != nil {
		t.Fatalf("UpdateAllocation: %v", err)
	}
	if session.Resources.CPU.Allocated != 2 || session.Resources.CPU.Limit != 4 {
		t.Fatalf("cpu = %+v", session.Resources.CPU)
	}
	cpu, _, _ := acct.ReservedTotals()
	if cpu != 2 {
		t.Fatalf("reserved cpu = %v, want 2", cpu)
	}
}

func TestUpdateAllocationRejectsInvariantViolation(t *testing.T) {
	acct := NewResourceAccountant(runtime.NewFakeBackend(), testLogger())
	ctx := context.Background()
	session := models.Session{ID: "sess_1"}
	if err := acct.Allocate(ctx, &session); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	patch := &models.ResourcesPatch{Memory: &models.ResourceSpec{Allocated: 8192, Limit: 4096}}
	err := acct.UpdateAllocation(ctx, &session, patch)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	// Reservation must be unchanged after the rejected update.
	_, memory, _ := acct.ReservedTotals()
	if memory != 1024 {
		t.Fatalf("reserved memory = %v, want 1024", memory)
	}
}
