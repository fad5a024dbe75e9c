package runtime

import (
	"context"
	"sync"

	"github.com/pitchey/sessiond/internal/models"
)

// FakeBackend is an in-memory Backend for tests. Errors are injectable per
// call and every invocation is counted.
type FakeBackend struct {
	mu sync.Mutex

	AllocateErr error
	ReleaseErr  error
	InitErr     error
	DestroyErr  error
	AddErr      error
	RemoveErr   error

	AllocateCalls int
	ReleaseCalls  int
	InitCalls     int
	DestroyCalls  int
	AddCalls      int
	RemoveCalls   int

	// Allocated tracks which session ids currently hold a reservation.
	Allocated map[string]bool
}

// NewFakeBackend returns an empty fake.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{Allocated: make(map[string]bool)}
}

func (f *FakeBackend) AllocateResources(_ context.Context, session models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AllocateCalls++
	if f.AllocateErr != nil {
		return f.AllocateErr
	}
	f.Allocated[session.ID] = true
	return nil
}

func (f *FakeBackend) ReleaseResources(_ context.Context, session models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReleaseCalls++
	if f.ReleaseErr != nil {
		return f.ReleaseErr
	}
	delete(f.Allocated, session.ID)
	return nil
}

func (f *FakeBackend) InitializeContainer(_ context.Context, _ models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InitCalls++
	return f.InitErr
}

func (f *FakeBackend) DestroyContainer(_ context.Context, _ models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DestroyCalls++
	return f.DestroyErr
}

func (f *FakeBackend) AddReplica(_ context.Context, _ models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AddCalls++
	return f.AddErr
}

func (f *FakeBackend) RemoveReplica(_ context.Context, _ models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RemoveCalls++
	return f.RemoveErr
}

// HasAllocation reports whether the fake holds a reservation for id.
func (f *FakeBackend) HasAllocation(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Allocated[id]
}
