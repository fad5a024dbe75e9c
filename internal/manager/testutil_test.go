package manager

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pitchey/sessiond/internal/models"
	"github.com/pitchey/sessiond/internal/runtime"
	"github.com/pitchey/sessiond/internal/store"
)

// fakeClock is a manually advanced time source shared by every component
// in a test environment.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// testEnv wires a controller against a temp-dir store and a fake runtime.
type testEnv struct {
	store      *store.Store
	backend    *runtime.FakeBackend
	accountant *ResourceAccountant
	scaler     *AutoScaler
	snapshots  *SnapshotManager
	controller *SessionLifecycleController
	clock      *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := newFakeClock()
	backend := runtime.NewFakeBackend()
	accountant := NewResourceAccountant(backend, logger)
	scaler := NewAutoScaler(backend, logger)
	scaler.now = clock.Now
	snapshots, err := NewSnapshotManager(filepath.Join(dir, "snapshots"), logger)
	if err != nil {
		t.Fatalf("snapshot manager: %v", err)
	}
	snapshots.now = clock.Now

	controller := NewController(st, backend, accountant, scaler, snapshots, logger).
		WithMonitorInterval(time.Hour)
	controller.now = clock.Now
	t.Cleanup(controller.Shutdown)

	return &testEnv{
		store:      st,
		backend:    backend,
		accountant: accountant,
		scaler:     scaler,
		snapshots:  snapshots,
		controller: controller,
		clock:      clock,
	}
}

func (env *testEnv) createSession(t *testing.T, spec CreateSpec) models.Session {
	t.Helper()
	if spec.UserID == "" {
		spec.UserID = "user-1"
	}
	session, err := env.controller.CreateSession(context.Background(), spec)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func (env *testEnv) mustGet(t *testing.T, id string) models.Session {
	t.Helper()
	session, err := env.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return session
}
