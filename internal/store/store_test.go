package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pitchey/sessiond/internal/models"
)

// openTestStore creates a test database in a temporary directory. The
// database is closed when the test completes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testSession(id string) models.Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.Session{
		ID:            id,
		UserID:        "user-1",
		ContainerID:   "ctr_abc",
		SessionType:   models.SessionInteractive,
		Status:        models.StatusActive,
		CreatedAt:     now,
		LastActivity:  now,
		Configuration: models.DefaultConfiguration(),
		Resources:     models.DefaultResources(),
		Scaling:       models.DefaultScaling(),
		Persistence:   models.DefaultPersistence(true),
		Security:      models.DefaultSecurity(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	session := testSession("sess_1")
	require.NoError(t, store.Put(ctx, session))

	got, err := store.Get(ctx, "sess_1")
	require.NoError(t, err)
	require.Equal(t, session.ID, got.ID)
	require.Equal(t, session.UserID, got.UserID)
	require.Equal(t, models.StatusActive, got.Status)
	require.Equal(t, int64(1800000), got.Configuration.MaxIdleTime)
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get(context.Background(), "sess_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutOverwritesExisting(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	session := testSession("sess_1")
	require.NoError(t, store.Put(ctx, session))

	session.Status = models.StatusHibernating
	require.NoError(t, store.Put(ctx, session))

	got, err := store.Get(ctx, "sess_1")
	require.NoError(t, err)
	require.Equal(t, models.StatusHibernating, got.Status)
	require.Equal(t, 1, store.Count())
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testSession("sess_1")))
	require.NoError(t, store.Delete(ctx, "sess_1"))
	require.NoError(t, store.Delete(ctx, "sess_1"))

	_, err := store.Get(ctx, "sess_1")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 0, store.Count())
}

func TestListReturnsAllSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testSession("sess_1")))
	require.NoError(t, store.Put(ctx, testSession("sess_2")))
	require.NoError(t, store.Put(ctx, testSession("sess_3")))

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
}

func TestReopenWarmsCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	ctx := context.Background()

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, testSession("sess_1")))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	require.Equal(t, 1, second.Count())
	got, err := second.Get(ctx, "sess_1")
	require.NoError(t, err)
	require.Equal(t, "user-1", got.UserID)
}

func TestCloseNilStore(t *testing.T) {
	var store *Store
	require.NoError(t, store.Close())
}
