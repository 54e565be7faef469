package collections

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anfivewer/an5wer-sub001/internal/storage"
	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

// fakeClock is a settable time source shared by cursor and phantom tables.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStoreWith(t *testing.T, engine storage.Engine, opts Options) *Store {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, engine.Init(ctx))
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	store, err := Open(ctx, engine, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreWith(t, storage.NewMemoryEngine(), Options{})
}

func strPtr(s string) *string {
	return &s
}

func requireKind(t *testing.T, err error, kind storeerr.Kind) {
	t.Helper()
	require.Error(t, err)
	got, ok := storeerr.KindOf(err)
	require.True(t, ok, "expected store error, got %v", err)
	require.Equal(t, kind, got, "error: %v", err)
}

func createAuto(t *testing.T, s *Store, name string) {
	t.Helper()
	_, err := s.CreateCollection(context.Background(), CreateCollectionOptions{Name: name, Policy: CommitAuto})
	require.NoError(t, err)
}

func createManual(t *testing.T, s *Store, name, initial string) {
	t.Helper()
	_, err := s.CreateCollection(context.Background(), CreateCollectionOptions{
		Name:                name,
		Policy:              CommitManual,
		InitialGenerationID: &initial,
	})
	require.NoError(t, err)
}

// itemMap flattens a page into key -> value, "<nil>" for tombstones.
func itemMap(page Page) map[string]string {
	out := map[string]string{}
	for _, item := range page.Items {
		if item.Value == nil {
			out[item.Key] = "<nil>"
			continue
		}
		out[item.Key] = *item.Value
	}
	return out
}

func TestEventsScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createAuto(t, s, "events")

	g1, err := s.Put(ctx, "events", "k1", strPtr("v1"))
	require.NoError(t, err)

	page, err := s.Query(ctx, "events", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, g1, page.GenerationID)
	require.Equal(t, []Item{{Key: "k1", Value: strPtr("v1"), GenerationID: g1}}, page.Items)
	require.Empty(t, page.CursorID)

	g2, err := s.Put(ctx, "events", "k1", nil)
	require.NoError(t, err)
	require.NotEqual(t, g1, g2)

	page, err = s.Query(ctx, "events", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, g2, page.GenerationID)
	require.Empty(t, page.Items)

	page, err = s.Query(ctx, "events", QueryOptions{GenerationID: &g1})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"k1": "v1"}, itemMap(page))
}

func TestCollectionCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	createAuto(t, s, "zeta")
	createManual(t, s, "alpha", "100")
	createAuto(t, s, "mid")

	_, err := s.CreateCollection(ctx, CreateCollectionOptions{Name: "alpha", Policy: CommitAuto})
	requireKind(t, err, storeerr.KindCollectionAlreadyExists)
	_, err = s.CreateCollection(ctx, CreateCollectionOptions{Name: "nogen", Policy: CommitManual})
	requireKind(t, err, storeerr.KindInvalidArgument)

	names, err := s.ListCollections(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"zeta", "alpha", "mid"}, names)

	c, err := s.GetCollection(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, c.IsManual())
	require.Equal(t, "100", c.GenerationID)
	require.Nil(t, c.NextGenerationID)

	c, err = s.GetCollection(ctx, "zeta")
	require.NoError(t, err)
	require.False(t, c.IsManual())
	require.Equal(t, "0", c.GenerationID)

	require.NoError(t, s.DeleteCollection(ctx, "zeta"))
	_, err = s.GetCollection(ctx, "zeta")
	requireKind(t, err, storeerr.KindNoSuchCollection)
	requireKind(t, s.DeleteCollection(ctx, "zeta"), storeerr.KindNoSuchCollection)

	names, err = s.ListCollections(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mid"}, names)
}

func TestStoreReopensFromEngine(t *testing.T) {
	ctx := context.Background()
	engine := storage.NewMemoryEngine()
	s := newTestStoreWith(t, engine, Options{})
	createManual(t, s, "m", "1")
	createAuto(t, s, "a")
	require.NoError(t, s.StartNextGeneration(ctx, "m", "2"))
	_, err := s.Put(ctx, "m", "k", strPtr("v"))
	require.NoError(t, err)

	reopened, err := Open(ctx, engine, Options{Logger: quietLogger()})
	require.NoError(t, err)
	c, err := reopened.GetCollection(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, strPtr("2"), c.NextGenerationID)
	require.Equal(t, []string{"k"}, c.NextGenerationKeys)

	createAuto(t, reopened, "b")
	names, err := reopened.ListCollections(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"m", "a", "b"}, names)
}
