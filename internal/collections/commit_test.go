package collections

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anfivewer/an5wer-sub001/internal/generation"
	"github.com/anfivewer/an5wer-sub001/internal/storage"
	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

func TestManualCommitProtocol(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createManual(t, s, "m", "1")

	_, err := s.Put(ctx, "m", "k", strPtr("v"))
	requireKind(t, err, storeerr.KindCannotPutInManualCollection)
	requireKind(t, s.CommitGeneration(ctx, "m", "2"), storeerr.KindNextGenerationIsNotStarted)
	requireKind(t, s.AbortGeneration(ctx, "m"), storeerr.KindNextGenerationIsNotStarted)
	requireKind(t, s.StartNextGeneration(ctx, "m", "1"), storeerr.KindOutdatedGeneration)
	requireKind(t, s.StartNextGeneration(ctx, "m", "0"), storeerr.KindOutdatedGeneration)

	require.NoError(t, s.StartNextGeneration(ctx, "m", "2"))
	require.NoError(t, s.StartNextGeneration(ctx, "m", "2"))
	requireKind(t, s.StartNextGeneration(ctx, "m", "3"), storeerr.KindOutdatedGeneration)

	gen, err := s.PutItems(ctx, "m", []KeyValue{
		{Key: "a", Value: strPtr("a1")},
		{Key: "b", Value: strPtr("b1")},
		{Key: "a", Value: strPtr("a2")},
	})
	require.NoError(t, err)
	require.Equal(t, "2", gen)

	// Uncommitted writes are invisible.
	page, err := s.Query(ctx, "m", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, "1", page.GenerationID)
	require.Empty(t, page.Items)

	c, err := s.GetCollection(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, c.NextGenerationKeys)

	requireKind(t, s.CommitGeneration(ctx, "m", "3"), storeerr.KindOutdatedGeneration)
	require.NoError(t, s.CommitGeneration(ctx, "m", "2"))

	page, err = s.Query(ctx, "m", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, "2", page.GenerationID)
	require.Equal(t, map[string]string{"a": "a2", "b": "b1"}, itemMap(page))

	c, err = s.GetCollection(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, "2", c.GenerationID)
	require.Nil(t, c.NextGenerationID)
	require.Empty(t, c.NextGenerationKeys)
}

func TestAbortDiscardsOpenGeneration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createManual(t, s, "m", "1")

	require.NoError(t, s.StartNextGeneration(ctx, "m", "2"))
	_, err := s.Put(ctx, "m", "a", strPtr("a2"))
	require.NoError(t, err)
	require.NoError(t, s.CommitGeneration(ctx, "m", "2"))

	require.NoError(t, s.StartNextGeneration(ctx, "m", "3"))
	_, err = s.PutItems(ctx, "m", []KeyValue{{Key: "a", Value: nil}, {Key: "b", Value: strPtr("b3")}})
	require.NoError(t, err)
	require.NoError(t, s.AbortGeneration(ctx, "m"))

	c, err := s.GetCollection(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, "2", c.GenerationID)
	require.Nil(t, c.NextGenerationID)

	// Reusing the aborted id must not resurrect its writes.
	require.NoError(t, s.StartNextGeneration(ctx, "m", "3"))
	require.NoError(t, s.CommitGeneration(ctx, "m", "3"))
	page, err := s.Query(ctx, "m", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "a2"}, itemMap(page))
}

func TestFailedRecordWriteLeavesNoEntries(t *testing.T) {
	ctx := context.Background()
	engine := &flakyEngine{Engine: storage.NewMemoryEngine()}
	s := newTestStoreWith(t, engine, Options{})
	createAuto(t, s, "a")
	createManual(t, s, "m", "1")

	engine.failNextRecordWrites(1)
	_, err := s.Put(ctx, "a", "ghost", strPtr("boo"))
	require.ErrorContains(t, err, "write failed")
	gen, err := s.Put(ctx, "a", "real", strPtr("v"))
	require.NoError(t, err)
	require.Equal(t, "1", gen)

	page, err := s.Query(ctx, "a", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"real": "v"}, itemMap(page))

	require.NoError(t, s.StartNextGeneration(ctx, "m", "2"))
	engine.failNextRecordWrites(1)
	_, err = s.Put(ctx, "m", "ghost", strPtr("boo"))
	require.ErrorContains(t, err, "write failed")
	_, err = s.Put(ctx, "m", "real", strPtr("v"))
	require.NoError(t, err)

	c, err := s.GetCollection(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, []string{"real"}, c.NextGenerationKeys)

	require.NoError(t, s.CommitGeneration(ctx, "m", "2"))
	page, err = s.Query(ctx, "m", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"real": "v"}, itemMap(page))
}

func TestAutoCollectionRejectsManualActions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createAuto(t, s, "a")

	requireKind(t, s.StartNextGeneration(ctx, "a", "5"), storeerr.KindUnsupportedActionOnNonManualCollection)
	requireKind(t, s.CommitGeneration(ctx, "a", "1"), storeerr.KindUnsupportedActionOnNonManualCollection)
	requireKind(t, s.AbortGeneration(ctx, "a"), storeerr.KindUnsupportedActionOnNonManualCollection)

	_, err := s.PutItems(ctx, "a", nil)
	requireKind(t, err, storeerr.KindInvalidArgument)
	_, err = s.Put(ctx, "missing", "k", strPtr("v"))
	requireKind(t, err, storeerr.KindNoSuchCollection)
}

func TestGenerationsAdvanceMonotonically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createAuto(t, s, "a")

	prev := "0"
	for i := 0; i < 25; i++ {
		gen, err := s.Put(ctx, "a", "k"+strconv.Itoa(i%3), strPtr(strconv.Itoa(i)))
		require.NoError(t, err)
		require.True(t, generation.Less(prev, gen), "%q then %q", prev, gen)

		c, err := s.GetCollection(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, gen, c.GenerationID)
		prev = gen
	}
	require.Equal(t, "25", prev)
}

func TestConcurrentAutoPutsGetDistinctGenerations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createAuto(t, s, "a")

	const writers = 8
	results := make(chan string, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			gen, err := s.Put(ctx, "a", "k"+strconv.Itoa(i), strPtr("v"))
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- gen
		}(i)
	}
	seen := map[string]bool{}
	for i := 0; i < writers; i++ {
		gen := <-results
		require.True(t, generation.IsCounter(gen), gen)
		require.False(t, seen[gen], "generation %s handed out twice", gen)
		seen[gen] = true
	}

	page, err := s.Query(ctx, "a", QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(writers), page.GenerationID)
	require.Len(t, page.Items, writers)
}
