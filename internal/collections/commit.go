package collections

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/anfivewer/an5wer-sub001/internal/generation"
	"github.com/anfivewer/an5wer-sub001/internal/storage"
	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

// KeyValue is one write. A nil Value deletes the key.
type KeyValue struct {
	Key   string
	Value *string
}

// StartNextGeneration opens generationID on a manual collection. Opening the
// generation that is already open is a no-op.
func (s *Store) StartNextGeneration(ctx context.Context, name, generationID string) (err error) {
	ctx, span := s.begin(ctx, "start_generation", name)
	defer func() { s.finish(span, "start_generation", err) }()

	return s.withCollection(name, true, func(cs *collectionState) error {
		if !cs.rec.IsManual {
			return storeerr.New(storeerr.KindUnsupportedActionOnNonManualCollection, "collection %q commits automatically", name)
		}
		if next := cs.rec.NextGenerationID; next != nil {
			if *next == generationID {
				return nil
			}
			return storeerr.New(storeerr.KindOutdatedGeneration, "collection %q already has generation %q open", name, *next)
		}
		if !generation.Less(cs.rec.GenerationID, generationID) {
			return storeerr.New(storeerr.KindOutdatedGeneration, "generation %q does not follow committed %q", generationID, cs.rec.GenerationID)
		}
		rec := cs.rec
		rec.NextGenerationID = &generationID
		rec.NextGenerationKeys = []string{}
		if err := s.persist(ctx, cs, rec); err != nil {
			return err
		}
		clear(cs.nextKeys)
		s.logger.Debug("generation started", "collection", name, "generation", generationID)
		return nil
	})
}

// Put writes a single key. See PutItems.
func (s *Store) Put(ctx context.Context, name, key string, value *string) (string, error) {
	return s.PutItems(ctx, name, []KeyValue{{Key: key, Value: value}})
}

// PutItems writes items and returns the generation they landed in. On a
// manual collection that is the open generation; on an automatic one a new
// generation is committed.
func (s *Store) PutItems(ctx context.Context, name string, items []KeyValue) (generationID string, err error) {
	ctx, span := s.begin(ctx, "put", name)
	defer func() { s.finish(span, "put", err) }()

	if len(items) == 0 {
		return "", storeerr.New(storeerr.KindInvalidArgument, "no items to put")
	}
	err = s.withCollection(name, true, func(cs *collectionState) error {
		if cs.rec.IsManual {
			return s.putManual(ctx, cs, items, &generationID)
		}
		return s.putAuto(ctx, cs, items, &generationID)
	})
	return generationID, err
}

func (s *Store) putManual(ctx context.Context, cs *collectionState, items []KeyValue, out *string) error {
	next := cs.rec.NextGenerationID
	if next == nil {
		return storeerr.New(storeerr.KindCannotPutInManualCollection, "collection %q has no open generation", cs.name)
	}
	var fresh []string
	for _, item := range items {
		if _, ok := cs.nextKeys[item.Key]; !ok && !slices.Contains(fresh, item.Key) {
			fresh = append(fresh, item.Key)
		}
	}
	if err := s.engine.PutEntries(ctx, cs.name, toEntries(items, *next)); err != nil {
		return fmt.Errorf("put into %s: %w", cs.name, err)
	}
	if len(fresh) > 0 {
		rec := cs.rec
		keys := append(slices.Collect(maps.Keys(cs.nextKeys)), fresh...)
		slices.Sort(keys)
		rec.NextGenerationKeys = keys
		if err := s.persist(ctx, cs, rec); err != nil {
			// Only keys the open generation did not track are dropped;
			// rewrites of tracked keys stay until commit or abort.
			s.discard(ctx, cs, *next, fresh)
			return err
		}
		for _, key := range fresh {
			cs.nextKeys[key] = struct{}{}
		}
	}
	*out = *next
	return nil
}

func (s *Store) putAuto(ctx context.Context, cs *collectionState, items []KeyValue, out *string) error {
	next, err := generation.Next(cs.rec.GenerationID)
	if err != nil {
		return storeerr.Wrap(storeerr.KindInvalidArgument, err, "collection %q", cs.name)
	}
	if err := s.engine.PutEntries(ctx, cs.name, toEntries(items, next)); err != nil {
		return fmt.Errorf("put into %s: %w", cs.name, err)
	}
	rec := cs.rec
	rec.GenerationID = next
	if err := s.persist(ctx, cs, rec); err != nil {
		keys := make([]string, 0, len(items))
		for _, item := range items {
			keys = append(keys, item.Key)
		}
		s.discard(ctx, cs, next, keys)
		return err
	}
	s.metrics.Commits.WithLabelValues(CommitAuto.String()).Inc()
	*out = next
	return nil
}

// discard removes entries written at generationID whose collection record
// could not be updated. A failure is logged; the caller already has an error
// to return.
func (s *Store) discard(ctx context.Context, cs *collectionState, generationID string, keys []string) {
	if err := s.engine.DiscardEntries(ctx, cs.name, generationID, keys); err != nil {
		s.logger.Error("discard unrecorded entries", "collection", cs.name, "generation", generationID, "keys", len(keys), "error", err)
	}
}

func toEntries(items []KeyValue, generationID string) []storage.Entry {
	entries := make([]storage.Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, storage.Entry{
			Key:          item.Key,
			Value:        cloneString(item.Value),
			GenerationID: generationID,
		})
	}
	return entries
}

// CommitGeneration publishes the open generation. generationID must name it.
func (s *Store) CommitGeneration(ctx context.Context, name, generationID string) (err error) {
	ctx, span := s.begin(ctx, "commit_generation", name)
	defer func() { s.finish(span, "commit_generation", err) }()

	return s.withCollection(name, true, func(cs *collectionState) error {
		next, err := openGeneration(cs)
		if err != nil {
			return err
		}
		if next != generationID {
			return storeerr.New(storeerr.KindOutdatedGeneration, "commit of %q but %q is open", generationID, next)
		}
		rec := cs.rec
		rec.GenerationID = next
		rec.NextGenerationID = nil
		rec.NextGenerationKeys = []string{}
		if err := s.persist(ctx, cs, rec); err != nil {
			return err
		}
		changed := len(cs.nextKeys)
		clear(cs.nextKeys)
		s.metrics.Commits.WithLabelValues(CommitManual.String()).Inc()
		s.logger.Info("generation committed", "collection", name, "generation", next, "keys", changed)
		return nil
	})
}

// AbortGeneration discards every write of the open generation.
func (s *Store) AbortGeneration(ctx context.Context, name string) (err error) {
	ctx, span := s.begin(ctx, "abort_generation", name)
	defer func() { s.finish(span, "abort_generation", err) }()

	return s.withCollection(name, true, func(cs *collectionState) error {
		next, err := openGeneration(cs)
		if err != nil {
			return err
		}
		keys := slices.Sorted(maps.Keys(cs.nextKeys))
		if err := s.engine.DiscardEntries(ctx, name, next, keys); err != nil {
			return fmt.Errorf("abort %s of %s: %w", next, name, err)
		}
		rec := cs.rec
		rec.NextGenerationID = nil
		rec.NextGenerationKeys = []string{}
		if err := s.persist(ctx, cs, rec); err != nil {
			return err
		}
		clear(cs.nextKeys)
		s.logger.Info("generation aborted", "collection", name, "generation", next, "keys", len(keys))
		return nil
	})
}

func openGeneration(cs *collectionState) (string, error) {
	if !cs.rec.IsManual {
		return "", storeerr.New(storeerr.KindUnsupportedActionOnNonManualCollection, "collection %q commits automatically", cs.rec.Name)
	}
	if cs.rec.NextGenerationID == nil {
		return "", storeerr.New(storeerr.KindNextGenerationIsNotStarted, "collection %q", cs.rec.Name)
	}
	return *cs.rec.NextGenerationID, nil
}
