package collections

import (
	"context"
	"fmt"

	"github.com/anfivewer/an5wer-sub001/internal/generation"
	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

// PruneGenerations folds the history of collection name at or below floor
// into one entry per key. Afterwards snapshots and diff bases below floor
// are no longer readable. Generations still pinned by an open cursor or by a
// reader following the collection cannot be folded.
func (s *Store) PruneGenerations(ctx context.Context, name, floor string) (err error) {
	ctx, span := s.begin(ctx, "prune", name)
	defer func() { s.finish(span, "prune", err) }()

	return s.withCollection(name, true, func(cs *collectionState) error {
		if generation.Less(cs.rec.GenerationID, floor) {
			return storeerr.New(storeerr.KindOutdatedGeneration, "floor %q is above committed %q", floor, cs.rec.GenerationID)
		}
		if cs.rec.Floor != "" && !generation.Less(cs.rec.Floor, floor) {
			return nil
		}
		if pinned, ok := s.cursors.minGeneration(cs); ok && generation.Less(pinned, floor) {
			return storeerr.New(storeerr.KindOutdatedGeneration, "generation %q of %q is pinned by an open cursor", pinned, name)
		}
		lowest, ok, err := s.followerFloor(ctx, cs)
		if err != nil {
			return err
		}
		if ok && generation.Less(lowest, floor) {
			return storeerr.New(storeerr.KindOutdatedGeneration, "generation %q of %q is still needed by a reader", lowest, name)
		}
		// The floor is recorded before history is folded, so a failed fold
		// leaves extra history behind rather than an unguarded gap.
		rec := cs.rec
		rec.Floor = floor
		if err := s.persist(ctx, cs, rec); err != nil {
			return err
		}
		if err := s.engine.Prune(ctx, name, floor); err != nil {
			return fmt.Errorf("prune %s to %s: %w", name, floor, err)
		}
		s.logger.Info("generations pruned", "collection", name, "floor", floor)
		return nil
	})
}
