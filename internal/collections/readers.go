package collections

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anfivewer/an5wer-sub001/internal/generation"
	"github.com/anfivewer/an5wer-sub001/internal/storage"
	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

// Reader is a consumer checkpoint owned by Collection. It tracks progress in
// FollowedCollection, which is Collection itself unless set otherwise. A nil
// GenerationID means the reader has not synchronized yet.
type Reader struct {
	ID                 string
	Collection         string
	FollowedCollection string
	GenerationID       *string
	UpdatedAt          time.Time
}

// ReaderOptions describes a reader to create. An empty FollowedCollection
// follows the owning collection.
type ReaderOptions struct {
	ReaderID           string
	GenerationID       *string
	FollowedCollection string
}

func toReader(rec storage.ReaderRecord) Reader {
	followed := rec.FollowedCollection
	if followed == "" {
		followed = rec.Collection
	}
	return Reader{
		ID:                 rec.ReaderID,
		Collection:         rec.Collection,
		FollowedCollection: followed,
		GenerationID:       cloneString(rec.GenerationID),
		UpdatedAt:          rec.UpdatedAt,
	}
}

// withReaderLocks runs fn holding the owner's lock (for writing when write
// is set) and a read lock on the followed collection. The two locks are
// taken in name order, the only order in which any operation holds two
// collection locks.
func (s *Store) withReaderLocks(owner, followed string, write bool, fn func(own, fol *collectionState) error) error {
	own, err := s.lookup(owner)
	if err != nil {
		return err
	}
	fol := own
	if followed != owner {
		if fol, err = s.lookup(followed); err != nil {
			return err
		}
	}
	unlock := lockPair(own, fol, write)
	defer unlock()
	if own.deleted {
		return storeerr.New(storeerr.KindNoSuchCollection, "collection %q", owner)
	}
	if fol.deleted {
		return storeerr.New(storeerr.KindNoSuchCollection, "collection %q", followed)
	}
	return fn(own, fol)
}

func lockPair(own, fol *collectionState, write bool) func() {
	lockOwn, unlockOwn := own.mu.RLock, own.mu.RUnlock
	if write {
		lockOwn, unlockOwn = own.mu.Lock, own.mu.Unlock
	}
	if own == fol {
		lockOwn()
		return unlockOwn
	}
	if own.name < fol.name {
		lockOwn()
		fol.mu.RLock()
	} else {
		fol.mu.RLock()
		lockOwn()
	}
	return func() {
		fol.mu.RUnlock()
		unlockOwn()
	}
}

// checkPosition rejects reader positions that are not committed in fol or
// were pruned from it. The caller holds fol.mu.
func checkPosition(fol *collectionState, gen string) error {
	if generation.Less(fol.rec.GenerationID, gen) {
		return storeerr.New(storeerr.KindOutdatedGeneration, "generation %q is not committed in %q (committed %q)", gen, fol.name, fol.rec.GenerationID)
	}
	if floor := fol.rec.Floor; floor != "" && generation.Less(gen, floor) {
		return storeerr.New(storeerr.KindOutdatedGeneration, "generation %q of %q was pruned (floor %q)", gen, fol.name, floor)
	}
	return nil
}

// orphaned reports whether the collection rec follows was deleted, even if
// one of the same name exists again.
func (s *Store) orphaned(rec storage.ReaderRecord) bool {
	cs, err := s.lookup(toReader(rec).FollowedCollection)
	return err != nil || cs.seq != rec.FollowedSeq
}

func orphanError(rec storage.ReaderRecord) error {
	return storeerr.New(storeerr.KindNoSuchCollection, "collection %q followed by reader %q was deleted", toReader(rec).FollowedCollection, rec.ReaderID)
}

func (s *Store) findReader(ctx context.Context, collection, readerID string) (storage.ReaderRecord, bool, error) {
	readers, err := s.engine.Readers(ctx, collection)
	if err != nil {
		return storage.ReaderRecord{}, false, fmt.Errorf("load readers of %s: %w", collection, err)
	}
	for _, rec := range readers {
		if rec.ReaderID == readerID {
			return rec, true, nil
		}
	}
	return storage.ReaderRecord{}, false, nil
}

// validateReader runs every check CreateReader makes before writing. A
// reader left behind by a deleted followed collection may be replaced. The
// caller holds the locks of withReaderLocks.
func (s *Store) validateReader(ctx context.Context, name string, opts ReaderOptions, fol *collectionState) error {
	if opts.ReaderID == "" {
		return storeerr.New(storeerr.KindInvalidArgument, "reader id is required")
	}
	existing, exists, err := s.findReader(ctx, name, opts.ReaderID)
	if err != nil {
		return err
	}
	if exists && !s.orphaned(existing) {
		return storeerr.New(storeerr.KindReaderAlreadyExists, "reader %q of %q", opts.ReaderID, name)
	}
	if opts.GenerationID != nil {
		return checkPosition(fol, *opts.GenerationID)
	}
	return nil
}

func followedName(owner string, opts ReaderOptions) string {
	if opts.FollowedCollection == "" {
		return owner
	}
	return opts.FollowedCollection
}

// CreateReader registers a reader on collection name.
func (s *Store) CreateReader(ctx context.Context, name string, opts ReaderOptions) (r Reader, err error) {
	ctx, span := s.begin(ctx, "create_reader", name)
	defer func() { s.finish(span, "create_reader", err) }()
	return s.createReader(ctx, name, opts)
}

func (s *Store) createReader(ctx context.Context, name string, opts ReaderOptions) (Reader, error) {
	var r Reader
	err := s.withReaderLocks(name, followedName(name, opts), true, func(own, fol *collectionState) error {
		if err := s.validateReader(ctx, name, opts, fol); err != nil {
			return err
		}
		rec := storage.ReaderRecord{
			Collection:         name,
			ReaderID:           opts.ReaderID,
			FollowedCollection: opts.FollowedCollection,
			FollowedSeq:        fol.seq,
			GenerationID:       cloneString(opts.GenerationID),
			UpdatedAt:          s.opts.Now().UTC(),
		}
		if err := s.engine.PutReader(ctx, rec); err != nil {
			return fmt.Errorf("create reader %s of %s: %w", opts.ReaderID, name, err)
		}
		r = toReader(rec)
		return nil
	})
	if err == nil {
		s.logger.Info("reader created", "collection", name, "reader", opts.ReaderID, "followed", r.FollowedCollection)
	}
	return r, err
}

// GetReader returns one reader. It fails with NoSuchCollectionError when the
// collection it follows was deleted, also after a new collection took its
// name.
func (s *Store) GetReader(ctx context.Context, name, readerID string) (r Reader, err error) {
	ctx, span := s.begin(ctx, "get_reader", name)
	defer func() { s.finish(span, "get_reader", err) }()

	err = s.withCollection(name, false, func(cs *collectionState) error {
		rec, ok, err := s.findReader(ctx, name, readerID)
		if err != nil {
			return err
		}
		if !ok {
			return storeerr.New(storeerr.KindNoSuchReader, "reader %q of %q", readerID, name)
		}
		if s.orphaned(rec) {
			return orphanError(rec)
		}
		r = toReader(rec)
		return nil
	})
	return r, err
}

// ListReaders returns the readers of collection name ordered by id. Readers
// whose followed collection was deleted are left out.
func (s *Store) ListReaders(ctx context.Context, name string) (readers []Reader, err error) {
	ctx, span := s.begin(ctx, "list_readers", name)
	defer func() { s.finish(span, "list_readers", err) }()

	err = s.withCollection(name, false, func(cs *collectionState) error {
		recs, err := s.engine.Readers(ctx, name)
		if err != nil {
			return fmt.Errorf("list readers of %s: %w", name, err)
		}
		readers = make([]Reader, 0, len(recs))
		for _, rec := range recs {
			if s.orphaned(rec) {
				continue
			}
			readers = append(readers, toReader(rec))
		}
		return nil
	})
	return readers, err
}

// UpdateReader moves a reader forward to generationID, which must not be
// behind its current position nor ahead of the followed collection.
func (s *Store) UpdateReader(ctx context.Context, name, readerID, generationID string) (r Reader, err error) {
	ctx, span := s.begin(ctx, "update_reader", name)
	defer func() { s.finish(span, "update_reader", err) }()

	if _, err := s.lookup(name); err != nil {
		return Reader{}, err
	}
	current, ok, err := s.findReader(ctx, name, readerID)
	if err != nil {
		return Reader{}, err
	}
	if !ok {
		return Reader{}, storeerr.New(storeerr.KindNoSuchReader, "reader %q of %q", readerID, name)
	}
	followed := toReader(current).FollowedCollection
	if _, err := s.lookup(followed); err != nil {
		return Reader{}, orphanError(current)
	}

	err = s.withReaderLocks(name, followed, true, func(own, fol *collectionState) error {
		rec, ok, err := s.findReader(ctx, name, readerID)
		if err != nil {
			return err
		}
		if !ok {
			return storeerr.New(storeerr.KindNoSuchReader, "reader %q of %q", readerID, name)
		}
		if rec.FollowedSeq != fol.seq {
			return orphanError(rec)
		}
		if rec.GenerationID != nil && generation.Less(generationID, *rec.GenerationID) {
			return storeerr.New(storeerr.KindOutdatedGeneration, "reader %q is at %q, cannot move back to %q", readerID, *rec.GenerationID, generationID)
		}
		if err := checkPosition(fol, generationID); err != nil {
			return err
		}
		rec.GenerationID = &generationID
		rec.UpdatedAt = s.opts.Now().UTC()
		if err := s.engine.PutReader(ctx, rec); err != nil {
			return fmt.Errorf("update reader %s of %s: %w", readerID, name, err)
		}
		r = toReader(rec)
		return nil
	})
	return r, err
}

// DeleteReader removes a reader, including one whose followed collection is
// gone.
func (s *Store) DeleteReader(ctx context.Context, name, readerID string) (err error) {
	ctx, span := s.begin(ctx, "delete_reader", name)
	defer func() { s.finish(span, "delete_reader", err) }()

	return s.withCollection(name, true, func(cs *collectionState) error {
		_, ok, err := s.findReader(ctx, name, readerID)
		if err != nil {
			return err
		}
		if !ok {
			return storeerr.New(storeerr.KindNoSuchReader, "reader %q of %q", readerID, name)
		}
		if err := s.engine.DeleteReader(ctx, name, readerID); err != nil {
			return fmt.Errorf("delete reader %s of %s: %w", readerID, name, err)
		}
		s.logger.Info("reader deleted", "collection", name, "reader", readerID)
		return nil
	})
}

// followerFloor returns the lowest position of readers, in any collection,
// that follow cs. The caller holds cs.mu, so no reader of cs can be created
// or moved meanwhile.
func (s *Store) followerFloor(ctx context.Context, cs *collectionState) (string, bool, error) {
	var lowest string
	found := false
	for _, owner := range s.orderedStates() {
		recs, err := s.engine.Readers(ctx, owner.name)
		if err != nil {
			return "", false, fmt.Errorf("load readers of %s: %w", owner.name, err)
		}
		for _, rec := range recs {
			r := toReader(rec)
			if r.FollowedCollection != cs.name || rec.FollowedSeq != cs.seq || r.GenerationID == nil {
				continue
			}
			if !found || generation.Less(*r.GenerationID, lowest) {
				lowest = *r.GenerationID
				found = true
			}
		}
	}
	return lowest, found, nil
}

// Phantom is a validated reader that has not been written yet.
type Phantom struct {
	ID         string
	Collection string
	Options    ReaderOptions
	ExpiresAt  time.Time
}

type phantomTable struct {
	mu       sync.Mutex
	phantoms map[string]Phantom
	ttl      time.Duration
	now      func() time.Time
}

func newPhantomTable(ttl time.Duration, now func() time.Time) *phantomTable {
	return &phantomTable{phantoms: map[string]Phantom{}, ttl: ttl, now: now}
}

func (t *phantomTable) add(collection string, opts ReaderOptions) Phantom {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.sweepLocked(now)
	p := Phantom{
		ID:         uuid.NewString(),
		Collection: collection,
		Options:    opts,
		ExpiresAt:  now.Add(t.ttl),
	}
	t.phantoms[p.ID] = p
	return p
}

// take removes and returns a live phantom of collection.
func (t *phantomTable) take(collection, id string) (Phantom, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())
	p, ok := t.phantoms[id]
	if !ok || p.Collection != collection {
		return Phantom{}, storeerr.New(storeerr.KindNoSuchPhantom, "phantom %q of %q", id, collection)
	}
	delete(t.phantoms, id)
	return p, nil
}

func (t *phantomTable) sweepLocked(now time.Time) {
	for id, p := range t.phantoms {
		if !now.Before(p.ExpiresAt) {
			delete(t.phantoms, id)
		}
	}
}

// ProbeReader validates opts as CreateReader would and parks the result as a
// phantom until it is confirmed, discarded or expires.
func (s *Store) ProbeReader(ctx context.Context, name string, opts ReaderOptions) (p Phantom, err error) {
	ctx, span := s.begin(ctx, "probe_reader", name)
	defer func() { s.finish(span, "probe_reader", err) }()

	err = s.withReaderLocks(name, followedName(name, opts), false, func(own, fol *collectionState) error {
		return s.validateReader(ctx, name, opts, fol)
	})
	if err != nil {
		return Phantom{}, err
	}
	opts.GenerationID = cloneString(opts.GenerationID)
	return s.phantoms.add(name, opts), nil
}

// ConfirmPhantom creates the reader a phantom stands for. Validation runs
// again since the store may have changed after the probe.
func (s *Store) ConfirmPhantom(ctx context.Context, name, phantomID string) (r Reader, err error) {
	ctx, span := s.begin(ctx, "confirm_phantom", name)
	defer func() { s.finish(span, "confirm_phantom", err) }()

	p, err := s.phantoms.take(name, phantomID)
	if err != nil {
		return Reader{}, err
	}
	return s.createReader(ctx, name, p.Options)
}

// DiscardPhantom drops a phantom without creating its reader.
func (s *Store) DiscardPhantom(ctx context.Context, name, phantomID string) (err error) {
	_, span := s.begin(ctx, "discard_phantom", name)
	defer func() { s.finish(span, "discard_phantom", err) }()

	_, err = s.phantoms.take(name, phantomID)
	return err
}
