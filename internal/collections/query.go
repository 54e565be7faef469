package collections

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/anfivewer/an5wer-sub001/internal/generation"
	"github.com/anfivewer/an5wer-sub001/internal/storage"
	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

// QueryOptions selects a snapshot. A nil GenerationID reads the committed
// generation. With SinceGenerationID the query returns only keys changed
// after it, deletions included as nil values.
type QueryOptions struct {
	GenerationID      *string
	SinceGenerationID *string
	PageSize          int
}

// Item is the value of a key in a snapshot. Value is nil only in diff
// queries, for keys deleted since the base generation.
type Item struct {
	Key          string
	Value        *string
	GenerationID string
}

// Page is one page of a query. CursorID is set when more items remain.
type Page struct {
	GenerationID string
	Items        []Item
	CursorID     string
}

// Query returns the first page of a snapshot of collection name.
func (s *Store) Query(ctx context.Context, name string, opts QueryOptions) (page Page, err error) {
	ctx, span := s.begin(ctx, "query", name)
	defer func() { s.finish(span, "query", err) }()

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = s.opts.PageSize
	}
	err = s.withCollection(name, false, func(cs *collectionState) error {
		gen := cs.rec.GenerationID
		if opts.GenerationID != nil {
			gen = *opts.GenerationID
			if err := cs.checkReadable(gen); err != nil {
				return err
			}
		}
		if since := opts.SinceGenerationID; since != nil {
			if err := cs.checkReadable(*since); err != nil {
				return err
			}
			if generation.Less(gen, *since) {
				return storeerr.New(storeerr.KindOutdatedGeneration, "since %q is above generation %q", *since, gen)
			}
		}
		c := &cursor{
			id:           uuid.NewString(),
			state:        cs,
			generationID: gen,
			since:        cloneString(opts.SinceGenerationID),
			pageSize:     pageSize,
		}
		var err error
		page, err = s.readPage(ctx, cs, c)
		if err != nil {
			return err
		}
		if page.CursorID != "" {
			s.cursors.register(c)
		}
		return nil
	})
	return page, err
}

// checkReadable rejects generations above the committed one or below the
// retention floor. The caller holds cs.mu.
func (cs *collectionState) checkReadable(gen string) error {
	if generation.Less(cs.rec.GenerationID, gen) {
		return storeerr.New(storeerr.KindOutdatedGeneration, "generation %q is not committed in %q (committed %q)", gen, cs.rec.Name, cs.rec.GenerationID)
	}
	if floor := cs.rec.Floor; floor != "" && generation.Less(gen, floor) {
		return storeerr.New(storeerr.KindOutdatedGeneration, "generation %q of %q was pruned (floor %q)", gen, cs.rec.Name, floor)
	}
	return nil
}

// readPage fetches the page after c.after and advances c. The caller holds
// cs.mu for reading.
func (s *Store) readPage(ctx context.Context, cs *collectionState, c *cursor) (Page, error) {
	req := storage.ScanRequest{
		Generation: c.generationID,
		Since:      c.since,
		After:      c.after,
		Limit:      c.pageSize + 1,
	}
	entries, err := s.engine.Scan(ctx, cs.rec.Name, req)
	if err != nil {
		return Page{}, fmt.Errorf("scan %s at %s: %w", cs.rec.Name, c.generationID, err)
	}
	more := len(entries) > c.pageSize
	if more {
		entries = entries[:c.pageSize]
	}
	page := Page{GenerationID: c.generationID, Items: make([]Item, 0, len(entries))}
	for _, e := range entries {
		page.Items = append(page.Items, Item{Key: e.Key, Value: e.Value, GenerationID: e.GenerationID})
	}
	if more {
		last := entries[len(entries)-1].Key
		c.after = &last
		page.CursorID = c.id
	}
	s.metrics.PageItems.Observe(float64(len(page.Items)))
	return page, nil
}

// ReadQueryCursor returns the next page of an open cursor. The page that
// exhausts the snapshot releases the cursor.
func (s *Store) ReadQueryCursor(ctx context.Context, cursorID string) (page Page, err error) {
	ctx, span := s.begin(ctx, "read_cursor", "")
	defer func() { s.finish(span, "read_cursor", err) }()

	c, err := s.cursors.acquire(cursorID)
	if err != nil {
		return Page{}, err
	}
	defer c.mu.Unlock()

	cs := c.state
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if cs.deleted {
		s.cursors.retire(c, storeerr.KindNoSuchCollection)
		return Page{}, storeerr.New(storeerr.KindNoSuchCollection, "collection %q", cs.rec.Name)
	}

	page, err = s.readPage(ctx, cs, c)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Page{}, err
		}
		s.cursors.retire(c, storeerr.KindCursorCrashed)
		s.logger.Warn("cursor crashed", "cursor", cursorID, "collection", cs.rec.Name, "error", err)
		return Page{}, storeerr.Wrap(storeerr.KindCursorCrashed, err, "cursor %q", cursorID)
	}
	if page.CursorID == "" {
		s.cursors.release(c)
	} else {
		s.cursors.touch(c)
	}
	return page, nil
}

// CloseQueryCursor releases a cursor before it is exhausted.
func (s *Store) CloseQueryCursor(ctx context.Context, cursorID string) (err error) {
	_, span := s.begin(ctx, "close_cursor", "")
	defer func() { s.finish(span, "close_cursor", err) }()

	c, err := s.cursors.acquire(cursorID)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	s.cursors.release(c)
	return nil
}
