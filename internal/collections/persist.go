package collections

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/anfivewer/an5wer-sub001/internal/generation"
	"github.com/anfivewer/an5wer-sub001/internal/storage"
	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

// DumpVersion is the only dump format version Restore accepts.
const DumpVersion = 1

// ErrMalformedDump reports a dump stream that does not follow the part
// grammar: header, collections each followed by their items, end.
var ErrMalformedDump = errors.New("malformed dump")

const (
	partHeader     = "header"
	partCollection = "collection"
	partItems      = "items"
	partEnd        = "end"
)

type headerPart struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

type collectionPart struct {
	Type               string   `json:"type"`
	Name               string   `json:"name"`
	GenerationID       string   `json:"generationId"`
	NextGenerationID   *string  `json:"nextGenerationId,omitempty"`
	NextGenerationKeys []string `json:"nextGenerationKeys"`
	IsManual           bool     `json:"isManual"`
}

type itemsPart struct {
	Type           string       `json:"type"`
	CollectionName string       `json:"collectionName"`
	Items          []itemRecord `json:"items"`
}

type itemRecord struct {
	Key          string  `json:"key"`
	Value        *string `json:"value"`
	GenerationID string  `json:"generationId"`
}

type endPart struct {
	Type string `json:"type"`
}

// Dump writes every collection with its full history to w as JSON Lines.
// Collections appear in creation order; each is locked while it is written,
// so its part is consistent with its items.
func (s *Store) Dump(ctx context.Context, w io.Writer) (err error) {
	ctx, span := s.begin(ctx, "dump", "")
	defer func() { s.finish(span, "dump", err) }()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(headerPart{Type: partHeader, Version: DumpVersion}); err != nil {
		return fmt.Errorf("write dump header: %w", err)
	}
	dumped := 0
	for _, cs := range s.orderedStates() {
		err := func() error {
			cs.mu.RLock()
			defer cs.mu.RUnlock()
			if cs.deleted {
				return nil
			}
			dumped++
			return s.dumpCollection(ctx, enc, cs)
		}()
		if err != nil {
			return err
		}
	}
	if err := enc.Encode(endPart{Type: partEnd}); err != nil {
		return fmt.Errorf("write dump footer: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush dump: %w", err)
	}
	s.logger.Info("store dumped", "collections", dumped)
	return nil
}

// dumpCollection writes one collection part and its items. The caller holds
// cs.mu.
func (s *Store) dumpCollection(ctx context.Context, enc *json.Encoder, cs *collectionState) error {
	name := cs.rec.Name
	keys := cs.rec.NextGenerationKeys
	if keys == nil {
		keys = []string{}
	}
	if err := enc.Encode(collectionPart{
		Type:               partCollection,
		Name:               name,
		GenerationID:       cs.rec.GenerationID,
		NextGenerationID:   cs.rec.NextGenerationID,
		NextGenerationKeys: keys,
		IsManual:           cs.rec.IsManual,
	}); err != nil {
		return fmt.Errorf("write collection %s: %w", name, err)
	}

	batch := make([]itemRecord, 0, s.opts.DumpBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := enc.Encode(itemsPart{Type: partItems, CollectionName: name, Items: batch}); err != nil {
			return fmt.Errorf("write items of %s: %w", name, err)
		}
		batch = batch[:0]
		return nil
	}
	err := s.engine.Entries(ctx, name, func(e storage.Entry) error {
		batch = append(batch, itemRecord{Key: e.Key, Value: e.Value, GenerationID: e.GenerationID})
		if len(batch) >= s.opts.DumpBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dump %s: %w", name, err)
	}
	return flush()
}

// Restore loads a dump into an empty store. On error the collections
// restored so far are removed again.
func (s *Store) Restore(ctx context.Context, r io.Reader) (err error) {
	ctx, span := s.begin(ctx, "restore", "")
	defer func() { s.finish(span, "restore", err) }()

	s.mu.RLock()
	existing := len(s.collections)
	s.mu.RUnlock()
	if existing > 0 {
		return storeerr.New(storeerr.KindInvalidArgument, "restore needs an empty store, found %d collections", existing)
	}

	rs := &restoreState{store: s, declared: map[string]bool{}}
	if err := rs.run(ctx, r); err != nil {
		rs.rollback(ctx)
		return err
	}
	s.logger.Info("store restored", "collections", len(rs.order), "items", rs.items)
	return nil
}

type restoreState struct {
	store    *Store
	declared map[string]bool
	order    []string
	items    int
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedDump, fmt.Sprintf(format, args...))
}

func (rs *restoreState) run(ctx context.Context, r io.Reader) error {
	dec := json.NewDecoder(bufio.NewReader(r))
	line := 0
	next := func() (string, json.RawMessage, error) {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return "", nil, io.EOF
			}
			return "", nil, malformed("part %d: %v", line+1, err)
		}
		line++
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return "", nil, malformed("part %d: %v", line, err)
		}
		return head.Type, raw, nil
	}

	typ, raw, err := next()
	if errors.Is(err, io.EOF) {
		return malformed("empty dump")
	}
	if err != nil {
		return err
	}
	if typ != partHeader {
		return malformed("part 1 is %q, want header", typ)
	}
	var header headerPart
	if err := json.Unmarshal(raw, &header); err != nil {
		return malformed("header: %v", err)
	}
	if header.Version != DumpVersion {
		return malformed("unsupported version %d", header.Version)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		typ, raw, err := next()
		if errors.Is(err, io.EOF) {
			return malformed("missing end part")
		}
		if err != nil {
			return err
		}
		switch typ {
		case partCollection:
			var part collectionPart
			if err := json.Unmarshal(raw, &part); err != nil {
				return malformed("part %d: %v", line, err)
			}
			if err := rs.collection(ctx, part); err != nil {
				return err
			}
		case partItems:
			var part itemsPart
			if err := json.Unmarshal(raw, &part); err != nil {
				return malformed("part %d: %v", line, err)
			}
			if err := rs.itemBatch(ctx, part); err != nil {
				return err
			}
		case partEnd:
			if _, _, err := next(); !errors.Is(err, io.EOF) {
				if err != nil {
					return err
				}
				return malformed("parts after end")
			}
			return nil
		case partHeader:
			return malformed("duplicate header at part %d", line)
		default:
			return malformed("unknown part type %q at part %d", typ, line)
		}
	}
}

func (rs *restoreState) collection(ctx context.Context, part collectionPart) error {
	if part.Name == "" {
		return malformed("collection without name")
	}
	if rs.declared[part.Name] {
		return malformed("duplicate collection %q", part.Name)
	}
	if !part.IsManual {
		if !generation.IsCounter(part.GenerationID) {
			return malformed("automatic collection %q has generation %q", part.Name, part.GenerationID)
		}
		if part.NextGenerationID != nil {
			return malformed("automatic collection %q has an open generation", part.Name)
		}
	}
	keys := slices.Clone(part.NextGenerationKeys)
	if keys == nil {
		keys = []string{}
	}
	slices.Sort(keys)

	s := rs.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[part.Name]; ok {
		return storeerr.New(storeerr.KindCollectionAlreadyExists, "collection %q", part.Name)
	}
	rec := storage.CollectionRecord{
		Name:               part.Name,
		Seq:                s.nextSeq,
		IsManual:           part.IsManual,
		GenerationID:       part.GenerationID,
		NextGenerationID:   cloneString(part.NextGenerationID),
		NextGenerationKeys: keys,
	}
	if err := s.engine.PutCollection(ctx, rec); err != nil {
		return fmt.Errorf("restore collection %s: %w", part.Name, err)
	}
	s.nextSeq++
	s.collections[part.Name] = newCollectionState(rec)
	rs.declared[part.Name] = true
	rs.order = append(rs.order, part.Name)
	return nil
}

func (rs *restoreState) itemBatch(ctx context.Context, part itemsPart) error {
	if !rs.declared[part.CollectionName] {
		return malformed("items for undeclared collection %q", part.CollectionName)
	}
	if len(part.Items) == 0 {
		return nil
	}
	entries := make([]storage.Entry, 0, len(part.Items))
	for _, item := range part.Items {
		if item.GenerationID == "" {
			return malformed("item %q of %q has no generation", item.Key, part.CollectionName)
		}
		entries = append(entries, storage.Entry{Key: item.Key, Value: item.Value, GenerationID: item.GenerationID})
	}
	if err := rs.store.engine.PutEntries(ctx, part.CollectionName, entries); err != nil {
		return fmt.Errorf("restore items of %s: %w", part.CollectionName, err)
	}
	rs.items += len(entries)
	return nil
}

func (rs *restoreState) rollback(ctx context.Context) {
	s := rs.store
	for _, name := range rs.order {
		if err := s.engine.DeleteCollection(context.WithoutCancel(ctx), name); err != nil {
			s.logger.Error("roll back restored collection", "collection", name, "error", err)
		}
		s.mu.Lock()
		delete(s.collections, name)
		s.mu.Unlock()
	}
}
