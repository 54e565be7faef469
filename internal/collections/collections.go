// Package collections implements a generation-versioned collection store.
//
// Every write belongs to a generation. Readers of a collection observe the
// last committed generation unless they pin an older one, and the history
// kept by the storage engine lets a pinned snapshot be paged through with
// cursors while newer generations commit. Consumers record their replication
// progress as readers.
//
// All mutations of one collection are serialized by that collection's lock;
// different collections proceed independently.
package collections

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/anfivewer/an5wer-sub001/internal/generation"
	"github.com/anfivewer/an5wer-sub001/internal/storage"
	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

// CommitPolicy selects how generations of a collection advance.
type CommitPolicy int

const (
	// CommitAuto opens and commits a new generation for every put.
	CommitAuto CommitPolicy = iota
	// CommitManual requires StartNextGeneration and CommitGeneration.
	CommitManual
)

func (p CommitPolicy) String() string {
	if p == CommitManual {
		return "manual"
	}
	return "auto"
}

func policyOf(isManual bool) CommitPolicy {
	if isManual {
		return CommitManual
	}
	return CommitAuto
}

// Collection is a point-in-time copy of a collection's metadata.
type Collection struct {
	Name               string
	Policy             CommitPolicy
	GenerationID       string
	NextGenerationID   *string
	NextGenerationKeys []string
}

func (c Collection) IsManual() bool {
	return c.Policy == CommitManual
}

// CreateCollectionOptions describes a new collection. InitialGenerationID
// defaults to generation.Zero for automatic collections and is required for
// manual ones.
type CreateCollectionOptions struct {
	Name                string
	Policy              CommitPolicy
	InitialGenerationID *string
}

// Options tunes a Store. Zero values pick defaults.
type Options struct {
	Logger        *slog.Logger
	Metrics       *Metrics
	PageSize      int
	CursorTTL     time.Duration
	MaxCursors    int
	PhantomTTL    time.Duration
	DumpBatchSize int
	StreamBuffer  int
	Now           func() time.Time
}

const (
	defaultPageSize      = 100
	defaultCursorTTL     = 5 * time.Minute
	defaultMaxCursors    = 1024
	defaultPhantomTTL    = 30 * time.Second
	defaultDumpBatchSize = 100
	defaultStreamBuffer  = 4
)

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.CursorTTL <= 0 {
		o.CursorTTL = defaultCursorTTL
	}
	if o.MaxCursors <= 0 {
		o.MaxCursors = defaultMaxCursors
	}
	if o.PhantomTTL <= 0 {
		o.PhantomTTL = defaultPhantomTTL
	}
	if o.DumpBatchSize <= 0 {
		o.DumpBatchSize = defaultDumpBatchSize
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = defaultStreamBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store owns collection metadata and routes item history to a storage engine.
type Store struct {
	engine  storage.Engine
	logger  *slog.Logger
	metrics *Metrics
	opts    Options

	mu          sync.RWMutex // protects the fields below
	collections map[string]*collectionState
	nextSeq     int64

	cursors  *cursorTable
	phantoms *phantomTable
}

type collectionState struct {
	mu       sync.RWMutex // write lock for mutations, read lock for page reads
	name     string       // copy of rec.Name, immutable
	seq      int64        // copy of rec.Seq, immutable
	rec      storage.CollectionRecord
	nextKeys map[string]struct{}
	deleted  bool
}

func (cs *collectionState) snapshot() Collection {
	return Collection{
		Name:               cs.rec.Name,
		Policy:             policyOf(cs.rec.IsManual),
		GenerationID:       cs.rec.GenerationID,
		NextGenerationID:   cloneString(cs.rec.NextGenerationID),
		NextGenerationKeys: slices.Clone(cs.rec.NextGenerationKeys),
	}
}

// Open loads collection metadata from engine. The engine must already be
// initialized.
func Open(ctx context.Context, engine storage.Engine, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	s := &Store{
		engine:      engine,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		opts:        opts,
		collections: map[string]*collectionState{},
		nextSeq:     1,
		cursors:     newCursorTable(opts.CursorTTL, opts.MaxCursors, opts.Now, opts.Metrics),
		phantoms:    newPhantomTable(opts.PhantomTTL, opts.Now),
	}
	records, err := engine.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("load collections: %w", err)
	}
	for _, rec := range records {
		s.collections[rec.Name] = newCollectionState(rec)
		if rec.Seq >= s.nextSeq {
			s.nextSeq = rec.Seq + 1
		}
	}
	s.logger.Info("collection store opened", "collections", len(records))
	return s, nil
}

func newCollectionState(rec storage.CollectionRecord) *collectionState {
	keys := make(map[string]struct{}, len(rec.NextGenerationKeys))
	for _, k := range rec.NextGenerationKeys {
		keys[k] = struct{}{}
	}
	return &collectionState{name: rec.Name, seq: rec.Seq, rec: rec, nextKeys: keys}
}

// Close releases the storage engine.
func (s *Store) Close() error {
	return s.engine.Close()
}

func (s *Store) CreateCollection(ctx context.Context, opts CreateCollectionOptions) (c Collection, err error) {
	ctx, span := s.begin(ctx, "create_collection", opts.Name)
	defer func() { s.finish(span, "create_collection", err) }()

	if opts.Name == "" {
		return Collection{}, storeerr.New(storeerr.KindInvalidArgument, "collection name is required")
	}
	initial, err := initialGeneration(opts)
	if err != nil {
		return Collection{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[opts.Name]; ok {
		return Collection{}, storeerr.New(storeerr.KindCollectionAlreadyExists, "collection %q", opts.Name)
	}
	rec := storage.CollectionRecord{
		Name:               opts.Name,
		Seq:                s.nextSeq,
		IsManual:           opts.Policy == CommitManual,
		GenerationID:       initial,
		NextGenerationKeys: []string{},
	}
	if err := s.engine.PutCollection(ctx, rec); err != nil {
		return Collection{}, fmt.Errorf("create collection %s: %w", opts.Name, err)
	}
	s.nextSeq++
	cs := newCollectionState(rec)
	s.collections[opts.Name] = cs
	s.logger.Info("collection created", "collection", opts.Name, "policy", opts.Policy.String(), "generation", initial)
	return cs.snapshot(), nil
}

func initialGeneration(opts CreateCollectionOptions) (string, error) {
	switch opts.Policy {
	case CommitManual:
		if opts.InitialGenerationID == nil {
			return "", storeerr.New(storeerr.KindInvalidArgument, "manual collection %q needs an initial generation", opts.Name)
		}
		return *opts.InitialGenerationID, nil
	case CommitAuto:
		if opts.InitialGenerationID == nil {
			return generation.Zero, nil
		}
		if !generation.IsCounter(*opts.InitialGenerationID) {
			return "", storeerr.New(storeerr.KindInvalidArgument, "automatic collection %q needs a decimal generation, got %q", opts.Name, *opts.InitialGenerationID)
		}
		return *opts.InitialGenerationID, nil
	default:
		return "", storeerr.New(storeerr.KindInvalidArgument, "unknown commit policy %d", int(opts.Policy))
	}
}

func (s *Store) GetCollection(ctx context.Context, name string) (c Collection, err error) {
	_, span := s.begin(ctx, "get_collection", name)
	defer func() { s.finish(span, "get_collection", err) }()

	err = s.withCollection(name, false, func(cs *collectionState) error {
		c = cs.snapshot()
		return nil
	})
	return c, err
}

// DeleteCollection removes a collection with its history and readers.
// Cursors over it fail with NoSuchCollectionError from then on.
func (s *Store) DeleteCollection(ctx context.Context, name string) (err error) {
	ctx, span := s.begin(ctx, "delete_collection", name)
	defer func() { s.finish(span, "delete_collection", err) }()

	var deleted *collectionState
	err = s.withCollection(name, true, func(cs *collectionState) error {
		if err := s.engine.DeleteCollection(ctx, name); err != nil {
			return fmt.Errorf("delete collection %s: %w", name, err)
		}
		cs.deleted = true
		deleted = cs
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.collections[name] == deleted {
		delete(s.collections, name)
	}
	s.mu.Unlock()
	dropped := s.cursors.dropCollection(deleted)
	s.logger.Info("collection deleted", "collection", name, "cursors", dropped)
	return nil
}

// ListCollections returns collection names in creation order.
func (s *Store) ListCollections(ctx context.Context) (names []string, err error) {
	_, span := s.begin(ctx, "list_collections", "")
	defer func() { s.finish(span, "list_collections", err) }()

	for _, cs := range s.orderedStates() {
		names = append(names, cs.name)
	}
	return names, nil
}

// orderedStates returns live collection states in creation order.
func (s *Store) orderedStates() []*collectionState {
	s.mu.RLock()
	states := make([]*collectionState, 0, len(s.collections))
	for _, cs := range s.collections {
		states = append(states, cs)
	}
	s.mu.RUnlock()
	sort.Slice(states, func(i, j int) bool { return states[i].seq < states[j].seq })
	return states
}

func (s *Store) lookup(name string) (*collectionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.collections[name]
	if !ok {
		return nil, storeerr.New(storeerr.KindNoSuchCollection, "collection %q", name)
	}
	return cs, nil
}

// withCollection runs fn holding the collection's write (or read) lock,
// failing with NoSuchCollectionError if it is absent or was deleted.
func (s *Store) withCollection(name string, write bool, fn func(cs *collectionState) error) error {
	cs, err := s.lookup(name)
	if err != nil {
		return err
	}
	if write {
		cs.mu.Lock()
		defer cs.mu.Unlock()
	} else {
		cs.mu.RLock()
		defer cs.mu.RUnlock()
	}
	if cs.deleted {
		return storeerr.New(storeerr.KindNoSuchCollection, "collection %q", name)
	}
	return fn(cs)
}

// persist writes rec through to the engine and installs it on success.
// The caller holds cs.mu for writing.
func (s *Store) persist(ctx context.Context, cs *collectionState, rec storage.CollectionRecord) error {
	if err := s.engine.PutCollection(ctx, rec); err != nil {
		return fmt.Errorf("persist collection %s: %w", rec.Name, err)
	}
	cs.rec = rec
	return nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
