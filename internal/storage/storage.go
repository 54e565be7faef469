package storage

import "context"

// Engine defines the persistence contract for collection state.
//
// Why this exists:
//   - The collection store expresses generation and cursor semantics, not SQL
//     or key-layout details.
//   - Snapshot reads, diff reads and prune must behave the same on every
//     backend so cursors pinned to a generation stay stable.
//   - Tests can validate store behavior against the in-memory engine and run
//     one conformance suite across all engines.
//
// Implementations must be safe for concurrent use. Ordering of keys is
// bytewise; ordering of generations follows generation.Compare.
type Engine interface {
	// Init prepares schema/connection state needed before serving requests.
	Init(ctx context.Context) error

	// Close releases resources held by the storage backend.
	Close() error

	// PutCollection upserts collection metadata by name.
	//
	// Why: every generation transition is written through so a restart
	// resumes with the same committed and open generations.
	PutCollection(ctx context.Context, rec CollectionRecord) error

	// DeleteCollection removes the collection metadata, its item history and
	// its readers. Missing collections are not an error.
	DeleteCollection(ctx context.Context, name string) error

	// Collections returns all collection metadata ordered by Seq.
	Collections(ctx context.Context) ([]CollectionRecord, error)

	// PutEntries stores history entries. An entry for an existing
	// (key, generation) pair replaces it.
	//
	// Why: a key written twice under one open generation keeps only the last
	// value, so history holds at most one entry per generation.
	PutEntries(ctx context.Context, collection string, entries []Entry) error

	// DiscardEntries removes the entries of keys written under generationID.
	//
	// Why: aborting an open generation must restore the history it started
	// from without scanning unrelated keys.
	DiscardEntries(ctx context.Context, collection string, generationID string, keys []string) error

	// Scan returns, in key order, the newest entry at or below req.Generation
	// for each key after req.After. Without req.Since tombstoned keys are
	// skipped; with it only keys whose newest entry is above *req.Since are
	// returned, tombstones included. At most req.Limit entries are returned
	// when Limit > 0.
	Scan(ctx context.Context, collection string, req ScanRequest) ([]Entry, error)

	// Entries calls fn for every stored entry, ordered by key then generation.
	//
	// Why: dumps must reproduce full per-key history, not a single snapshot.
	Entries(ctx context.Context, collection string, fn func(Entry) error) error

	// Prune folds history at or below floor into the newest entry per key,
	// dropping keys whose newest such entry is a tombstone.
	//
	// Why: retention is decided by the caller; the engine only needs to keep
	// reads at or above floor identical.
	Prune(ctx context.Context, collection string, floor string) error

	// PutReader upserts a reader checkpoint.
	PutReader(ctx context.Context, rec ReaderRecord) error

	// DeleteReader removes a reader checkpoint. Missing readers are not an
	// error.
	DeleteReader(ctx context.Context, collection string, readerID string) error

	// Readers returns the readers owned by collection ordered by reader id.
	Readers(ctx context.Context, collection string) ([]ReaderRecord, error)
}
