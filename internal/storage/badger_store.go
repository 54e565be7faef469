package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/anfivewer/an5wer-sub001/internal/generation"
)

// Key layout:
//
//	c <name>                                  -> CollectionRecord
//	i <uvarint len> <collection> <key*> <gen> -> Entry
//	r <uvarint len> <collection> <reader id>  -> ReaderRecord
//
// key* escapes 0x00 as 0x00 0xff and ends with 0x00 0x01, which keeps
// bytewise key order and puts all generations of a key next to each other.
// <gen> is generation.SortKey.
const (
	prefixCollection byte = 'c'
	prefixItem       byte = 'i'
	prefixReader     byte = 'r'
)

// BadgerConfig holds configuration for a Badger-backed engine.
type BadgerConfig struct {
	// Path is the directory for Badger files. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Logger receives Badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// BadgerStore is a Badger-backed implementation of Engine.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens a Badger database according to cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Init(ctx context.Context) error {
	return ctx.Err()
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) PutCollection(ctx context.Context, rec CollectionRecord) error {
	value, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode collection: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(collectionKey(rec.Name), value)
	})
	if err != nil {
		return fmt.Errorf("put collection: %w", err)
	}
	return nil
}

func (s *BadgerStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.db.DropPrefix(scopedPrefix(prefixItem, name), scopedPrefix(prefixReader, name)); err != nil {
		return fmt.Errorf("drop collection data: %w", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(collectionKey(name))
	})
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return nil
}

func (s *BadgerStore) Collections(ctx context.Context) ([]CollectionRecord, error) {
	out := make([]CollectionRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixCollection}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec CollectionRecord
			if err := it.Item().Value(func(v []byte) error {
				return msgpack.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("decode collection: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *BadgerStore) PutEntries(ctx context.Context, collection string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, e := range entries {
		value, err := msgpack.Marshal(&e)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		if err := batch.Set(itemKey(collection, e.Key, e.GenerationID), value); err != nil {
			return fmt.Errorf("stage entry: %w", err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("write entries: %w", err)
	}
	return nil
}

func (s *BadgerStore) DiscardEntries(ctx context.Context, collection string, generationID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range keys {
		if err := batch.Delete(itemKey(collection, key, generationID)); err != nil {
			return fmt.Errorf("stage discard: %w", err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("discard entries: %w", err)
	}
	return nil
}

func (s *BadgerStore) Scan(ctx context.Context, collection string, req ScanRequest) ([]Entry, error) {
	prefix := scopedPrefix(prefixItem, collection)
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		if req.After != nil {
			it.Seek(afterKeySeek(prefix, *req.After))
		} else {
			it.Rewind()
		}
		var group keyGroup
		for ; it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := decodeEntry(it.Item())
			if err != nil {
				return err
			}
			if group.started && e.Key != group.key {
				out = group.flush(req, out)
				if req.full(len(out)) {
					return nil
				}
			}
			group.add(e, req.Generation)
		}
		out = group.flush(req, out)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan items: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) Entries(ctx context.Context, collection string, fn func(Entry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = scopedPrefix(prefixItem, collection)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := decodeEntry(it.Item())
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Prune(ctx context.Context, collection string, floor string) error {
	var doomed [][]byte
	var pending [][]byte // keys at or below floor in the current group
	var newest *Entry
	currentKey := ""
	flush := func() {
		if len(pending) == 0 {
			return
		}
		// All but the newest entry at or below floor go, and that one too
		// when it is a tombstone.
		doomed = append(doomed, pending[:len(pending)-1]...)
		if newest.Value == nil {
			doomed = append(doomed, pending[len(pending)-1])
		}
		pending = nil
		newest = nil
	}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = scopedPrefix(prefixItem, collection)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			e, err := decodeEntry(it.Item())
			if err != nil {
				return err
			}
			if e.Key != currentKey {
				flush()
				currentKey = e.Key
			}
			if generation.Compare(e.GenerationID, floor) <= 0 {
				pending = append(pending, it.Item().KeyCopy(nil))
				entry := e
				newest = &entry
			}
		}
		flush()
		return nil
	})
	if err != nil {
		return fmt.Errorf("collect pruned entries: %w", err)
	}
	if len(doomed) == 0 {
		return nil
	}
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range doomed {
		if err := batch.Delete(key); err != nil {
			return fmt.Errorf("stage prune: %w", err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("prune entries: %w", err)
	}
	return nil
}

func (s *BadgerStore) PutReader(ctx context.Context, rec ReaderRecord) error {
	if rec.Collection == "" || rec.ReaderID == "" {
		return errors.New("collection and readerId are required")
	}
	value, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode reader: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(readerKey(rec.Collection, rec.ReaderID), value)
	})
	if err != nil {
		return fmt.Errorf("put reader: %w", err)
	}
	return nil
}

func (s *BadgerStore) DeleteReader(ctx context.Context, collection string, readerID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(readerKey(collection, readerID))
	})
	if err != nil {
		return fmt.Errorf("delete reader: %w", err)
	}
	return nil
}

func (s *BadgerStore) Readers(ctx context.Context, collection string) ([]ReaderRecord, error) {
	out := make([]ReaderRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = scopedPrefix(prefixReader, collection)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec ReaderRecord
			if err := it.Item().Value(func(v []byte) error {
				return msgpack.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("decode reader: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	return out, nil
}

// keyGroup tracks the newest entry at or below a generation while iterating
// the history of one key.
type keyGroup struct {
	started bool
	key     string
	newest  *Entry
}

func (g *keyGroup) add(e Entry, gen string) {
	if !g.started || e.Key != g.key {
		*g = keyGroup{started: true, key: e.Key}
	}
	if generation.Compare(e.GenerationID, gen) <= 0 {
		g.newest = &e
	}
}

func (g *keyGroup) flush(req ScanRequest, out []Entry) []Entry {
	if g.newest != nil && req.accepts(*g.newest) {
		out = append(out, *g.newest)
	}
	*g = keyGroup{}
	return out
}

func decodeEntry(item *badger.Item) (Entry, error) {
	var e Entry
	err := item.Value(func(v []byte) error {
		return msgpack.Unmarshal(v, &e)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}

func collectionKey(name string) []byte {
	return append([]byte{prefixCollection}, name...)
}

func scopedPrefix(prefix byte, collection string) []byte {
	b := []byte{prefix}
	b = binary.AppendUvarint(b, uint64(len(collection)))
	return append(b, collection...)
}

func readerKey(collection, readerID string) []byte {
	return append(scopedPrefix(prefixReader, collection), readerID...)
}

func itemKey(collection, key, generationID string) []byte {
	b := appendEscaped(scopedPrefix(prefixItem, collection), key)
	b = append(b, 0x00, 0x01)
	return append(b, generation.SortKey(generationID)...)
}

// afterKeySeek returns the smallest encoded key ordering after every entry of
// key (and before any longer key sharing its prefix).
func afterKeySeek(prefix []byte, key string) []byte {
	b := appendEscaped(bytes.Clone(prefix), key)
	return append(b, 0x00, 0x02)
}

func appendEscaped(b []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			b = append(b, 0x00, 0xff)
			continue
		}
		b = append(b, s[i])
	}
	return b
}
