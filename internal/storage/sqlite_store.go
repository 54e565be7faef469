package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anfivewer/an5wer-sub001/internal/generation"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	is_manual INTEGER NOT NULL,
	generation_id TEXT NOT NULL,
	next_generation_id TEXT,
	next_generation_keys TEXT NOT NULL,
	floor TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS items (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	gen_sort TEXT NOT NULL,
	generation_id TEXT NOT NULL,
	value TEXT,
	PRIMARY KEY (collection, key, gen_sort)
);

CREATE TABLE IF NOT EXISTS readers (
	collection TEXT NOT NULL,
	reader_id TEXT NOT NULL,
	followed_collection TEXT NOT NULL,
	followed_seq INTEGER NOT NULL DEFAULT 0,
	generation_id TEXT,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, reader_id)
);
`

// newestPerKey restricts an items row (aliased i) to the newest entry of its
// key at or below the bound generation.
const newestPerKey = `
	i.gen_sort = (
		SELECT MAX(j.gen_sort) FROM items j
		WHERE j.collection = i.collection AND j.key = i.key AND j.gen_sort <= ?
	)`

// SQLiteStore is a SQLite-backed implementation of Engine.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutCollection(ctx context.Context, rec CollectionRecord) error {
	keys := rec.NextGenerationKeys
	if keys == nil {
		keys = []string{}
	}
	encodedKeys, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode next generation keys: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collections (name, seq, is_manual, generation_id, next_generation_id, next_generation_keys, floor)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			seq = excluded.seq,
			is_manual = excluded.is_manual,
			generation_id = excluded.generation_id,
			next_generation_id = excluded.next_generation_id,
			next_generation_keys = excluded.next_generation_keys,
			floor = excluded.floor
	`, rec.Name, rec.Seq, rec.IsManual, rec.GenerationID, nullString(rec.NextGenerationID), string(encodedKeys), rec.Floor)
	if err != nil {
		return fmt.Errorf("put collection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCollection(ctx context.Context, name string) error {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	for _, statement := range []string{
		"DELETE FROM items WHERE collection = ?",
		"DELETE FROM readers WHERE collection = ?",
		"DELETE FROM collections WHERE name = ?",
	} {
		if _, err := transaction.ExecContext(ctx, statement, name); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("delete collection: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit delete collection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Collections(ctx context.Context) ([]CollectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, seq, is_manual, generation_id, next_generation_id, next_generation_keys, floor
		FROM collections
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	out := make([]CollectionRecord, 0)
	for rows.Next() {
		var rec CollectionRecord
		var next sql.NullString
		var keys string
		if err := rows.Scan(&rec.Name, &rec.Seq, &rec.IsManual, &rec.GenerationID, &next, &keys, &rec.Floor); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		if next.Valid {
			rec.NextGenerationID = &next.String
		}
		if err := json.Unmarshal([]byte(keys), &rec.NextGenerationKeys); err != nil {
			return nil, fmt.Errorf("decode next generation keys of %s: %w", rec.Name, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PutEntries(ctx context.Context, collection string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := transaction.PrepareContext(ctx, `
		INSERT INTO items (collection, key, gen_sort, generation_id, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, key, gen_sort) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, collection, e.Key, generation.SortKey(e.GenerationID), e.GenerationID, nullString(e.Value)); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("insert entry: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit entries: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DiscardEntries(ctx context.Context, collection string, generationID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := transaction.PrepareContext(ctx, `
		DELETE FROM items WHERE collection = ? AND key = ? AND gen_sort = ?
	`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("prepare discard: %w", err)
	}
	defer stmt.Close()

	sortKey := generation.SortKey(generationID)
	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, collection, key, sortKey); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("discard entry: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit discard: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Scan(ctx context.Context, collection string, req ScanRequest) ([]Entry, error) {
	bound := generation.SortKey(req.Generation)
	query := `
		SELECT i.key, i.value, i.generation_id
		FROM items i
		WHERE i.collection = ? AND i.gen_sort <= ? AND` + newestPerKey
	args := []any{collection, bound, bound}
	if req.After != nil {
		query += " AND i.key > ?"
		args = append(args, *req.After)
	}
	if req.Since != nil {
		query += " AND i.gen_sort > ?"
		args = append(args, generation.SortKey(*req.Since))
	} else {
		query += " AND i.value IS NOT NULL"
	}
	query += " ORDER BY i.key ASC"
	if req.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, req.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Entries(ctx context.Context, collection string, fn func(Entry) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, generation_id
		FROM items
		WHERE collection = ?
		ORDER BY key ASC, gen_sort ASC
	`, collection)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Prune(ctx context.Context, collection string, floor string) error {
	bound := generation.SortKey(floor)
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM items
		WHERE collection = ? AND gen_sort <= ? AND (
			value IS NULL OR gen_sort < (
				SELECT MAX(j.gen_sort) FROM items j
				WHERE j.collection = items.collection AND j.key = items.key AND j.gen_sort <= ?
			)
		)
	`, collection, bound, bound)
	if err != nil {
		return fmt.Errorf("prune items: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutReader(ctx context.Context, rec ReaderRecord) error {
	if rec.Collection == "" || rec.ReaderID == "" {
		return errors.New("collection and readerId are required")
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readers (collection, reader_id, followed_collection, followed_seq, generation_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, reader_id) DO UPDATE SET
			followed_collection = excluded.followed_collection,
			followed_seq = excluded.followed_seq,
			generation_id = excluded.generation_id,
			updated_at = excluded.updated_at
	`, rec.Collection, rec.ReaderID, rec.FollowedCollection, rec.FollowedSeq, nullString(rec.GenerationID), updatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put reader: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteReader(ctx context.Context, collection string, readerID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM readers WHERE collection = ? AND reader_id = ?", collection, readerID)
	if err != nil {
		return fmt.Errorf("delete reader: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Readers(ctx context.Context, collection string) ([]ReaderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reader_id, followed_collection, followed_seq, generation_id, updated_at
		FROM readers
		WHERE collection = ?
		ORDER BY reader_id ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("query readers: %w", err)
	}
	defer rows.Close()

	out := make([]ReaderRecord, 0)
	for rows.Next() {
		rec := ReaderRecord{Collection: collection}
		var gen sql.NullString
		var updatedAt int64
		if err := rows.Scan(&rec.ReaderID, &rec.FollowedCollection, &rec.FollowedSeq, &gen, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan reader: %w", err)
		}
		if gen.Valid {
			rec.GenerationID = &gen.String
		}
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readers: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(rows rowScanner) (Entry, error) {
	var e Entry
	var value sql.NullString
	if err := rows.Scan(&e.Key, &value, &e.GenerationID); err != nil {
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	if value.Valid {
		e.Value = &value.String
	}
	return e, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
