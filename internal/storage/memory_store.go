package storage

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/anfivewer/an5wer-sub001/internal/generation"
)

// MemoryEngine is an in-process implementation of Engine. Nothing survives
// Close.
type MemoryEngine struct {
	mu          sync.RWMutex // protects the fields below
	collections map[string]CollectionRecord
	items       map[string]*memoryItems
	readers     map[string]map[string]ReaderRecord
}

type memoryItems struct {
	keys    []string           // sorted
	history map[string][]Entry // per key, ascending generation
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		collections: map[string]CollectionRecord{},
		items:       map[string]*memoryItems{},
		readers:     map[string]map[string]ReaderRecord{},
	}
}

func (m *MemoryEngine) Init(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryEngine) Close() error {
	return nil
}

func (m *MemoryEngine) PutCollection(ctx context.Context, rec CollectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.NextGenerationID = cloneString(rec.NextGenerationID)
	rec.NextGenerationKeys = slices.Clone(rec.NextGenerationKeys)
	m.collections[rec.Name] = rec
	return nil
}

func (m *MemoryEngine) DeleteCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	delete(m.items, name)
	delete(m.readers, name)
	return nil
}

func (m *MemoryEngine) Collections(ctx context.Context) ([]CollectionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CollectionRecord, 0, len(m.collections))
	for _, rec := range m.collections {
		rec.NextGenerationID = cloneString(rec.NextGenerationID)
		rec.NextGenerationKeys = slices.Clone(rec.NextGenerationKeys)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryEngine) PutEntries(ctx context.Context, collection string, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.items[collection]
	if !ok {
		items = &memoryItems{history: map[string][]Entry{}}
		m.items[collection] = items
	}
	for _, e := range entries {
		items.put(cloneEntry(e))
	}
	return nil
}

func (m *MemoryEngine) DiscardEntries(ctx context.Context, collection string, generationID string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.items[collection]
	if !ok {
		return nil
	}
	for _, key := range keys {
		history := items.history[key]
		history = slices.DeleteFunc(history, func(e Entry) bool { return e.GenerationID == generationID })
		items.replace(key, history)
	}
	return nil
}

func (m *MemoryEngine) Scan(ctx context.Context, collection string, req ScanRequest) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	items, ok := m.items[collection]
	if !ok {
		return nil, nil
	}
	start := 0
	if req.After != nil {
		idx, found := slices.BinarySearch(items.keys, *req.After)
		if found {
			idx++
		}
		start = idx
	}
	var out []Entry
	for _, key := range items.keys[start:] {
		if req.full(len(out)) {
			break
		}
		newest, ok := newestAtOrBelow(items.history[key], req.Generation)
		if !ok || !req.accepts(newest) {
			continue
		}
		out = append(out, cloneEntry(newest))
	}
	return out, nil
}

func (m *MemoryEngine) Entries(ctx context.Context, collection string, fn func(Entry) error) error {
	m.mu.RLock()
	var all []Entry
	if items, ok := m.items[collection]; ok {
		for _, key := range items.keys {
			for _, e := range items.history[key] {
				all = append(all, cloneEntry(e))
			}
		}
	}
	m.mu.RUnlock()

	for _, e := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryEngine) Prune(ctx context.Context, collection string, floor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.items[collection]
	if !ok {
		return nil
	}
	for _, key := range slices.Clone(items.keys) {
		history := items.history[key]
		keep := 0
		for i, e := range history {
			if generation.Compare(e.GenerationID, floor) <= 0 {
				keep = i
			}
		}
		if generation.Compare(history[keep].GenerationID, floor) > 0 {
			continue
		}
		folded := history[keep:]
		if folded[0].Value == nil {
			folded = folded[1:]
		}
		items.replace(key, slices.Clone(folded))
	}
	return nil
}

func (m *MemoryEngine) PutReader(ctx context.Context, rec ReaderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	readers, ok := m.readers[rec.Collection]
	if !ok {
		readers = map[string]ReaderRecord{}
		m.readers[rec.Collection] = readers
	}
	rec.GenerationID = cloneString(rec.GenerationID)
	readers[rec.ReaderID] = rec
	return nil
}

func (m *MemoryEngine) DeleteReader(ctx context.Context, collection string, readerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.readers[collection], readerID)
	return nil
}

func (m *MemoryEngine) Readers(ctx context.Context, collection string) ([]ReaderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ReaderRecord, 0, len(m.readers[collection]))
	for _, rec := range m.readers[collection] {
		rec.GenerationID = cloneString(rec.GenerationID)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReaderID < out[j].ReaderID })
	return out, nil
}

func (mi *memoryItems) put(e Entry) {
	history, ok := mi.history[e.Key]
	if !ok {
		idx, _ := slices.BinarySearch(mi.keys, e.Key)
		mi.keys = slices.Insert(mi.keys, idx, e.Key)
	}
	idx, found := slices.BinarySearchFunc(history, e.GenerationID, func(have Entry, want string) int {
		return generation.Compare(have.GenerationID, want)
	})
	if found {
		history[idx] = e
	} else {
		history = slices.Insert(history, idx, e)
	}
	mi.history[e.Key] = history
}

// replace installs history for key, dropping the key when it is empty.
func (mi *memoryItems) replace(key string, history []Entry) {
	if len(history) > 0 {
		mi.history[key] = history
		return
	}
	if _, ok := mi.history[key]; !ok {
		return
	}
	delete(mi.history, key)
	if idx, found := slices.BinarySearch(mi.keys, key); found {
		mi.keys = slices.Delete(mi.keys, idx, idx+1)
	}
}

func newestAtOrBelow(history []Entry, gen string) (Entry, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if generation.Compare(history[i].GenerationID, gen) <= 0 {
			return history[i], true
		}
	}
	return Entry{}, false
}
