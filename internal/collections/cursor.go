package collections

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/anfivewer/an5wer-sub001/internal/generation"
	"github.com/anfivewer/an5wer-sub001/internal/storeerr"
)

// cursor is server-held pagination state over one collection snapshot. It
// points at the collection state only to read through it.
type cursor struct {
	mu           sync.Mutex // held for the duration of a page read
	id           string
	state        *collectionState
	generationID string
	since        *string
	after        *string // last key returned
	pageSize     int
	lastUsed     atomic.Int64 // unix nanos
	closed       bool
}

// tombstone remembers why a cursor id stopped being readable.
type tombstone struct {
	kind storeerr.Kind
	at   time.Time
}

// cursorTable tracks open cursors and recently retired ids. Expiry is swept
// lazily whenever the table is touched.
type cursorTable struct {
	mu         sync.Mutex
	open       map[string]*cursor
	tombstones map[string]tombstone
	ttl        time.Duration
	max        int
	now        func() time.Time
	metrics    *Metrics
}

func newCursorTable(ttl time.Duration, max int, now func() time.Time, metrics *Metrics) *cursorTable {
	return &cursorTable{
		open:       map[string]*cursor{},
		tombstones: map[string]tombstone{},
		ttl:        ttl,
		max:        max,
		now:        now,
		metrics:    metrics,
	}
}

// sweepLocked retires idle cursors and forgets old tombstones. Cursors in
// the middle of a page read are skipped.
func (t *cursorTable) sweepLocked(now time.Time) {
	for _, c := range t.open {
		if now.Sub(c.idleSince()) <= t.ttl || !c.mu.TryLock() {
			continue
		}
		t.retireLocked(c, storeerr.KindCursorCrashed, now)
		c.mu.Unlock()
	}
	// Crashed ids stay distinguishable from unknown ones for one more TTL.
	for id, ts := range t.tombstones {
		if now.Sub(ts.at) > t.ttl {
			delete(t.tombstones, id)
		}
	}
	t.metrics.OpenCursors.Set(float64(len(t.open)))
}

// retireLocked removes c from the open set. The caller holds t.mu and c.mu.
func (t *cursorTable) retireLocked(c *cursor, kind storeerr.Kind, now time.Time) {
	c.closed = true
	delete(t.open, c.id)
	t.tombstones[c.id] = tombstone{kind: kind, at: now}
	if kind == storeerr.KindCursorCrashed {
		t.metrics.CrashedCursors.Inc()
	}
}

// register adds c, evicting the least recently used idle cursor when the
// table is full.
func (t *cursorTable) register(c *cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.sweepLocked(now)
	for len(t.open) >= t.max {
		if !t.evictOldestLocked(now) {
			break
		}
	}
	c.lastUsed.Store(now.UnixNano())
	t.open[c.id] = c
	t.metrics.OpenCursors.Set(float64(len(t.open)))
}

func (t *cursorTable) evictOldestLocked(now time.Time) bool {
	var oldest *cursor
	for _, c := range t.open {
		if oldest == nil || c.idleSince().Before(oldest.idleSince()) {
			oldest = c
		}
	}
	if oldest == nil || !oldest.mu.TryLock() {
		return false
	}
	t.retireLocked(oldest, storeerr.KindCursorCrashed, now)
	oldest.mu.Unlock()
	return true
}

// acquire returns the open cursor id with its lock held.
func (t *cursorTable) acquire(id string) (*cursor, error) {
	t.mu.Lock()
	t.sweepLocked(t.now())
	c, ok := t.open[id]
	t.mu.Unlock()
	if ok {
		c.mu.Lock()
		if !c.closed {
			return c, nil
		}
		c.mu.Unlock()
	}
	return nil, t.missing(id)
}

func (t *cursorTable) missing(id string) error {
	t.mu.Lock()
	ts, ok := t.tombstones[id]
	t.mu.Unlock()
	switch {
	case !ok:
		return storeerr.New(storeerr.KindNoSuchCursor, "cursor %q", id)
	case ts.kind == storeerr.KindNoSuchCollection:
		return storeerr.New(storeerr.KindNoSuchCollection, "collection of cursor %q was deleted", id)
	default:
		return storeerr.New(ts.kind, "cursor %q", id)
	}
}

// touch records activity on c.
func (t *cursorTable) touch(c *cursor) {
	c.lastUsed.Store(t.now().UnixNano())
}

func (c *cursor) idleSince() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// release forgets c without a tombstone. The caller holds c.mu.
func (t *cursorTable) release(c *cursor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.closed = true
	delete(t.open, c.id)
	t.metrics.OpenCursors.Set(float64(len(t.open)))
}

// retire removes c, remembering kind for later reads of its id. The caller
// holds c.mu.
func (t *cursorTable) retire(c *cursor, kind storeerr.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retireLocked(c, kind, t.now())
	t.metrics.OpenCursors.Set(float64(len(t.open)))
}

// dropCollection retires every cursor over cs so that reads report the
// collection as gone. Cursors mid-read notice the deletion themselves.
func (t *cursorTable) dropCollection(cs *collectionState) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	dropped := 0
	for _, c := range t.open {
		if c.state != cs || !c.mu.TryLock() {
			continue
		}
		t.retireLocked(c, storeerr.KindNoSuchCollection, now)
		c.mu.Unlock()
		dropped++
	}
	t.metrics.OpenCursors.Set(float64(len(t.open)))
	return dropped
}

// minGeneration returns the lowest generation pinned by an open cursor over
// cs. The generation of a cursor never changes, so no cursor lock is needed.
func (t *cursorTable) minGeneration(cs *collectionState) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())
	var lowest string
	found := false
	for _, c := range t.open {
		if c.state != cs {
			continue
		}
		if !found || generation.Less(c.generationID, lowest) {
			lowest = c.generationID
			found = true
		}
	}
	return lowest, found
}

func (t *cursorTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
