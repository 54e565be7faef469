package collections

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSource serves a fixed list of pages through one cursor.
type fakeSource struct {
	mu       sync.Mutex
	pages    []Page
	failAt   int // page index whose read fails; 0 disables
	gate     chan struct{}
	reads    int
	closedID []string
}

func newFakeSource(n int) *fakeSource {
	src := &fakeSource{}
	for i := 0; i < n; i++ {
		page := Page{GenerationID: "7", Items: []Item{{Key: fmt.Sprintf("k%d", i), Value: strPtr("v"), GenerationID: "7"}}}
		if i < n-1 {
			page.CursorID = fmt.Sprintf("cursor-%d", i+1)
		}
		src.pages = append(src.pages, page)
	}
	return src
}

func (f *fakeSource) Query(ctx context.Context, name string, opts QueryOptions) (Page, error) {
	return f.pages[0], nil
}

func (f *fakeSource) ReadQueryCursor(ctx context.Context, cursorID string) (Page, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var idx int
	if _, err := fmt.Sscanf(cursorID, "cursor-%d", &idx); err != nil {
		return Page{}, err
	}
	f.reads++
	if f.failAt != 0 && idx == f.failAt {
		return Page{}, errors.New("backend went away")
	}
	return f.pages[idx], nil
}

func (f *fakeSource) CloseQueryCursor(ctx context.Context, cursorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedID = append(f.closedID, cursorID)
	return nil
}

func (f *fakeSource) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeSource) closedCursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closedID...)
}

func drain(t *testing.T, st *Stream) ([]Page, error) {
	t.Helper()
	var pages []Page
	for {
		page, err := st.Next(context.Background())
		if err != nil {
			return pages, err
		}
		pages = append(pages, page)
	}
}

func TestStreamBackpressure(t *testing.T) {
	src := newFakeSource(5)
	st, err := newStream(context.Background(), src, "a", StreamOptions{Buffer: 1}, quietLogger())
	require.NoError(t, err)
	defer st.Close()

	// The first page takes the only slot, so nothing is read until Next.
	require.True(t, st.AtCapacity())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, src.readCount())
	require.True(t, st.AtCapacity())

	page, err := st.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "k0", page.Items[0].Key)
	require.Eventually(t, func() bool { return src.readCount() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, st.AtCapacity, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, src.readCount())

	pages, err := drain(t, st)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, pages, 4)
	for i, page := range pages {
		require.Equal(t, fmt.Sprintf("k%d", i+1), page.Items[0].Key)
	}
	require.Equal(t, 4, src.readCount())
	require.Equal(t, "7", st.GenerationID())
}

func TestStreamCloseStopsFetching(t *testing.T) {
	src := newFakeSource(5)
	st, err := newStream(context.Background(), src, "a", StreamOptions{Buffer: 1}, quietLogger())
	require.NoError(t, err)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 0, src.readCount())
	require.Equal(t, []string{"cursor-1"}, src.closedCursors())

	_, err = st.Next(context.Background())
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamDeliversFetchError(t *testing.T) {
	src := newFakeSource(5)
	src.failAt = 2
	st, err := newStream(context.Background(), src, "a", StreamOptions{Buffer: 4}, quietLogger())
	require.NoError(t, err)
	defer st.Close()

	pages, err := drain(t, st)
	require.EqualError(t, err, "backend went away")
	require.Len(t, pages, 2)

	_, err = st.Next(context.Background())
	require.EqualError(t, err, "backend went away")
}

func TestStreamNextHonoursContext(t *testing.T) {
	src := newFakeSource(3)
	src.gate = make(chan struct{})
	st, err := newStream(context.Background(), src, "a", StreamOptions{Buffer: 1}, quietLogger())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = st.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(src.gate)
	pages, err := drain(t, st)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, pages, 2)
}

func TestStoreStreamAndReopen(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	createAuto(t, s, "a")
	g := fillAuto(t, s, "a", 10)
	want := readAll(t, s, "a", QueryOptions{})

	st, err := s.Stream(ctx, "a", StreamOptions{QueryOptions: QueryOptions{PageSize: 3}, Buffer: 2})
	require.NoError(t, err)
	defer st.Close()
	require.Equal(t, g, st.GenerationID())

	_, err = s.Put(ctx, "a", "key-000", nil)
	require.NoError(t, err)

	pages, err := drain(t, st)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, pages, 4)
	var got []Item
	for _, page := range pages {
		got = append(got, page.Items...)
	}
	require.Equal(t, want, got)

	again, err := st.Reopen(ctx)
	require.NoError(t, err)
	defer again.Close()
	pages, err = drain(t, again)
	require.ErrorIs(t, err, io.EOF)
	got = nil
	for _, page := range pages {
		got = append(got, page.Items...)
	}
	require.Equal(t, want, got)

	_, err = s.Stream(ctx, "missing", StreamOptions{})
	require.Error(t, err)
}
