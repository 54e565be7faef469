package collections

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// StreamOptions configures Store.Stream. Buffer is the number of pages
// fetched ahead of the consumer.
type StreamOptions struct {
	QueryOptions
	Buffer int
}

// pageSource is the slice of Store a Stream pulls from.
type pageSource interface {
	Query(ctx context.Context, name string, opts QueryOptions) (Page, error)
	ReadQueryCursor(ctx context.Context, cursorID string) (Page, error)
	CloseQueryCursor(ctx context.Context, cursorID string) error
}

// Stream pulls the pages of one snapshot in the background. A single
// goroutine fetches one page at a time, and only after taking a free slot,
// so no more than Buffer pages are ever held or in flight.
type Stream struct {
	src          pageSource
	name         string
	opts         StreamOptions
	generationID string
	logger       *slog.Logger

	pages     chan Page
	slots     chan struct{} // one token per page fetched and not yet consumed
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	err       error // terminal fetch error; read only after pages is closed
}

// Stream opens a snapshot of collection name and starts fetching its pages.
// The first page is read before Stream returns, so query errors surface
// here.
func (s *Store) Stream(ctx context.Context, name string, opts StreamOptions) (*Stream, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = s.opts.StreamBuffer
	}
	return newStream(ctx, s, name, opts, s.logger)
}

func newStream(ctx context.Context, src pageSource, name string, opts StreamOptions, logger *slog.Logger) (*Stream, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 1
	}
	first, err := src.Query(ctx, name, opts.QueryOptions)
	if err != nil {
		return nil, err
	}
	st := &Stream{
		src:          src,
		name:         name,
		opts:         opts,
		generationID: first.GenerationID,
		logger:       logger,
		pages:        make(chan Page, opts.Buffer),
		slots:        make(chan struct{}, opts.Buffer),
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
	st.slots <- struct{}{}
	st.pages <- first
	go st.run(context.WithoutCancel(ctx), first.CursorID)
	return st, nil
}

func (st *Stream) run(ctx context.Context, cursorID string) {
	defer close(st.finished)
	defer close(st.pages)
	for cursorID != "" {
		select {
		case st.slots <- struct{}{}:
		case <-st.done:
			st.abandon(ctx, cursorID)
			return
		}
		if st.closed() {
			st.abandon(ctx, cursorID)
			return
		}
		page, err := st.src.ReadQueryCursor(ctx, cursorID)
		if err != nil {
			st.err = err
			return
		}
		cursorID = page.CursorID
		if st.closed() {
			st.abandon(ctx, cursorID)
			return
		}
		select {
		case st.pages <- page:
		case <-st.done:
			st.abandon(ctx, cursorID)
			return
		}
	}
}

func (st *Stream) abandon(ctx context.Context, cursorID string) {
	if cursorID == "" {
		return
	}
	if err := st.src.CloseQueryCursor(ctx, cursorID); err != nil {
		st.logger.Debug("close abandoned cursor", "collection", st.name, "cursor", cursorID, "error", err)
	}
}

func (st *Stream) closed() bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}

// Next returns the next page, io.EOF after the last one, or the error that
// stopped the background fetch once the pages before it are consumed.
func (st *Stream) Next(ctx context.Context) (Page, error) {
	if st.closed() {
		return Page{}, ErrStreamClosed
	}
	select {
	case page, ok := <-st.pages:
		if !ok {
			if st.err != nil {
				return Page{}, st.err
			}
			return Page{}, io.EOF
		}
		<-st.slots
		return page, nil
	case <-st.done:
		return Page{}, ErrStreamClosed
	case <-ctx.Done():
		return Page{}, ctx.Err()
	}
}

// AtCapacity reports whether every slot is taken, so nothing more is
// fetched until the consumer calls Next.
func (st *Stream) AtCapacity() bool {
	return len(st.slots) == cap(st.slots)
}

// GenerationID is the snapshot the stream reads.
func (st *Stream) GenerationID() string {
	return st.generationID
}

// Close stops the background fetch, releases the server cursor and waits for
// the fetching goroutine to exit. It is safe to call more than once.
func (st *Stream) Close() error {
	st.closeOnce.Do(func() { close(st.done) })
	<-st.finished
	return nil
}

// Reopen starts a new stream over the same snapshot from its first page.
func (st *Stream) Reopen(ctx context.Context) (*Stream, error) {
	opts := st.opts
	gen := st.generationID
	opts.GenerationID = &gen
	return newStream(ctx, st.src, st.name, opts, st.logger)
}
