package storage

import (
	"time"

	"github.com/anfivewer/an5wer-sub001/internal/generation"
)

// CollectionRecord is the persisted metadata of one collection. Floor is the
// lowest generation still readable after a prune; empty keeps everything.
type CollectionRecord struct {
	Name               string
	Seq                int64
	IsManual           bool
	GenerationID       string
	NextGenerationID   *string
	NextGenerationKeys []string
	Floor              string
}

// Entry is one step of a key's history. A nil Value is a tombstone.
type Entry struct {
	Key          string
	Value        *string
	GenerationID string
}

// ReaderRecord is a consumer checkpoint owned by Collection. An empty
// FollowedCollection means the reader follows its own collection; a nil
// GenerationID means it never synchronized. FollowedSeq is the Seq of the
// followed collection the reader was created against, so a recreated
// collection of the same name is not mistaken for it.
type ReaderRecord struct {
	Collection         string
	ReaderID           string
	FollowedCollection string
	FollowedSeq        int64
	GenerationID       *string
	UpdatedAt          time.Time
}

// ScanRequest selects a snapshot (or a diff against Since) and a page window.
type ScanRequest struct {
	Generation string
	Since      *string
	After      *string
	Limit      int
}

// accepts reports whether newest, the newest entry of its key at or below
// Generation, belongs in the scan result.
func (req ScanRequest) accepts(newest Entry) bool {
	if req.Since != nil {
		return generation.Less(*req.Since, newest.GenerationID)
	}
	return newest.Value != nil
}

func (req ScanRequest) full(n int) bool {
	return req.Limit > 0 && n >= req.Limit
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneEntry(e Entry) Entry {
	e.Value = cloneString(e.Value)
	return e
}
