// Package storeerr defines the closed set of failures surfaced by the
// collection store.
package storeerr

import (
	"errors"
	"fmt"
)

// Kind identifies one failure case. The set is closed: callers switch on it.
type Kind int

const (
	KindNoSuchCollection Kind = iota + 1
	KindNoSuchCursor
	KindNoSuchReader
	KindNoSuchPhantom
	KindCollectionAlreadyExists
	KindReaderAlreadyExists
	KindNextGenerationIsNotStarted
	KindOutdatedGeneration
	KindCannotPutInManualCollection
	KindUnsupportedActionOnNonManualCollection
	KindCursorCrashed
	KindInvalidEncoding
	KindInvalidArgument
)

// Class groups kinds by how a caller should react to them.
type Class int

const (
	ClassNotFound Class = iota + 1
	ClassConflict
	ClassTransient
	ClassInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNoSuchCollection:
		return "NoSuchCollectionError"
	case KindNoSuchCursor:
		return "NoSuchCursorError"
	case KindNoSuchReader:
		return "NoSuchReaderError"
	case KindNoSuchPhantom:
		return "NoSuchPhantomError"
	case KindCollectionAlreadyExists:
		return "CollectionAlreadyExistsError"
	case KindReaderAlreadyExists:
		return "ReaderAlreadyExistsError"
	case KindNextGenerationIsNotStarted:
		return "NextGenerationIsNotStartedError"
	case KindOutdatedGeneration:
		return "OutdatedGenerationError"
	case KindCannotPutInManualCollection:
		return "CannotPutInManualCollectionError"
	case KindUnsupportedActionOnNonManualCollection:
		return "UnsupportedActionOnNonManualCollectionError"
	case KindCursorCrashed:
		return "CursorCrashedError"
	case KindInvalidEncoding:
		return "InvalidEncodingError"
	case KindInvalidArgument:
		return "InvalidArgumentError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Class reports the reaction class of k.
func (k Kind) Class() Class {
	switch k {
	case KindNoSuchCollection, KindNoSuchCursor, KindNoSuchReader, KindNoSuchPhantom:
		return ClassNotFound
	case KindCollectionAlreadyExists, KindReaderAlreadyExists, KindNextGenerationIsNotStarted,
		KindOutdatedGeneration, KindCannotPutInManualCollection, KindUnsupportedActionOnNonManualCollection:
		return ClassConflict
	case KindCursorCrashed:
		return ClassTransient
	default:
		return ClassInvalid
	}
}

// Error is a store failure of a known kind. Err, when set, is the underlying
// cause (for example the engine error that crashed a cursor).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNoSuchCollection                       = &Error{Kind: KindNoSuchCollection}
	ErrNoSuchCursor                           = &Error{Kind: KindNoSuchCursor}
	ErrNoSuchReader                           = &Error{Kind: KindNoSuchReader}
	ErrNoSuchPhantom                          = &Error{Kind: KindNoSuchPhantom}
	ErrCollectionAlreadyExists                = &Error{Kind: KindCollectionAlreadyExists}
	ErrReaderAlreadyExists                    = &Error{Kind: KindReaderAlreadyExists}
	ErrNextGenerationIsNotStarted             = &Error{Kind: KindNextGenerationIsNotStarted}
	ErrOutdatedGeneration                     = &Error{Kind: KindOutdatedGeneration}
	ErrCannotPutInManualCollection            = &Error{Kind: KindCannotPutInManualCollection}
	ErrUnsupportedActionOnNonManualCollection = &Error{Kind: KindUnsupportedActionOnNonManualCollection}
	ErrCursorCrashed                          = &Error{Kind: KindCursorCrashed}
	ErrInvalidEncoding                        = &Error{Kind: KindInvalidEncoding}
	ErrInvalidArgument                        = &Error{Kind: KindInvalidArgument}
)

// New returns an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind carrying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf extracts the kind of err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
