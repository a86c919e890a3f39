package blockfs

import (
	"errors"
	"fmt"
)

// Kind classifies the way an operation failed, per the error taxonomy of
// the filesystem's design: NotFound, Exists, NotDirectory, IsDirectory,
// NotEmpty, BadDescriptor, AccessDenied, NoSpace, TooManyLinks, Invalid and
// IoError are distinct and never conflated.
type Kind int

const (
	// KindOther is used only as the zero value; every returned *Error sets
	// a more specific Kind.
	KindOther Kind = iota
	KindNotFound
	KindExists
	KindNotDirectory
	KindIsDirectory
	KindNotEmpty
	KindBadDescriptor
	KindAccessDenied
	KindNoSpace
	KindTooManyLinks
	KindInvalid
	KindIoError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindExists:
		return "already exists"
	case KindNotDirectory:
		return "not a directory"
	case KindIsDirectory:
		return "is a directory"
	case KindNotEmpty:
		return "directory not empty"
	case KindBadDescriptor:
		return "bad file descriptor"
	case KindAccessDenied:
		return "access denied"
	case KindNoSpace:
		return "no space left"
	case KindTooManyLinks:
		return "too many levels of symbolic links"
	case KindInvalid:
		return "invalid argument"
	case KindIoError:
		return "i/o error"
	default:
		return "error"
	}
}

// Error is the structured error type returned by every blockfs operation
// that can fail. Callers that need to branch on failure mode should use
// errors.As with a *blockfs.Error target or the Is(Kind) helper rather than
// string-matching the message.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is a *Error of the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

func newErr(op, path string, kind Kind, err error) *Error {
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

func wrapIo(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return newErr(op, path, KindIoError, err)
}

var errCorrupt = errors.New("on-disk structure is corrupt")

func corruptErr(op, path string, detail string) error {
	return newErr(op, path, KindIoError, fmt.Errorf("%w: %s", errCorrupt, detail))
}
