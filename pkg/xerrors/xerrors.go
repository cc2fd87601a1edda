package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies pubdrive errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindUnauthorized
	KindWeakCredential
	KindNoFile
	KindAlreadyExists
	KindStorage
	KindHashing
	KindEntropy
	KindInternal
)

// Error wraps an underlying error with the failing operation and file id.
type Error struct {
	Kind Kind
	Op   string
	ID   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.ID != "" {
		base += " " + e.ID
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindUnauthorized:
		return "unauthorized"
	case KindWeakCredential:
		return "weak credential"
	case KindNoFile:
		return "no file"
	case KindAlreadyExists:
		return "already exists"
	case KindStorage:
		return "storage failure"
	case KindHashing:
		return "hashing failure"
	case KindEntropy:
		return "entropy unavailable"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, id string) error {
	return &Error{Kind: kind, Op: op, ID: id}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, iofs.ErrPermission):
		return KindStorage
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
