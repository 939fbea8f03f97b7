package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies pixstore errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindDecode
	KindDimension
	KindIntegrity
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Key != "" {
		base += " " + e.Key
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
	case KindDecode:
		return "invalid image"
	case KindDimension:
		return "invalid dimension"
	case KindIntegrity:
		return "checksum mismatch"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, key string) error {
	return &Error{Kind: kind, Op: op, Key: key}
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
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// IsNotFound reports whether err classifies as KindNotFound.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}
