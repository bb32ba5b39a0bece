package store

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Kind classifies store failures
type Kind int

// store error kinds
const (
	KindQuery     Kind = iota // any other statement failure
	KindConfig                // programmer error: unregistered type, missing fk target, write outside of transaction
	KindIntegrity             // foreign key, unique or check constraint violation
	KindBusy                  // another connection holds the write lock, retryable
	KindNotFound              // query returned no rows
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindIntegrity:
		return "integrity"
	case KindBusy:
		return "busy"
	case KindNotFound:
		return "not found"
	default:
		return "query"
	}
}

// Error is the only error type returned by the store. It carries the kind, the failed operation
// and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound returned (wrapped) by First when nothing matched
var ErrNotFound = errors.New("no rows")

// IsBusy reports whether err is a retryable write conflict
func IsBusy(err error) bool { return isKind(err, KindBusy) }

// IsIntegrity reports whether err is a constraint violation
func IsIntegrity(err error) bool { return isKind(err, KindIntegrity) }

// IsConfig reports whether err is a configuration (programmer) error
func IsConfig(err error) bool { return isKind(err, KindConfig) }

// IsNotFound reports whether err means no rows matched
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

func isKind(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

func configErr(op, format string, args ...any) error {
	return &Error{Kind: KindConfig, Op: op, Err: fmt.Errorf(format, args...)}
}

// wrapErr classifies a driver error. Already classified errors pass through unchanged.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	kind := KindQuery
	var dbErr *sqlite.Error
	if errors.As(err, &dbErr) {
		switch dbErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			kind = KindBusy
		case sqlite3.SQLITE_CONSTRAINT:
			kind = KindIntegrity
		}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
