package persist

import (
	"errors"
	"fmt"
)

// Sentinel errors of the persistor.
var (
	// ErrExists marks creation over an existing path or entity.
	ErrExists = errors.New("persist: already exists")
	// ErrNotFound marks a missing file or entity.
	ErrNotFound = errors.New("persist: not found")
	// ErrVersionMismatch marks an unsupported file version.
	ErrVersionMismatch = errors.New("persist: file version mismatch")
	// ErrNotPersistedFile marks a file without the version attribute or
	// without exactly one top-level experiment group.
	ErrNotPersistedFile = errors.New("persist: not a persisted experiment file")
	// ErrNoOpenGroup marks a group operation with no open epoch group.
	ErrNoOpenGroup = errors.New("persist: no open epoch group")
	// ErrNoOpenBlock marks a block operation with no open epoch block.
	ErrNoOpenBlock = errors.New("persist: no open epoch block")
	// ErrBlockOpen marks an operation forbidden while a block is open.
	ErrBlockOpen = errors.New("persist: an epoch block is open")
	// ErrProtocolMismatch marks an epoch whose protocol does not match
	// the open block.
	ErrProtocolMismatch = errors.New("persist: epoch protocol does not match the open block")
	// ErrUndeletable marks a deletion the session refuses: the
	// experiment, an open group or block, or a source still referenced
	// by epoch groups.
	ErrUndeletable = errors.New("persist: entity cannot be deleted")
	// ErrEndTimeSet marks a second SetEndTime on the same entity.
	ErrEndTimeSet = errors.New("persist: end time already set")
	// ErrClosed marks an operation on a closed session.
	ErrClosed = errors.New("persist: session closed")
	// ErrUnsupportedBackend marks a file suffix served by a persistor
	// backend not linked into this build.
	ErrUnsupportedBackend = errors.New("persist: unsupported persistor backend")
)

// StateError wraps a sentinel with operation context.
type StateError struct {
	Op    string
	Msg   string
	Inner error
}

// Error implements the error interface.
func (e *StateError) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("persist: %s: %v", e.Op, e.Inner)
	}
	return fmt.Sprintf("persist: %s: %s", e.Op, e.Msg)
}

// Unwrap returns the wrapped sentinel.
func (e *StateError) Unwrap() error {
	return e.Inner
}

func stateErr(op string, inner error) error {
	return &StateError{Op: op, Inner: inner}
}
