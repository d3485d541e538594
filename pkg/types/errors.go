package types

import (
	"errors"
	"fmt"
)

// Mirror error taxonomy. Callers compare with errors.Is.
var (
	// ErrNotFound reports an absent entity. It is an expected outcome for
	// lookups and is never used for data that exists but cannot be read.
	ErrNotFound = errors.New("entity not found")

	// ErrCorrupt reports an entity that is present but unreadable.
	ErrCorrupt = errors.New("entity is corrupt")

	// ErrRemoteUnavailable reports a transient failure of the remote source.
	ErrRemoteUnavailable = errors.New("remote source unavailable")

	// ErrConflict reports contention on the manifest or on a storage path.
	ErrConflict = errors.New("conflicting mirror mutation")

	// ErrDataLoss reports a record that repair could not recover.
	ErrDataLoss = errors.New("unrecoverable data loss")
)

// Input validation errors.
var (
	ErrInvalidID        = errors.New("invalid record ID")
	ErrInvalidRecord    = errors.New("invalid record")
	ErrInvalidPredicate = errors.New("invalid predicate")
	ErrInvalidPath      = errors.New("invalid storage path")
)

// Record file parts named by CorruptError.
const (
	PartMetadata = "metadata"
	PartPayload  = "payload"
)

// CorruptError describes which part of a stored record could not be read.
type CorruptError struct {
	Path string // storage path of the record directory
	Part string // PartMetadata or PartPayload
	Err  error  // underlying cause, may be nil
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record %s: %s corrupt: %v", e.Path, e.Part, e.Err)
	}
	return fmt.Sprintf("record %s: %s corrupt", e.Path, e.Part)
}

// Is makes CorruptError match ErrCorrupt.
func (e *CorruptError) Is(target error) bool {
	return target == ErrCorrupt
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// RecordError attaches a record ID to a per-record failure.
type RecordError struct {
	ID  string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %v", e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
