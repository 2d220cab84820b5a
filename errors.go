package tablestore

import (
	"errors"
	"fmt"
)

var (
	// ErrCommitConflict is returned when a commit cannot be applied on top of
	// the latest snapshot.
	ErrCommitConflict = errors.New("commit conflict")

	// ErrInvalidSchema is returned for an unusable table schema.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrClosed is returned by operations on a closed table.
	ErrClosed = errors.New("table closed")

	// ErrInvalidOption is returned for a malformed option value.
	ErrInvalidOption = errors.New("invalid option")
)

// ErrFieldNotFound indicates a reference to a field the schema lacks.
type ErrFieldNotFound struct {
	Field string
}

func (e *ErrFieldNotFound) Error() string {
	return fmt.Sprintf("field not found: %q", e.Field)
}

func (e *ErrFieldNotFound) Is(target error) bool {
	return target == ErrInvalidSchema
}

// ErrFileConflict indicates that a file removed by a commit is not part of
// the snapshot it is applied to.
type ErrFileConflict struct {
	Partition string
	Bucket    int
	FileName  string
}

func (e *ErrFileConflict) Error() string {
	return fmt.Sprintf("file %s of partition %s bucket %d is not in the latest snapshot", e.FileName, e.Partition, e.Bucket)
}

func (e *ErrFileConflict) Unwrap() error { return ErrCommitConflict }
