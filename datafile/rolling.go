package datafile

import (
	"errors"
)

// FileWriter writes records of type T into a single file and produces a
// result of type R once closed.
type FileWriter[T, R any] interface {
	Write(rec T) error
	RecordCount() int64
	// Length returns the estimated file size.
	Length() int64
	Close() error
	// Result is valid after a successful Close.
	Result() (R, error)
	// Abort deletes the file. It is valid before and after Close.
	Abort()
}

// RollingFileWriter writes a continuous stream into one or more files,
// rolling to a new file once the current one reaches the target size.
type RollingFileWriter[T, R any] struct {
	newWriter  func() (FileWriter[T, R], error)
	targetSize int64

	current   FileWriter[T, R]
	completed []FileWriter[T, R]
	results   []R
	count     int64
	closed    bool
}

// NewRollingFileWriter creates a rolling writer. newWriter is called lazily
// for the first record of every file.
func NewRollingFileWriter[T, R any](newWriter func() (FileWriter[T, R], error), targetSize int64) *RollingFileWriter[T, R] {
	return &RollingFileWriter[T, R]{newWriter: newWriter, targetSize: targetSize}
}

// Write appends rec, opening or rolling files as needed. On error the
// current file is aborted.
func (w *RollingFileWriter[T, R]) Write(rec T) error {
	if w.closed {
		return errors.New("datafile: write to closed rolling writer")
	}
	if w.current == nil {
		cur, err := w.newWriter()
		if err != nil {
			return err
		}
		w.current = cur
	}
	if err := w.current.Write(rec); err != nil {
		w.current.Abort()
		w.current = nil
		return err
	}
	w.count++
	if w.current.Length() >= w.targetSize {
		return w.closeCurrent()
	}
	return nil
}

func (w *RollingFileWriter[T, R]) closeCurrent() error {
	cur := w.current
	w.current = nil
	if err := cur.Close(); err != nil {
		cur.Abort()
		return err
	}
	res, err := cur.Result()
	if err != nil {
		cur.Abort()
		return err
	}
	w.completed = append(w.completed, cur)
	w.results = append(w.results, res)
	return nil
}

// RecordCount returns the number of records written.
func (w *RollingFileWriter[T, R]) RecordCount() int64 { return w.count }

// Close finishes the current file. A writer that never received a record
// produces no file.
func (w *RollingFileWriter[T, R]) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.current == nil {
		return nil
	}
	return w.closeCurrent()
}

// Result returns the results of all finished files.
func (w *RollingFileWriter[T, R]) Result() []R {
	return w.results
}

// Abort deletes every file written so far.
func (w *RollingFileWriter[T, R]) Abort() {
	if w.current != nil {
		w.current.Abort()
		w.current = nil
	}
	for _, c := range w.completed {
		c.Abort()
	}
	w.completed = nil
	w.results = nil
	w.closed = true
}
