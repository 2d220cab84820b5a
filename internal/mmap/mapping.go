package mmap

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"
)

// ErrClosed is returned when a closed mapping is read.
var ErrClosed = errors.New("mmap: mapping is closed")

// Mapping is a read-only memory-mapped file.
type Mapping struct {
	data   []byte
	unmap  func() error
	closed atomic.Bool
}

// Open maps the file at path. An empty file yields an empty mapping.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > math.MaxInt {
		return nil, fmt.Errorf("mmap: %s: size %d is not addressable", path, fi.Size())
	}
	if fi.Size() == 0 {
		return &Mapping{}, nil
	}
	return mapFile(f, int(fi.Size()))
}

// Close unmaps the file. Further calls are no-ops.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) || m.unmap == nil {
		return nil
	}
	return m.unmap()
}

// Bytes returns the mapped content, or nil after Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the length of the file.
func (m *Mapping) Size() int { return len(m.data) }

// AdviseSequential tells the kernel the file will be read front to back.
func (m *Mapping) AdviseSequential() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if len(m.data) == 0 {
		return nil
	}
	return adviseSequential(m.data)
}

// ReadAt copies mapped bytes at off into p.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("mmap: negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
