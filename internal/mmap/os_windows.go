//go:build windows

package mmap

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func mapFile(f *os.File, size int) (*Mapping, error) {
	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READONLY, 0, 0, nil)
	if err != nil {
		return nil, err
	}
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ, 0, 0, uintptr(size))
	_ = windows.CloseHandle(h)
	if err != nil {
		return nil, err
	}
	return &Mapping{
		data:  unsafe.Slice((*byte)(unsafe.Pointer(addr)), size),
		unmap: func() error { return windows.UnmapViewOfFile(addr) },
	}, nil
}

func adviseSequential([]byte) error { return nil }
