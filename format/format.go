// Package format defines the row file format contract used by data and
// changelog files, and provides the built-in block format.
package format

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/row"
)

var (
	// ErrCorrupt is returned when a file fails checksum or structure checks.
	ErrCorrupt = errors.New("format: corrupt file")
	// ErrUnsupportedCompression is returned for an unknown compression.
	ErrUnsupportedCompression = errors.New("format: unsupported compression")
)

// Writer writes the rows of one file.
type Writer interface {
	Write(r row.Row) error
	// Length returns the estimated file size if the file were finished now.
	Length() int64
	// Close finishes the file. It does not close the underlying io.Writer.
	Close() error
}

// Reader reads the rows of one file in write order. Returned rows stay
// valid after later calls to Next.
type Reader interface {
	Next() (row.Row, bool, error)
	Close() error
}

// FileStats holds statistics of a whole file.
type FileStats struct {
	RowCount int64
	Fields   Stats
}

// StatsExtractor reads statistics from a finished file.
type StatsExtractor interface {
	Extract(ctx context.Context, blob blobstore.Blob) (FileStats, error)
}

// Format creates writers and readers for one file format.
type Format interface {
	Name() string
	// Extension is the file name suffix, without dot.
	Extension() string
	NewWriter(w io.Writer, rt row.RowType) (Writer, error)
	NewReader(ctx context.Context, blob blobstore.Blob, rt row.RowType) (Reader, error)
	// StatsExtractor returns an extractor when the format stores
	// statistics itself.
	StatsExtractor(rt row.RowType) (StatsExtractor, bool)
}

// Compression selects the block codec.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression parses the option value of "file.compression".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCompression, s)
	}
}
