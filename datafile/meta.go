package datafile

import (
	"fmt"
	"time"

	"github.com/hupe1980/tablestore/format"
	"github.com/hupe1980/tablestore/row"
)

// DataFileMeta describes one finished data or changelog file. Values are
// immutable once produced; Upgrade returns a copy.
type DataFileMeta struct {
	FileName     string       `json:"fileName"`
	FileSize     int64        `json:"fileSize"`
	RowCount     int64        `json:"rowCount"`
	MinKey       row.Row      `json:"minKey"`
	MaxKey       row.Row      `json:"maxKey"`
	KeyStats     format.Stats `json:"keyStats"`
	ValueStats   format.Stats `json:"valueStats"`
	MinSequence  uint64       `json:"minSequenceNumber"`
	MaxSequence  uint64       `json:"maxSequenceNumber"`
	SchemaID     int64        `json:"schemaId"`
	Level        int32        `json:"level"`
	CreationTime time.Time    `json:"creationTime"`
}

// FileID identifies a file at a level. The same file upgraded to another
// level has a different FileID.
type FileID struct {
	Name  string
	Level int32
}

func (id FileID) String() string {
	return fmt.Sprintf("%s@L%d", id.Name, id.Level)
}

// ID returns the identity of m.
func (m *DataFileMeta) ID() FileID {
	return FileID{Name: m.FileName, Level: m.Level}
}

// Upgrade returns a copy of m moved to level. The file itself is shared.
func (m *DataFileMeta) Upgrade(level int32) *DataFileMeta {
	if level < m.Level {
		panic(fmt.Sprintf("datafile: cannot downgrade %s to level %d", m.ID(), level))
	}
	c := *m
	c.Level = level
	return &c
}

func (m *DataFileMeta) String() string {
	return fmt.Sprintf("{%s, level: %d, rows: %d, size: %d, seq: [%d, %d]}",
		m.FileName, m.Level, m.RowCount, m.FileSize, m.MinSequence, m.MaxSequence)
}

// FileNames returns the names of files in order.
func FileNames(files []*DataFileMeta) []string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.FileName
	}
	return names
}

// MaxSequence returns the largest sequence number across files, or 0 when
// files is empty.
func MaxSequence(files []*DataFileMeta) uint64 {
	var seq uint64
	for _, f := range files {
		seq = max(seq, f.MaxSequence)
	}
	return seq
}

// TotalSize sums the file sizes.
func TotalSize(files []*DataFileMeta) int64 {
	var total int64
	for _, f := range files {
		total += f.FileSize
	}
	return total
}
