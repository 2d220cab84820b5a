package tablestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/datafile"
	"github.com/hupe1980/tablestore/row"
)

const (
	snapshotDir    = "snapshot/"
	snapshotPrefix = snapshotDir + "snapshot-"
	latestHint     = snapshotDir + "LATEST"
)

// CommitKind tells what produced a snapshot.
type CommitKind string

const (
	// CommitAppend adds flushed files.
	CommitAppend CommitKind = "APPEND"
	// CommitCompact replaces compaction inputs with outputs.
	CommitCompact CommitKind = "COMPACT"
)

// FileEntry locates a data file in the table.
type FileEntry struct {
	Partition row.Row                `json:"partition"`
	Bucket    int                    `json:"bucket"`
	File      *datafile.DataFileMeta `json:"file"`
}

func (e FileEntry) id() entryID {
	return entryID{partition: string(e.Partition.Bytes()), bucket: e.Bucket, file: e.File.ID()}
}

type entryID struct {
	partition string
	bucket    int
	file      datafile.FileID
}

// Snapshot is the complete file set of the table at one commit.
type Snapshot struct {
	ID         int64       `json:"id"`
	SchemaID   int64       `json:"schemaId"`
	Kind       CommitKind  `json:"commitKind"`
	CommitTime time.Time   `json:"commitTime"`
	Files      []FileEntry `json:"files"`
	// Changelog lists the changelog files added by this commit only.
	Changelog []FileEntry `json:"changelog,omitempty"`
}

// RecordCount returns the number of records in all data files.
func (s *Snapshot) RecordCount() int64 {
	var n int64
	for _, e := range s.Files {
		n += e.File.RowCount
	}
	return n
}

// BucketFiles returns the files of one bucket.
func (s *Snapshot) BucketFiles(partition row.Row, bucket int) []*datafile.DataFileMeta {
	if s == nil {
		return nil
	}
	var out []*datafile.DataFileMeta
	for _, e := range s.Files {
		if e.Bucket == bucket && e.Partition.Equal(partition) {
			out = append(out, e.File)
		}
	}
	return out
}

func snapshotPath(id int64) string {
	return snapshotPrefix + strconv.FormatInt(id, 10)
}

// snapshotManager reads and writes snapshots through a blob store. A
// snapshot file is created at most once; LATEST is a hint that may lag.
type snapshotManager struct {
	store blobstore.BlobStore
}

// Latest returns the newest snapshot or nil for an empty table.
func (m *snapshotManager) Latest(ctx context.Context) (*Snapshot, error) {
	id, err := m.latestID(ctx)
	if err != nil || id == 0 {
		return nil, err
	}
	return m.Snapshot(ctx, id)
}

func (m *snapshotManager) latestID(ctx context.Context) (int64, error) {
	var id int64
	data, err := blobstore.ReadAll(ctx, m.store, latestHint)
	switch {
	case err == nil:
		id, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", latestHint, err)
		}
	case !errors.Is(err, blobstore.ErrNotFound):
		return 0, err
	}

	// Snapshots committed after the hint was written.
	for {
		b, err := m.store.Open(ctx, snapshotPath(id+1))
		if errors.Is(err, blobstore.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return 0, err
		}
		_ = b.Close()
		id++
	}
}

// Snapshot reads snapshot id.
func (m *snapshotManager) Snapshot(ctx context.Context, id int64) (*Snapshot, error) {
	data, err := blobstore.ReadAll(ctx, m.store, snapshotPath(id))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %d: %w", id, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", id, err)
	}
	return &s, nil
}

// commit writes s as the next snapshot. It fails with ErrCommitConflict when
// another commit has taken the id.
func (m *snapshotManager) commit(ctx context.Context, s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := blobstore.PutIfNotExists(ctx, m.store, snapshotPath(s.ID), data); err != nil {
		if errors.Is(err, blobstore.ErrAlreadyExists) {
			return fmt.Errorf("%w: snapshot %d already exists", ErrCommitConflict, s.ID)
		}
		return err
	}
	return m.store.Put(ctx, latestHint, []byte(strconv.FormatInt(s.ID, 10)))
}

// CommitMessage carries the increment of one bucket writer.
type CommitMessage struct {
	Partition row.Row `json:"partition"`
	Bucket    int     `json:"bucket"`

	NewFiles          []*datafile.DataFileMeta `json:"newFiles"`
	NewFilesChangelog []*datafile.DataFileMeta `json:"newFilesChangelog"`
	CompactBefore     []*datafile.DataFileMeta `json:"compactBefore"`
	CompactAfter      []*datafile.DataFileMeta `json:"compactAfter"`
	CompactChangelog  []*datafile.DataFileMeta `json:"compactChangelog"`
}

// fileChanges is the difference one snapshot applies to the previous one.
type fileChanges struct {
	added     []FileEntry
	removed   []FileEntry
	changelog []FileEntry
}

func (c *fileChanges) empty() bool {
	return len(c.added) == 0 && len(c.removed) == 0 && len(c.changelog) == 0
}

func entries(partition row.Row, bucket int, files []*datafile.DataFileMeta) []FileEntry {
	out := make([]FileEntry, 0, len(files))
	for _, f := range files {
		out = append(out, FileEntry{Partition: partition, Bucket: bucket, File: f})
	}
	return out
}

// splitMessages separates flushed files from compaction changes.
func splitMessages(msgs []CommitMessage) (appendChanges, compactChanges fileChanges) {
	for _, m := range msgs {
		appendChanges.added = append(appendChanges.added, entries(m.Partition, m.Bucket, m.NewFiles)...)
		appendChanges.changelog = append(appendChanges.changelog, entries(m.Partition, m.Bucket, m.NewFilesChangelog)...)
		compactChanges.removed = append(compactChanges.removed, entries(m.Partition, m.Bucket, m.CompactBefore)...)
		compactChanges.added = append(compactChanges.added, entries(m.Partition, m.Bucket, m.CompactAfter)...)
		compactChanges.changelog = append(compactChanges.changelog, entries(m.Partition, m.Bucket, m.CompactChangelog)...)
	}
	return appendChanges, compactChanges
}

// apply returns the file set of base after removing and adding files. A
// removed file missing from base is a conflict.
func apply(base *Snapshot, changes fileChanges, partitionName func(row.Row) string) ([]FileEntry, error) {
	var files []FileEntry
	if base != nil {
		files = base.Files
	}
	index := make(map[entryID]int, len(files))
	for i, e := range files {
		index[e.id()] = i
	}
	removed := make(map[int]bool, len(changes.removed))
	for _, e := range changes.removed {
		i, ok := index[e.id()]
		if !ok || removed[i] {
			return nil, &ErrFileConflict{Partition: partitionName(e.Partition), Bucket: e.Bucket, FileName: e.File.FileName}
		}
		removed[i] = true
	}
	out := make([]FileEntry, 0, len(files)-len(removed)+len(changes.added))
	for i, e := range files {
		if !removed[i] {
			out = append(out, e)
		}
	}
	return append(out, changes.added...), nil
}
