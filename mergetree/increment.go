package mergetree

import (
	"fmt"

	"github.com/hupe1980/tablestore/datafile"
)

// CommitIncrement is the file-set change of one writer since the previous
// commit.
type CommitIncrement struct {
	NewFiles          []*datafile.DataFileMeta `json:"newFiles"`
	NewFilesChangelog []*datafile.DataFileMeta `json:"newFilesChangelog"`
	CompactBefore     []*datafile.DataFileMeta `json:"compactBefore"`
	CompactAfter      []*datafile.DataFileMeta `json:"compactAfter"`
	CompactChangelog  []*datafile.DataFileMeta `json:"compactChangelog"`
}

// IsEmpty reports whether the increment changes nothing.
func (c *CommitIncrement) IsEmpty() bool {
	return len(c.NewFiles) == 0 && len(c.NewFilesChangelog) == 0 &&
		len(c.CompactBefore) == 0 && len(c.CompactAfter) == 0 && len(c.CompactChangelog) == 0
}

func (c *CommitIncrement) String() string {
	return fmt.Sprintf("{newFiles: %v, newFilesChangelog: %v, compactBefore: %v, compactAfter: %v, compactChangelog: %v}",
		datafile.FileNames(c.NewFiles), datafile.FileNames(c.NewFilesChangelog),
		datafile.FileNames(c.CompactBefore), datafile.FileNames(c.CompactAfter), datafile.FileNames(c.CompactChangelog))
}

// fileSet is an insertion-ordered set of files keyed by FileID.
type fileSet struct {
	files []*datafile.DataFileMeta
	index map[datafile.FileID]int
}

func newFileSet() *fileSet {
	return &fileSet{index: make(map[datafile.FileID]int)}
}

func (s *fileSet) add(f *datafile.DataFileMeta) {
	if _, ok := s.index[f.ID()]; ok {
		return
	}
	s.index[f.ID()] = len(s.files)
	s.files = append(s.files, f)
}

func (s *fileSet) addAll(files []*datafile.DataFileMeta) {
	for _, f := range files {
		s.add(f)
	}
}

// remove reports whether f was present.
func (s *fileSet) remove(f *datafile.DataFileMeta) bool {
	i, ok := s.index[f.ID()]
	if !ok {
		return false
	}
	delete(s.index, f.ID())
	s.files = append(s.files[:i], s.files[i+1:]...)
	for j := i; j < len(s.files); j++ {
		s.index[s.files[j].ID()] = j
	}
	return true
}

func (s *fileSet) drain() []*datafile.DataFileMeta {
	out := s.files
	s.files = nil
	clear(s.index)
	return out
}

func (s *fileSet) len() int { return len(s.files) }

// namedFiles is an insertion-ordered map from file name to file.
type namedFiles struct {
	files []*datafile.DataFileMeta
	names map[string]struct{}
}

func newNamedFiles() *namedFiles {
	return &namedFiles{names: make(map[string]struct{})}
}

func (n *namedFiles) put(f *datafile.DataFileMeta) {
	if _, ok := n.names[f.FileName]; ok {
		for i, existing := range n.files {
			if existing.FileName == f.FileName {
				n.files[i] = f
			}
		}
		return
	}
	n.names[f.FileName] = struct{}{}
	n.files = append(n.files, f)
}

func (n *namedFiles) contains(name string) bool {
	_, ok := n.names[name]
	return ok
}

func (n *namedFiles) drain() []*datafile.DataFileMeta {
	out := n.files
	n.files = nil
	clear(n.names)
	return out
}
