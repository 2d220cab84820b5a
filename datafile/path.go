package datafile

import (
	"fmt"
	"path"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	DataFilePrefix      = "data-"
	ChangelogFilePrefix = "changelog-"
)

// PathFactory generates unique file names inside one bucket directory.
type PathFactory struct {
	dir       string
	ext       string
	uuid      string
	dataCount atomic.Int64
	logCount  atomic.Int64
}

// NewPathFactory creates a factory for dir. ext is the format extension.
func NewPathFactory(dir, ext string) *PathFactory {
	return &PathFactory{dir: dir, ext: ext, uuid: uuid.NewString()}
}

// Dir returns the bucket directory.
func (p *PathFactory) Dir() string { return p.dir }

// NewDataFileName returns a fresh data file name.
func (p *PathFactory) NewDataFileName() string {
	return fmt.Sprintf("%s%s-%d.%s", DataFilePrefix, p.uuid, p.dataCount.Add(1)-1, p.ext)
}

// NewChangelogFileName returns a fresh changelog file name.
func (p *PathFactory) NewChangelogFileName() string {
	return fmt.Sprintf("%s%s-%d.%s", ChangelogFilePrefix, p.uuid, p.logCount.Add(1)-1, p.ext)
}

// ToPath resolves a file name to its blob name.
func (p *PathFactory) ToPath(fileName string) string {
	return path.Join(p.dir, fileName)
}
