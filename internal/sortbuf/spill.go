package sortbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/tablestore/internal/fs"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/row"
)

type spillRun struct {
	path  string
	count int
}

// spiller owns the temporary directory and the sorted runs of one buffer.
type spiller struct {
	b    *Buffer
	dir  string
	runs []spillRun
	hdr  [recordHeaderSize]byte
}

func newSpiller(b *Buffer) *spiller {
	return &spiller{b: b}
}

func (s *spiller) ensureDir() error {
	if s.dir != "" {
		return nil
	}
	parent := s.b.cfg.TempDir
	if parent == "" {
		parent = os.TempDir()
	}
	if err := s.b.cfg.FS.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	dir, err := s.b.cfg.FS.MkdirTemp(parent, "sortbuf-")
	if err != nil {
		return err
	}
	s.dir = dir
	return nil
}

// writeRun writes a sorted run and merges the oldest runs once MaxFan runs
// exist, so iteration never merges more than MaxFan inputs.
func (s *spiller) writeRun(it kv.Iterator, count int) error {
	run, err := s.write(it, count)
	if err != nil {
		return err
	}
	s.runs = append(s.runs, run)
	if s.b.cfg.Logger != nil {
		s.b.cfg.Logger.Debug("spilled sort run", "records", count, "runs", len(s.runs))
	}
	if len(s.runs) >= s.b.cfg.MaxFan {
		return s.mergeRuns(s.b.cfg.MaxFan)
	}
	return nil
}

func (s *spiller) write(it kv.Iterator, count int) (spillRun, error) {
	if err := s.ensureDir(); err != nil {
		return spillRun{}, err
	}
	path := filepath.Join(s.dir, "spill-"+uuid.NewString()+".lz4")
	f, err := s.b.cfg.FS.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return spillRun{}, err
	}

	zw := lz4.NewWriter(f)
	if err := zw.Apply(lz4.BlockSizeOption(lz4.Block256Kb)); err != nil {
		_ = f.Close()
		return spillRun{}, err
	}

	werr := s.copyRecords(zw, it)
	if werr == nil {
		werr = zw.Close()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = s.b.cfg.FS.Remove(path)
		return spillRun{}, werr
	}
	return spillRun{path: path, count: count}, nil
}

func (s *spiller) copyRecords(w io.Writer, it kv.Iterator) error {
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		key, val := rec.Key.Bytes(), rec.Value.Bytes()
		binary.LittleEndian.PutUint32(s.hdr[0:], uint32(len(key)))
		binary.LittleEndian.PutUint32(s.hdr[4:], uint32(len(val)))
		binary.LittleEndian.PutUint64(s.hdr[8:], rec.Sequence)
		s.hdr[16] = byte(rec.Kind)
		if _, err := w.Write(s.hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(key); err != nil {
			return err
		}
		if _, err := w.Write(val); err != nil {
			return err
		}
	}
}

// mergeRuns replaces the n oldest runs by their merge. The merged run stays
// first so older records still precede newer ones on equal keys.
func (s *spiller) mergeRuns(n int) error {
	victims := s.runs[:n]
	readers, err := s.openRuns(victims)
	if err != nil {
		return err
	}
	total := 0
	for _, r := range victims {
		total += r.count
	}

	merged := kv.MergeSorted(readers, kv.Comparator(s.b.keyCmp))
	run, err := s.write(merged, total)
	if cerr := merged.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("merge spill runs: %w", err)
	}
	for _, r := range victims {
		if err := s.b.cfg.FS.Remove(r.path); err != nil {
			return err
		}
	}
	s.runs = append([]spillRun{run}, s.runs[n:]...)
	return nil
}

func (s *spiller) openRuns(runs []spillRun) ([]kv.Iterator, error) {
	readers := make([]kv.Iterator, 0, len(runs)+1)
	for _, r := range runs {
		rr, err := openRunReader(s.b.cfg.FS, r.path, s.b.keyArity, s.b.valArity)
		if err != nil {
			for _, open := range readers {
				_ = open.Close()
			}
			return nil, err
		}
		readers = append(readers, rr)
	}
	return readers, nil
}

// merged returns the merge of every spilled run followed by mem.
func (s *spiller) merged(mem kv.Iterator) (kv.Iterator, error) {
	readers, err := s.openRuns(s.runs)
	if err != nil {
		return nil, err
	}
	readers = append(readers, mem)
	return kv.MergeSorted(readers, kv.Comparator(s.b.keyCmp)), nil
}

func (s *spiller) clear() error {
	s.runs = nil
	if s.dir == "" {
		return nil
	}
	dir := s.dir
	s.dir = ""
	return s.b.cfg.FS.RemoveAll(dir)
}

type runReader struct {
	f        fs.File
	r        *lz4.Reader
	hdr      [recordHeaderSize]byte
	keyArity int
	valArity int
}

func openRunReader(fsys fs.FileSystem, path string, keyArity, valArity int) (*runReader, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &runReader{f: f, r: lz4.NewReader(f), keyArity: keyArity, valArity: valArity}, nil
}

func (rr *runReader) Next() (kv.KeyValue, bool, error) {
	if _, err := io.ReadFull(rr.r, rr.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return kv.KeyValue{}, false, nil
		}
		return kv.KeyValue{}, false, fmt.Errorf("read spill record header: %w", err)
	}
	keyLen := int(binary.LittleEndian.Uint32(rr.hdr[0:]))
	valLen := int(binary.LittleEndian.Uint32(rr.hdr[4:]))
	buf := make([]byte, keyLen+valLen)
	if _, err := io.ReadFull(rr.r, buf); err != nil {
		return kv.KeyValue{}, false, fmt.Errorf("read spill record: %w", err)
	}
	return kv.KeyValue{
		Key:      row.FromBytes(buf[:keyLen:keyLen], rr.keyArity),
		Value:    row.FromBytes(buf[keyLen:], rr.valArity),
		Sequence: binary.LittleEndian.Uint64(rr.hdr[8:]),
		Kind:     kv.ValueKind(rr.hdr[16]),
		Level:    kv.UnknownLevel,
	}, true, nil
}

func (rr *runReader) Close() error {
	return rr.f.Close()
}
