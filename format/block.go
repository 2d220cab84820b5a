package format

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/hash"
	"github.com/hupe1980/tablestore/row"
)

// Block file layout:
//
//	block*  : | rawLen u32 | storedLen u32 (0 = raw) | crc32 u32 | payload |
//	footer  : | minLen u32 | min row | maxLen u32 | max row | arity u32 | nullCount u64 * arity |
//	trailer : | footerOffset u64 | rowCount u64 | blockCount u32 | footerCRC u32 | compression u8 | pad [3] | magic u32 |
//
// A raw block payload is a sequence of | rowLen u32 | row bytes |.
const (
	blockMagic       uint32 = 0x4b4c4254 // "TBLK"
	blockHeaderSize         = 12
	trailerSize             = 32
	DefaultBlockSize        = 64 << 10
)

// Block is the built-in row file format.
type Block struct {
	compression Compression
	blockSize   int
}

// BlockOption configures the block format.
type BlockOption func(*Block)

// WithCompression sets the block codec. The default is zstd.
func WithCompression(c Compression) BlockOption {
	return func(b *Block) {
		b.compression = c
	}
}

// WithBlockSize sets the raw size at which a block is closed.
func WithBlockSize(n int) BlockOption {
	return func(b *Block) {
		if n > 0 {
			b.blockSize = n
		}
	}
}

// NewBlock creates the block format.
func NewBlock(opts ...BlockOption) *Block {
	b := &Block{compression: CompressionZstd, blockSize: DefaultBlockSize}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Block) Name() string { return "block" }

func (b *Block) Extension() string { return "blk" }

// Compression returns the configured codec.
func (b *Block) Compression() Compression { return b.compression }

func (b *Block) NewWriter(w io.Writer, rt row.RowType) (Writer, error) {
	if b.compression > CompressionZstd {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCompression, b.compression)
	}
	return &blockWriter{
		w:     w,
		f:     b,
		rt:    rt,
		raw:   make([]byte, 0, b.blockSize+256),
		stats: NewStatsCollector(rt),
	}, nil
}

func (b *Block) NewReader(ctx context.Context, blob blobstore.Blob, rt row.RowType) (Reader, error) {
	t, err := readTrailer(ctx, blob)
	if err != nil {
		return nil, err
	}
	return &blockReader{ctx: ctx, blob: blob, trailer: t, arity: rt.Arity()}, nil
}

func (b *Block) StatsExtractor(rt row.RowType) (StatsExtractor, bool) {
	return blockStatsExtractor{arity: rt.Arity()}, true
}

type blockWriter struct {
	w       io.Writer
	f       *Block
	rt      row.RowType
	raw     []byte
	hdr     [blockHeaderSize]byte
	written int64
	// rawFlushed counts the uncompressed bytes of all flushed blocks.
	rawFlushed int64
	// estimate is the largest length reported so far.
	estimate int64
	blocks   uint32
	stats    *StatsCollector
	closed   bool
}

func (w *blockWriter) Write(r row.Row) error {
	if w.closed {
		return errors.New("format: write to closed writer")
	}
	b := r.Bytes()
	w.raw = binary.LittleEndian.AppendUint32(w.raw, uint32(len(b)))
	w.raw = append(w.raw, b...)
	w.stats.Collect(r)
	if len(w.raw) >= w.f.blockSize {
		return w.flushBlock()
	}
	return nil
}

// Length estimates the file size. Buffered bytes are scaled by the
// compression ratio of the blocks flushed so far. The estimate never
// decreases.
func (w *blockWriter) Length() int64 {
	pending := int64(len(w.raw))
	if w.rawFlushed > 0 {
		pending = pending * w.written / w.rawFlushed
	}
	w.estimate = max(w.estimate, w.written+pending+trailerSize)
	return w.estimate
}

func (w *blockWriter) flushBlock() error {
	if len(w.raw) == 0 {
		return nil
	}
	payload, compressed, err := compressBlock(w.raw, w.f.compression)
	if err != nil {
		return err
	}
	stored := uint32(0)
	if compressed {
		stored = uint32(len(payload))
	}
	binary.LittleEndian.PutUint32(w.hdr[0:], uint32(len(w.raw)))
	binary.LittleEndian.PutUint32(w.hdr[4:], stored)
	binary.LittleEndian.PutUint32(w.hdr[8:], hash.CRC32C(payload))
	if err := w.write(w.hdr[:]); err != nil {
		return err
	}
	if err := w.write(payload); err != nil {
		return err
	}
	w.blocks++
	w.rawFlushed += int64(len(w.raw))
	w.raw = w.raw[:0]
	return nil
}

func (w *blockWriter) write(p []byte) error {
	n, err := w.w.Write(p)
	w.written += int64(n)
	return err
}

func (w *blockWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushBlock(); err != nil {
		return err
	}

	footerOffset := w.written
	footer := encodeFooter(w.stats.Result())
	if err := w.write(footer); err != nil {
		return err
	}

	var t [trailerSize]byte
	binary.LittleEndian.PutUint64(t[0:], uint64(footerOffset))
	binary.LittleEndian.PutUint64(t[8:], uint64(w.stats.RowCount()))
	binary.LittleEndian.PutUint32(t[16:], w.blocks)
	binary.LittleEndian.PutUint32(t[20:], hash.CRC32C(footer))
	t[24] = byte(w.f.compression)
	binary.LittleEndian.PutUint32(t[28:], blockMagic)
	return w.write(t[:])
}

func encodeFooter(s Stats) []byte {
	minB, maxB := s.Min.Bytes(), s.Max.Bytes()
	out := make([]byte, 0, 12+len(minB)+len(maxB)+8*len(s.NullCounts))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(minB)))
	out = append(out, minB...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(maxB)))
	out = append(out, maxB...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(s.NullCounts)))
	for _, n := range s.NullCounts {
		out = binary.LittleEndian.AppendUint64(out, uint64(n))
	}
	return out
}

func decodeFooter(b []byte, arity int) (Stats, error) {
	var s Stats
	next := func(n int) ([]byte, error) {
		if len(b) < n {
			return nil, fmt.Errorf("%w: truncated footer", ErrCorrupt)
		}
		v := b[:n]
		b = b[n:]
		return v, nil
	}
	for _, dst := range []*row.Row{&s.Min, &s.Max} {
		lb, err := next(4)
		if err != nil {
			return Stats{}, err
		}
		data, err := next(int(binary.LittleEndian.Uint32(lb)))
		if err != nil {
			return Stats{}, err
		}
		*dst = row.FromBytes(append([]byte(nil), data...), arity)
	}
	ab, err := next(4)
	if err != nil {
		return Stats{}, err
	}
	n := int(binary.LittleEndian.Uint32(ab))
	if n != arity {
		return Stats{}, fmt.Errorf("%w: footer arity %d, want %d", ErrCorrupt, n, arity)
	}
	s.NullCounts = make([]int64, n)
	for i := range s.NullCounts {
		nb, err := next(8)
		if err != nil {
			return Stats{}, err
		}
		s.NullCounts[i] = int64(binary.LittleEndian.Uint64(nb))
	}
	return s, nil
}

type trailer struct {
	footerOffset int64
	footerCRC    uint32
	rowCount     int64
	blockCount   uint32
	compression  Compression
}

func readAt(ctx context.Context, blob blobstore.Blob, off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := blob.ReadAt(ctx, buf, off)
	if read == n {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: short read at %d", ErrCorrupt, off)
	}
	return nil, err
}

func readTrailer(ctx context.Context, blob blobstore.Blob) (trailer, error) {
	size := blob.Size()
	if size < trailerSize {
		return trailer{}, fmt.Errorf("%w: file of %d bytes", ErrCorrupt, size)
	}
	b, err := readAt(ctx, blob, size-trailerSize, trailerSize)
	if err != nil {
		return trailer{}, err
	}
	if binary.LittleEndian.Uint32(b[28:]) != blockMagic {
		return trailer{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	t := trailer{
		footerOffset: int64(binary.LittleEndian.Uint64(b[0:])),
		rowCount:     int64(binary.LittleEndian.Uint64(b[8:])),
		blockCount:   binary.LittleEndian.Uint32(b[16:]),
		footerCRC:    binary.LittleEndian.Uint32(b[20:]),
		compression:  Compression(b[24]),
	}
	if t.footerOffset < 0 || t.footerOffset > size-trailerSize {
		return trailer{}, fmt.Errorf("%w: footer offset %d", ErrCorrupt, t.footerOffset)
	}
	return t, nil
}

type blockReader struct {
	ctx     context.Context
	blob    blobstore.Blob
	trailer trailer
	arity   int

	offset int64
	block  []byte
	pos    int
	blocks uint32
}

func (r *blockReader) Next() (row.Row, bool, error) {
	for r.pos >= len(r.block) {
		if r.offset >= r.trailer.footerOffset {
			if r.blocks != r.trailer.blockCount {
				return row.Row{}, false, fmt.Errorf("%w: read %d blocks, want %d", ErrCorrupt, r.blocks, r.trailer.blockCount)
			}
			return row.Row{}, false, nil
		}
		if err := r.loadBlock(); err != nil {
			return row.Row{}, false, err
		}
	}
	if r.pos+4 > len(r.block) {
		return row.Row{}, false, fmt.Errorf("%w: truncated row length", ErrCorrupt)
	}
	n := int(binary.LittleEndian.Uint32(r.block[r.pos:]))
	start := r.pos + 4
	if start+n > len(r.block) {
		return row.Row{}, false, fmt.Errorf("%w: truncated row", ErrCorrupt)
	}
	r.pos = start + n
	return row.FromBytes(r.block[start:start+n:start+n], r.arity), true, nil
}

func (r *blockReader) loadBlock() error {
	hdr, err := readAt(r.ctx, r.blob, r.offset, blockHeaderSize)
	if err != nil {
		return err
	}
	rawLen := int(binary.LittleEndian.Uint32(hdr[0:]))
	stored := int(binary.LittleEndian.Uint32(hdr[4:]))
	sum := binary.LittleEndian.Uint32(hdr[8:])

	payloadLen := rawLen
	if stored > 0 {
		payloadLen = stored
	}
	if r.offset+blockHeaderSize+int64(payloadLen) > r.trailer.footerOffset {
		return fmt.Errorf("%w: block at %d overruns footer", ErrCorrupt, r.offset)
	}
	payload, err := readAt(r.ctx, r.blob, r.offset+blockHeaderSize, payloadLen)
	if err != nil {
		return err
	}
	if !hash.Verify(payload, sum) {
		return fmt.Errorf("%w: block checksum mismatch at %d", ErrCorrupt, r.offset)
	}
	if stored > 0 {
		if payload, err = decompressBlock(payload, rawLen, r.trailer.compression); err != nil {
			return err
		}
	}
	r.offset += blockHeaderSize + int64(payloadLen)
	r.block = payload
	r.pos = 0
	r.blocks++
	return nil
}

func (r *blockReader) Close() error { return nil }

type blockStatsExtractor struct {
	arity int
}

func (e blockStatsExtractor) Extract(ctx context.Context, blob blobstore.Blob) (FileStats, error) {
	t, err := readTrailer(ctx, blob)
	if err != nil {
		return FileStats{}, err
	}
	footer, err := readAt(ctx, blob, t.footerOffset, int(blob.Size()-trailerSize-t.footerOffset))
	if err != nil {
		return FileStats{}, err
	}
	if !hash.Verify(footer, t.footerCRC) {
		return FileStats{}, fmt.Errorf("%w: footer checksum mismatch", ErrCorrupt)
	}
	stats, err := decodeFooter(footer, e.arity)
	if err != nil {
		return FileStats{}, err
	}
	return FileStats{RowCount: t.rowCount, Fields: stats}, nil
}
