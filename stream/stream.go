// Package stream implements a sequential, seekable container of
// fixed-size records backed by a single file.  At most one block is
// resident per stream handle; modified blocks are written back when the
// cursor leaves them.  Substreams are bounded views over the same file
// that share the super-stream's header but own their descriptor, cursor
// and resident block.
package stream

import (
	"os"

	"github.com/dropbox/godropbox/errors"
	"github.com/outofforest/photon"

	"github.com/robot-dreams/exmem"
	"github.com/robot-dreams/exmem/blockio"
)

// DefaultBlockFactor is the logical block factor used when the caller
// passes 0 to Open.
const DefaultBlockFactor = 8

type Mode int

const (
	Read Mode = iota
	Write
	WriteOnly
	Append
)

type Status int

const (
	StatusOK Status = iota
	StatusInvalid
)

type MemoryUsageKind int

const (
	// MemoryOverhead is the handle, header and bookkeeping cost.
	MemoryOverhead MemoryUsageKind = iota
	// MemoryBuffer is the cost of the resident block once allocated.
	MemoryBuffer
	// MemoryCurrent is overhead plus the buffer if currently allocated.
	MemoryCurrent
	// MemoryMaximum is overhead plus the buffer unconditionally.
	MemoryMaximum
)

// Estimated per-allocation bookkeeping, mirrored in MemoryUsage.
const (
	allocOverhead  = 16
	handleOverhead = 256
)

type Stream[T comparable] struct {
	env      *exmem.Env
	bf       *blockio.File
	mode     Mode
	readOnly bool
	persist  bool
	subLevel int

	// Shared with substreams; owned by the level-0 stream.
	hdr *diskHeader

	itemSize      int64
	itemsPerBlock int64
	aligned       bool
	osBlock       int64
	blockSize     int64

	fileOffset int64 // byte cursor
	bos        int64 // logical begin of stream
	eos        int64 // logical end of stream
	fileLength int64

	block       []byte
	blockValid  bool
	blockDirty  bool
	blockOffset int64 // file offset of the resident block

	status  Status
	osErrno error
	closed  bool
}

func itemSizeOf[T comparable]() int64 {
	return int64(len(photon.NewFromValue(new(T)).B))
}

// Open opens or creates a block-buffered stream of T at path.  lbf is
// the logical block factor; the block size is lbf times the Env's OS
// block size.  Opening an existing stream with a different block factor
// is accepted with a warning; the on-disk factor wins.
func Open[T comparable](env *exmem.Env, path string, mode Mode, lbf int) (*Stream[T], error) {
	if lbf <= 0 {
		if lbf < 0 {
			env.Log.Warn().Str("path", path).Int("lbf", lbf).
				Msg("negative block factor requested, using default")
		}
		lbf = DefaultBlockFactor
	}
	s := &Stream[T]{
		env:      env,
		mode:     mode,
		readOnly: mode == Read,
		persist:  true,
		itemSize: itemSizeOf[T](),
		osBlock:  int64(env.OSBlockSize),
	}
	if headerByteSize > s.osBlock {
		return nil, errors.Newf(
			"OS block size %d cannot hold a %d byte stream header",
			s.osBlock, headerByteSize)
	}

	switch mode {
	case Read:
		bf, err := blockio.Open(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, err
		}
		s.bf = bf
		if err := s.openExisting(lbf); err != nil {
			bf.Close()
			return nil, err
		}

	case Write, WriteOnly, Append:
		bf, err := blockio.Open(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			s.bf = bf
			if err := s.initFresh(lbf); err != nil {
				bf.Close()
				return nil, err
			}
			break
		}
		if !os.IsExist(err) {
			return nil, err
		}
		// The file already exists; read its header instead.
		bf, err = blockio.Open(path, os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}
		s.bf = bf
		if err := s.openExisting(lbf); err != nil {
			bf.Close()
			return nil, err
		}
		if mode == Append {
			s.fileOffset = s.eos
		}

	default:
		return nil, errors.Newf("unknown stream mode %d", mode)
	}

	if s.itemSize > s.blockSize {
		s.bf.Close()
		return nil, errors.Newf(
			"item size %d exceeds block size %d in %v",
			s.itemSize, s.blockSize, path)
	}
	return s, nil
}

func (s *Stream[T]) openExisting(lbf int) error {
	hdr, err := readHeader(s.bf, s.osBlock)
	if err != nil {
		return err
	}
	if hdr.Type != TypeBlockBuffered {
		s.env.Log.Warn().Str("path", s.bf.Path()).Uint8("type", hdr.Type).
			Msg("stream has a foreign backend type byte, implementations may not be compatible")
	}
	if int64(hdr.BlockSize) != int64(lbf)*s.osBlock {
		s.env.Log.Warn().Str("path", s.bf.Path()).
			Int64("stream_factor", int64(hdr.BlockSize)/s.osBlock).
			Int("requested_factor", lbf).
			Msg("stream has a different block factor than requested")
	}
	s.hdr = hdr
	s.blockSize = int64(hdr.BlockSize)
	s.itemsPerBlock = s.blockSize / s.itemSize
	s.aligned = s.blockSize%s.itemSize == 0
	s.bos = s.osBlock
	s.fileOffset = s.bos
	s.eos = s.clampEOS(int64(hdr.ItemLogicalEOF))
	n, err := s.bf.Size()
	if err != nil {
		return err
	}
	s.fileLength = n
	return nil
}

func (s *Stream[T]) initFresh(lbf int) error {
	s.hdr = newHeader(int64(lbf) * s.osBlock)
	s.blockSize = int64(s.hdr.BlockSize)
	s.itemsPerBlock = s.blockSize / s.itemSize
	s.aligned = s.blockSize%s.itemSize == 0
	// Reserve the header block with zeroes so that data writes are
	// strictly sequential from here on.
	if err := s.bf.Write(make([]byte, s.osBlock), 0); err != nil {
		return errors.Wrapf(err, "reserving header block in %v", s.bf.Path())
	}
	s.bos = s.osBlock
	s.fileOffset = s.bos
	s.eos = s.osBlock
	s.fileLength = s.osBlock
	return nil
}

// clampEOS converts a logical item count to the end-of-stream byte
// offset.  When item sizes do not divide the block size and the last
// item is the last slot of its block, the naive mapping lands at the
// start of the next block; clamp to just past the last item so that
// "at end of stream" remains detectable.
func (s *Stream[T]) clampEOS(items int64) int64 {
	eos := s.itemOffToFileOff(items)
	if items >= 1 && eos-s.itemOffToFileOff(items-1)-s.itemSize > 0 {
		eos = s.itemOffToFileOff(items-1) + s.itemSize
	}
	return eos
}

func (s *Stream[T]) itemOffToFileOff(itemOff int64) int64 {
	if s.aligned {
		return s.osBlock + itemOff*s.itemSize
	}
	return s.osBlock +
		s.blockSize*(itemOff/s.itemsPerBlock) +
		s.itemSize*(itemOff%s.itemsPerBlock)
}

func (s *Stream[T]) fileOffToItemOff(fileOff int64) int64 {
	if s.aligned {
		return (fileOff - s.osBlock) / s.itemSize
	}
	fileOff -= s.osBlock
	return s.itemsPerBlock*(fileOff/s.blockSize) +
		(fileOff%s.blockSize)/s.itemSize
}

func (s *Stream[T]) blockOf(fileOff int64) int64 {
	return (fileOff - s.osBlock) / s.blockSize
}

// fail marks the stream invalid, remembers the OS error and logs it.
// Every later operation short-circuits with ErrInvalid.
func (s *Stream[T]) fail(op string, err error) error {
	s.status = StatusInvalid
	s.osErrno = err
	s.env.Log.Error().Str("path", s.bf.Path()).Str("op", op).Err(err).
		Msg("stream I/O failure")
	return errors.Wrapf(err, "%s failed on %v", op, s.bf.Path())
}

// ReadItem returns a pointer to the current item and advances the
// cursor.  The pointer borrows the resident block: it is valid only
// until the next operation on this stream handle and must not be
// retained.  Use ReadInto for a copy.
func (s *Stream[T]) ReadItem() (*T, error) {
	if s.status == StatusInvalid {
		return nil, exmem.ErrInvalid
	}
	if s.mode == WriteOnly {
		return nil, exmem.ErrPermissionDenied
	}
	if s.fileOffset >= s.eos {
		return nil, exmem.ErrEndOfStream
	}
	if err := s.validateCurrent(); err != nil {
		return nil, err
	}
	off := s.inBlockByteOffset()
	u := photon.NewFromBytes[T](s.block[off : off+s.itemSize])
	s.fileOffset += s.itemSize
	return u.V, nil
}

// ReadInto copies the current item into dst and advances the cursor.
func (s *Stream[T]) ReadInto(dst *T) error {
	p, err := s.ReadItem()
	if err != nil {
		return err
	}
	*dst = *p
	return nil
}

// WriteItem writes elt at the cursor, marks the resident block dirty
// and advances.  Writing at the end of a non-substream extends the
// stream; a substream fails with ErrEndOfStream at its boundary.
func (s *Stream[T]) WriteItem(elt T) error {
	if s.status == StatusInvalid {
		return exmem.ErrInvalid
	}
	if s.readOnly {
		return exmem.ErrReadOnly
	}
	if s.subLevel > 0 && s.fileOffset >= s.eos {
		return exmem.ErrEndOfStream
	}
	if err := s.validateCurrent(); err != nil {
		return err
	}
	off := s.inBlockByteOffset()
	u := photon.NewFromBytes[T](s.block[off : off+s.itemSize])
	*u.V = elt
	s.blockDirty = true
	s.fileOffset += s.itemSize
	if s.fileOffset > s.eos && s.subLevel == 0 {
		s.eos = s.fileOffset
	}
	return nil
}

func (s *Stream[T]) inBlockByteOffset() int64 {
	return (s.fileOffToItemOff(s.fileOffset) % s.itemsPerBlock) * s.itemSize
}

// validateCurrent guarantees that the resident block holds the full
// item at the cursor.  If only a partial item would fit before the
// block end (unaligned streams), the block is flushed, the cursor skips
// the padding and the next block is mapped.  The padding skip also
// applies with no block resident, which happens when a stream whose
// last block was exactly full is reopened for appending.
func (s *Stream[T]) validateCurrent() error {
	blockStart := s.blockOf(s.fileOffset)*s.blockSize + s.osBlock
	if space := s.blockSize - (s.fileOffset - blockStart); space < s.itemSize {
		if s.blockValid {
			if err := s.unmapCurrent(); err != nil {
				return err
			}
		}
		s.fileOffset += space
	}
	if s.blockValid && s.blockOf(s.fileOffset) == s.blockOf(s.blockOffset) {
		return nil
	}
	if s.blockValid {
		if err := s.unmapCurrent(); err != nil {
			return err
		}
	}
	return s.mapCurrent()
}

// mapCurrent reads the block containing the cursor into the resident
// buffer.  The buffer is allocated lazily on first need.  A writable
// cursor beyond the physical end gets a fresh block without a read.
func (s *Stream[T]) mapCurrent() error {
	blockOffset := s.blockOf(s.fileOffset)*s.blockSize + s.osBlock
	if s.block == nil {
		s.block = make([]byte, s.blockSize)
	}
	if s.fileLength < blockOffset+s.blockSize {
		if s.readOnly {
			return exmem.ErrEndOfStream
		}
		s.blockOffset = blockOffset
		s.blockValid = true
		s.blockDirty = false
		return nil
	}
	if err := s.bf.ReadFull(s.block, blockOffset); err != nil {
		return s.fail("read", err)
	}
	s.blockOffset = blockOffset
	s.blockValid = true
	s.blockDirty = false
	return nil
}

// unmapCurrent releases the resident block, writing it back first if
// dirty and extending the recorded file length when the block lies at
// or past the physical end.
func (s *Stream[T]) unmapCurrent() error {
	if !s.readOnly && s.blockDirty {
		if err := s.bf.Write(s.block, s.blockOffset); err != nil {
			return s.fail("write", err)
		}
		if s.blockOffset+s.blockSize > s.fileLength {
			s.fileLength = s.blockOffset + s.blockSize
		}
	}
	s.blockDirty = false
	s.blockValid = false
	s.blockOffset = 0
	return nil
}

// Seek positions the cursor at item itemOff.  Seeking within the
// resident block performs no I/O; leaving it flushes and invalidates.
func (s *Stream[T]) Seek(itemOff int64) error {
	if s.status == StatusInvalid {
		return exmem.ErrInvalid
	}
	if itemOff < 0 || itemOff > s.Len() {
		return exmem.ErrOffsetOutOfRange
	}
	newOff := s.itemOffToFileOff(s.fileOffToItemOff(s.bos) + itemOff)
	if s.blockValid && s.blockOf(newOff) != s.blockOf(s.fileOffset) {
		if err := s.unmapCurrent(); err != nil {
			return err
		}
	}
	s.fileOffset = newOff
	return nil
}

// Truncate sets the end of stream to item itemOff and shrinks the file
// to the enclosing block boundary.  Extending is not supported and
// substreams cannot truncate.
func (s *Stream[T]) Truncate(itemOff int64) error {
	if s.status == StatusInvalid {
		return exmem.ErrInvalid
	}
	if s.subLevel > 0 {
		return exmem.ErrStreamIsSubstream
	}
	if s.readOnly {
		return exmem.ErrReadOnly
	}
	if itemOff < 0 || itemOff > s.Len() {
		return exmem.ErrOffsetOutOfRange
	}
	newOff := s.itemOffToFileOff(s.fileOffToItemOff(s.bos) + itemOff)
	if s.blockValid && s.blockOf(newOff) != s.blockOf(s.fileOffset) {
		if err := s.unmapCurrent(); err != nil {
			return err
		}
	}
	newLength := s.blockOf(newOff)*s.blockSize + s.osBlock + s.blockSize
	if err := s.bf.Truncate(newLength); err != nil {
		return s.fail("truncate", err)
	}
	s.fileLength = newLength
	s.fileOffset = newOff
	s.eos = newOff
	return nil
}

// Len returns the number of items in the stream (or substream window).
func (s *Stream[T]) Len() int64 {
	return s.fileOffToItemOff(s.eos) - s.fileOffToItemOff(s.bos)
}

// Tell returns the item offset of the cursor.
func (s *Stream[T]) Tell() int64 {
	return s.fileOffToItemOff(s.fileOffset) - s.fileOffToItemOff(s.bos)
}

// ChunkSize returns the number of items per block.
func (s *Stream[T]) ChunkSize() int64 {
	return s.itemsPerBlock
}

func (s *Stream[T]) ItemSize() int64  { return s.itemSize }
func (s *Stream[T]) BlockSize() int64 { return s.blockSize }
func (s *Stream[T]) Path() string     { return s.bf.Path() }
func (s *Stream[T]) Status() Status   { return s.status }
func (s *Stream[T]) OSErrno() error   { return s.osErrno }

// SetPersistence controls whether the backing file survives Close.
// Non-persistent writable level-0 streams unlink their file; a
// read-only stream never does.
func (s *Stream[T]) SetPersistence(persist bool) {
	s.persist = persist
}

// Substream returns an independent view over items [begin, end] of s
// (inclusive: the window [1,3] of [a,b,c,d,e] is [b,c,d]).  The view
// shares s's header but has its own descriptor, cursor and resident
// block.  A dirty resident block of s is flushed first so the substream
// observes it.
func (s *Stream[T]) Substream(mode Mode, begin, end int64) (*Stream[T], error) {
	if s.status == StatusInvalid {
		return nil, exmem.ErrInvalid
	}
	if mode != Read && mode != Write {
		return nil, exmem.ErrPermissionDenied
	}
	if s.readOnly && mode != Read {
		return nil, exmem.ErrPermissionDenied
	}
	if begin < 0 || end < begin || end >= s.Len() {
		return nil, exmem.ErrOffsetOutOfRange
	}
	if s.blockValid && !s.readOnly {
		if err := s.unmapCurrent(); err != nil {
			return nil, err
		}
	}
	flag := os.O_RDONLY
	if mode == Write {
		flag = os.O_RDWR
	}
	bf, err := blockio.Open(s.bf.Path(), flag, 0644)
	if err != nil {
		return nil, err
	}
	superBegin := s.fileOffToItemOff(s.bos)
	sub := &Stream[T]{
		env:           s.env,
		bf:            bf,
		mode:          mode,
		readOnly:      mode == Read,
		persist:       true,
		subLevel:      s.subLevel + 1,
		hdr:           s.hdr,
		itemSize:      s.itemSize,
		itemsPerBlock: s.itemsPerBlock,
		aligned:       s.aligned,
		osBlock:       s.osBlock,
		blockSize:     s.blockSize,
		fileLength:    s.fileLength,
	}
	sub.bos = sub.itemOffToFileOff(superBegin + begin)
	sub.eos = sub.clampEOS(superBegin + end + 1)
	if sub.eos > s.eos {
		bf.Close()
		return nil, exmem.ErrOffsetOutOfRange
	}
	sub.fileOffset = sub.bos
	return sub, nil
}

// MemoryUsage reports memory accounting for the planner.  Substreams
// report overhead without the shared header, which is charged to the
// level-0 stream.
func (s *Stream[T]) MemoryUsage(kind MemoryUsageKind) int64 {
	overhead := int64(handleOverhead) + 3*allocOverhead
	if s.subLevel == 0 {
		overhead += headerByteSize
	}
	switch kind {
	case MemoryOverhead:
		return overhead
	case MemoryBuffer:
		return s.blockSize + allocOverhead
	case MemoryCurrent:
		if s.block == nil {
			return overhead
		}
		return overhead + s.blockSize + allocOverhead
	default: // MemoryMaximum
		return overhead + s.blockSize + allocOverhead
	}
}

// EstimatedMemoryUsage is the maximum memory a stream of T opened with
// the given block factor will use, without opening one.
func EstimatedMemoryUsage(env *exmem.Env, lbf int) int64 {
	if lbf <= 0 {
		lbf = DefaultBlockFactor
	}
	return int64(handleOverhead) + headerByteSize + 4*allocOverhead +
		int64(lbf)*int64(env.OSBlockSize)
}

// Close flushes the resident block, writes back the header of a
// writable persistent level-0 stream and closes the descriptor.
// Non-persistent writable level-0 streams unlink the backing file.  Substreams
// must be closed before their super-stream.  Close is idempotent.
func (s *Stream[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.status == StatusInvalid {
		// Already broken: release the descriptor, nothing else.
		s.bf.Close()
		return nil
	}
	if s.subLevel == 0 && !s.readOnly {
		s.hdr.ItemLogicalEOF = uint64(s.fileOffToItemOff(s.eos))
	}
	if s.blockValid {
		if err := s.unmapCurrent(); err != nil {
			s.bf.Close()
			return err
		}
	}
	if s.subLevel > 0 {
		return s.bf.Close()
	}
	if !s.readOnly && s.persist {
		if err := writeHeader(s.bf, s.hdr, s.osBlock); err != nil {
			s.status = StatusInvalid
			s.osErrno = err
			s.env.Log.Error().Str("path", s.bf.Path()).Err(err).
				Msg("failed to write back stream header")
			s.bf.Close()
			return err
		}
	}
	if err := s.bf.Close(); err != nil {
		return err
	}
	if !s.persist && !s.readOnly {
		return s.bf.Remove()
	}
	return nil
}
