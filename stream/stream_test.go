package stream

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/dropbox/godropbox/gocheck2"
	. "gopkg.in/check.v1"

	"github.com/robot-dreams/exmem"
)

func Test(t *testing.T) {
	TestingT(t)
}

type StreamSuite struct {
	env *exmem.Env
}

var _ = Suite(&StreamSuite{})

func (s *StreamSuite) SetUpTest(c *C) {
	env := exmem.NewEnv()
	// A small OS block size makes block boundaries cheap to reach.
	env.OSBlockSize = 32
	env.TempDir = c.MkDir()
	s.env = env
}

func (s *StreamSuite) path(c *C, name string) string {
	return filepath.Join(s.env.TempDir, name)
}

// item3 does not divide the 32 byte block: 10 items per block with 2
// bytes of padding.
type item3 [3]byte

// item32 fills a block exactly when lbf is 1.
type item32 [32]byte

func (s *StreamSuite) TestWriteCloseReopenRead(c *C) {
	path := s.path(c, "roundtrip")
	w, err := Open[int64](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	for i := int64(0); i < 5; i++ {
		c.Assert(w.WriteItem(i), IsNil)
	}
	c.Assert(w.Len(), Equals, int64(5))
	c.Assert(w.Close(), IsNil)

	r, err := Open[int64](s.env, path, Read, 1)
	c.Assert(err, IsNil)
	c.Assert(r.Len(), Equals, int64(5))
	for i := int64(0); i < 5; i++ {
		p, err := r.ReadItem()
		c.Assert(err, IsNil)
		c.Assert(*p, Equals, i)
	}
	_, err = r.ReadItem()
	c.Assert(err, Equals, exmem.ErrEndOfStream)
	// Repeated reads at the end keep failing the same way.
	_, err = r.ReadItem()
	c.Assert(err, Equals, exmem.ErrEndOfStream)
	c.Assert(r.Close(), IsNil)
}

func (s *StreamSuite) TestSeekTellIdentity(c *C) {
	path := s.path(c, "seektell")
	w, err := Open[int64](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	n := int64(17)
	for i := int64(0); i < n; i++ {
		c.Assert(w.WriteItem(i*10), IsNil)
	}
	for i := int64(0); i <= n; i++ {
		c.Assert(w.Seek(i), IsNil)
		c.Assert(w.Tell(), Equals, i)
	}
	// Seek back into the middle and read what was written there.
	c.Assert(w.Seek(7), IsNil)
	p, err := w.ReadItem()
	c.Assert(err, IsNil)
	c.Assert(*p, Equals, int64(70))
	c.Assert(w.Seek(n+1), Equals, exmem.ErrOffsetOutOfRange)
	c.Assert(w.Seek(-1), Equals, exmem.ErrOffsetOutOfRange)
	c.Assert(w.Close(), IsNil)
}

func (s *StreamSuite) TestSeekWithinBlock(c *C) {
	path := s.path(c, "inblock")
	w, err := Open[int64](s.env, path, Write, 2)
	c.Assert(err, IsNil)
	// 8 items per 64 byte block; stay inside the first block.
	for i := int64(0); i < 8; i++ {
		c.Assert(w.WriteItem(i), IsNil)
	}
	for _, i := range []int64{3, 0, 7, 2} {
		c.Assert(w.Seek(i), IsNil)
		p, err := w.ReadItem()
		c.Assert(err, IsNil)
		c.Assert(*p, Equals, i)
	}
	c.Assert(w.Close(), IsNil)
}

func (s *StreamSuite) TestOffsetMapRoundTrip(c *C) {
	path := s.path(c, "offsets")
	w, err := Open[item3](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	defer w.Close()
	c.Assert(w.aligned, IsFalse)
	for i := int64(0); i < 64; i++ {
		byteOff := w.itemOffToFileOff(i)
		c.Assert(w.fileOffToItemOff(byteOff), Equals, i)
	}
	a, err := Open[int64](s.env, s.path(c, "offsets-aligned"), Write, 1)
	c.Assert(err, IsNil)
	defer a.Close()
	c.Assert(a.aligned, IsTrue)
	for i := int64(0); i < 64; i++ {
		c.Assert(a.fileOffToItemOff(a.itemOffToFileOff(i)), Equals, i)
	}
}

func (s *StreamSuite) TestUnalignedRoundTripAndEOSClamp(c *C) {
	path := s.path(c, "unaligned")
	w, err := Open[item3](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	c.Assert(w.ChunkSize(), Equals, int64(10))
	// Exactly one full block of items: the last item is the last slot
	// of its block, the case where the end of stream must be clamped.
	for i := 0; i < 10; i++ {
		c.Assert(w.WriteItem(item3{byte(i), byte(i + 1), byte(i + 2)}), IsNil)
	}
	c.Assert(w.Close(), IsNil)

	r, err := Open[item3](s.env, path, Read, 1)
	c.Assert(err, IsNil)
	c.Assert(r.Len(), Equals, int64(10))
	// The clamped end of stream sits just past the last item, not at
	// the block-aligned successor.
	c.Assert(r.eos, Equals, r.itemOffToFileOff(9)+3)
	for i := 0; i < 10; i++ {
		p, err := r.ReadItem()
		c.Assert(err, IsNil)
		c.Assert(*p, Equals, item3{byte(i), byte(i + 1), byte(i + 2)})
	}
	_, err = r.ReadItem()
	c.Assert(err, Equals, exmem.ErrEndOfStream)
	c.Assert(r.Close(), IsNil)
}

func (s *StreamSuite) TestUnalignedAcrossBlocks(c *C) {
	path := s.path(c, "unaligned-multi")
	w, err := Open[item3](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	for i := 0; i < 25; i++ {
		c.Assert(w.WriteItem(item3{byte(i), byte(2 * i), byte(3 * i)}), IsNil)
	}
	c.Assert(w.Close(), IsNil)

	r, err := Open[item3](s.env, path, Read, 1)
	c.Assert(err, IsNil)
	c.Assert(r.Len(), Equals, int64(25))
	for i := 0; i < 25; i++ {
		var v item3
		c.Assert(r.ReadInto(&v), IsNil)
		c.Assert(v, Equals, item3{byte(i), byte(2 * i), byte(3 * i)})
	}
	c.Assert(r.Close(), IsNil)
}

func (s *StreamSuite) TestOneItemPerBlock(c *C) {
	path := s.path(c, "fullblock")
	w, err := Open[item32](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	c.Assert(w.ChunkSize(), Equals, int64(1))
	for i := 0; i < 5; i++ {
		var v item32
		v[0] = byte(i)
		v[31] = byte(100 + i)
		c.Assert(w.WriteItem(v), IsNil)
	}
	c.Assert(w.Close(), IsNil)

	r, err := Open[item32](s.env, path, Read, 1)
	c.Assert(err, IsNil)
	c.Assert(r.Len(), Equals, int64(5))
	for i := 0; i < 5; i++ {
		p, err := r.ReadItem()
		c.Assert(err, IsNil)
		c.Assert(p[0], Equals, byte(i))
		c.Assert(p[31], Equals, byte(100+i))
	}
	c.Assert(r.Close(), IsNil)
}

func (s *StreamSuite) TestItemTooLarge(c *C) {
	type big [40]byte
	_, err := Open[big](s.env, s.path(c, "big"), Write, 1)
	c.Assert(err, NotNil)
}

func (s *StreamSuite) TestTruncate(c *C) {
	path := s.path(c, "truncate")
	w, err := Open[int64](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	for i := int64(0); i < 10; i++ {
		c.Assert(w.WriteItem(i), IsNil)
	}

	// Exactly at a block boundary (4 items per 32 byte block).
	c.Assert(w.Truncate(8), IsNil)
	c.Assert(w.Len(), Equals, int64(8))
	c.Assert(w.Tell(), Equals, int64(8))

	// Mid-block.
	c.Assert(w.Truncate(3), IsNil)
	c.Assert(w.Len(), Equals, int64(3))

	// Extending via truncate is unsupported.
	c.Assert(w.Truncate(5), Equals, exmem.ErrOffsetOutOfRange)
	c.Assert(w.Truncate(-1), Equals, exmem.ErrOffsetOutOfRange)
	c.Assert(w.Close(), IsNil)

	r, err := Open[int64](s.env, path, Read, 1)
	c.Assert(err, IsNil)
	c.Assert(r.Len(), Equals, int64(3))
	for i := int64(0); i < 3; i++ {
		p, err := r.ReadItem()
		c.Assert(err, IsNil)
		c.Assert(*p, Equals, i)
	}
	c.Assert(r.Close(), IsNil)
}

func (s *StreamSuite) TestAppend(c *C) {
	path := s.path(c, "append")
	w, err := Open[int64](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	c.Assert(w.WriteItem(1), IsNil)
	c.Assert(w.WriteItem(2), IsNil)
	c.Assert(w.Close(), IsNil)

	a, err := Open[int64](s.env, path, Append, 1)
	c.Assert(err, IsNil)
	c.Assert(a.Tell(), Equals, int64(2))
	c.Assert(a.WriteItem(3), IsNil)
	c.Assert(a.Close(), IsNil)

	r, err := Open[int64](s.env, path, Read, 1)
	c.Assert(err, IsNil)
	c.Assert(r.Len(), Equals, int64(3))
	expected := []int64{1, 2, 3}
	for _, want := range expected {
		p, err := r.ReadItem()
		c.Assert(err, IsNil)
		c.Assert(*p, Equals, want)
	}
	c.Assert(r.Close(), IsNil)
}

func (s *StreamSuite) TestAppendAfterClampedEOS(c *C) {
	// Fill exactly one block of 3 byte items, reopen for append: the
	// cursor starts in the padding and must skip to the next block.
	path := s.path(c, "append-clamped")
	w, err := Open[item3](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	for i := 0; i < 10; i++ {
		c.Assert(w.WriteItem(item3{byte(i), 0, 0}), IsNil)
	}
	c.Assert(w.Close(), IsNil)

	a, err := Open[item3](s.env, path, Append, 1)
	c.Assert(err, IsNil)
	c.Assert(a.Tell(), Equals, int64(10))
	c.Assert(a.WriteItem(item3{99, 0, 0}), IsNil)
	c.Assert(a.Close(), IsNil)

	r, err := Open[item3](s.env, path, Read, 1)
	c.Assert(err, IsNil)
	c.Assert(r.Len(), Equals, int64(11))
	for i := 0; i < 10; i++ {
		p, err := r.ReadItem()
		c.Assert(err, IsNil)
		c.Assert(p[0], Equals, byte(i))
	}
	p, err := r.ReadItem()
	c.Assert(err, IsNil)
	c.Assert(p[0], Equals, byte(99))
	c.Assert(r.Close(), IsNil)
}

func (s *StreamSuite) TestModeErrors(c *C) {
	path := s.path(c, "modes")
	w, err := Open[int64](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	c.Assert(w.WriteItem(7), IsNil)
	c.Assert(w.Close(), IsNil)

	r, err := Open[int64](s.env, path, Read, 1)
	c.Assert(err, IsNil)
	c.Assert(r.WriteItem(1), Equals, exmem.ErrReadOnly)
	c.Assert(r.Truncate(0), Equals, exmem.ErrReadOnly)
	c.Assert(r.Close(), IsNil)

	wo, err := Open[int64](s.env, path, WriteOnly, 1)
	c.Assert(err, IsNil)
	_, err = wo.ReadItem()
	c.Assert(err, Equals, exmem.ErrPermissionDenied)
	c.Assert(wo.Close(), IsNil)
}

func (s *StreamSuite) TestSubstreamWindow(c *C) {
	path := s.path(c, "substream")
	super, err := Open[int64](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	for _, v := range []int64{10, 11, 12, 13, 14} {
		c.Assert(super.WriteItem(v), IsNil)
	}

	// substream(1, 3) of [a,b,c,d,e] is [b,c,d].
	sub, err := super.Substream(Read, 1, 3)
	c.Assert(err, IsNil)
	c.Assert(sub.Len(), Equals, int64(3))
	for _, want := range []int64{11, 12, 13} {
		p, err := sub.ReadItem()
		c.Assert(err, IsNil)
		c.Assert(*p, Equals, want)
	}
	_, err = sub.ReadItem()
	c.Assert(err, Equals, exmem.ErrEndOfStream)

	// Substreams cannot truncate.
	c.Assert(sub.Truncate(0), Equals, exmem.ErrStreamIsSubstream)

	// Substream of a substream narrows further: [1,2] of [b,c,d] is [c,d].
	subsub, err := sub.Substream(Read, 1, 2)
	c.Assert(err, IsNil)
	c.Assert(subsub.Len(), Equals, int64(2))
	for _, want := range []int64{12, 13} {
		p, err := subsub.ReadItem()
		c.Assert(err, IsNil)
		c.Assert(*p, Equals, want)
	}
	c.Assert(subsub.Close(), IsNil)
	c.Assert(sub.Close(), IsNil)
	c.Assert(super.Close(), IsNil)
}

func (s *StreamSuite) TestSubstreamOfUnaligned(c *C) {
	path := s.path(c, "substream-unaligned")
	super, err := Open[item3](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	for i := 0; i < 23; i++ {
		c.Assert(super.WriteItem(item3{byte(i), 0, 0}), IsNil)
	}
	sub, err := super.Substream(Read, 5, 15)
	c.Assert(err, IsNil)
	c.Assert(sub.Len(), Equals, int64(11))
	for i := 5; i <= 15; i++ {
		p, err := sub.ReadItem()
		c.Assert(err, IsNil)
		c.Assert(p[0], Equals, byte(i))
	}
	_, err = sub.ReadItem()
	c.Assert(err, Equals, exmem.ErrEndOfStream)
	c.Assert(sub.Close(), IsNil)
	c.Assert(super.Close(), IsNil)
}

func (s *StreamSuite) TestSubstreamWriteVisibility(c *C) {
	path := s.path(c, "substream-write")
	super, err := Open[int64](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	for i := int64(0); i < 6; i++ {
		c.Assert(super.WriteItem(i), IsNil)
	}

	sub, err := super.Substream(Write, 1, 3)
	c.Assert(err, IsNil)
	c.Assert(sub.WriteItem(100), IsNil)
	c.Assert(sub.WriteItem(101), IsNil)
	c.Assert(sub.WriteItem(102), IsNil)
	// The substream boundary holds.
	c.Assert(sub.WriteItem(103), Equals, exmem.ErrEndOfStream)
	// Visible to the super-stream once the substream flushes.
	c.Assert(sub.Close(), IsNil)

	c.Assert(super.Seek(0), IsNil)
	expected := []int64{0, 100, 101, 102, 4, 5}
	for _, want := range expected {
		var v int64
		c.Assert(super.ReadInto(&v), IsNil)
		c.Assert(v, Equals, want)
	}
	c.Assert(super.Close(), IsNil)
}

func (s *StreamSuite) TestSubstreamPermissions(c *C) {
	path := s.path(c, "substream-perm")
	w, err := Open[int64](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	for i := int64(0); i < 4; i++ {
		c.Assert(w.WriteItem(i), IsNil)
	}
	c.Assert(w.Close(), IsNil)

	r, err := Open[int64](s.env, path, Read, 1)
	c.Assert(err, IsNil)
	_, err = r.Substream(Write, 0, 1)
	c.Assert(err, Equals, exmem.ErrPermissionDenied)
	_, err = r.Substream(Read, 2, 10)
	c.Assert(err, Equals, exmem.ErrOffsetOutOfRange)
	c.Assert(r.Close(), IsNil)
}

func (s *StreamSuite) TestNonPersistentUnlinks(c *C) {
	path := s.path(c, "temp")
	w, err := Open[int64](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	c.Assert(w.WriteItem(1), IsNil)
	w.SetPersistence(false)
	c.Assert(w.Close(), IsNil)
	_, err = os.Stat(path)
	c.Assert(os.IsNotExist(err), IsTrue)
}

func (s *StreamSuite) TestFileLengthInvariant(c *C) {
	path := s.path(c, "length")
	w, err := Open[int64](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	// 9 items, 4 per block: 3 data blocks after the header block.
	for i := int64(0); i < 9; i++ {
		c.Assert(w.WriteItem(i), IsNil)
	}
	c.Assert(w.Close(), IsNil)
	fi, err := os.Stat(path)
	c.Assert(err, IsNil)
	c.Assert(fi.Size(), Equals, int64(32+3*32))
}

func (s *StreamSuite) TestForeignBlockFactorAccepted(c *C) {
	path := s.path(c, "foreign")
	w, err := Open[int64](s.env, path, Write, 2)
	c.Assert(err, IsNil)
	for i := int64(0); i < 5; i++ {
		c.Assert(w.WriteItem(i), IsNil)
	}
	c.Assert(w.Close(), IsNil)

	// Opening with a different factor warns but works; the on-disk
	// factor wins.
	r, err := Open[int64](s.env, path, Read, 1)
	c.Assert(err, IsNil)
	c.Assert(r.BlockSize(), Equals, int64(64))
	c.Assert(r.Len(), Equals, int64(5))
	c.Assert(r.Close(), IsNil)
}

func (s *StreamSuite) TestHeaderValidation(c *C) {
	path := s.path(c, "garbage")
	c.Assert(os.WriteFile(path, make([]byte, 64), 0644), IsNil)
	_, err := Open[int64](s.env, path, Read, 1)
	c.Assert(err, NotNil)
}

func (s *StreamSuite) TestMemoryUsage(c *C) {
	path := s.path(c, "memory")
	w, err := Open[int64](s.env, path, Write, 1)
	c.Assert(err, IsNil)
	overhead := w.MemoryUsage(MemoryOverhead)
	c.Assert(overhead > 0, IsTrue)
	// No block resident yet.
	c.Assert(w.MemoryUsage(MemoryCurrent), Equals, overhead)
	c.Assert(w.WriteItem(1), IsNil)
	c.Assert(w.MemoryUsage(MemoryCurrent) > overhead, IsTrue)
	c.Assert(w.MemoryUsage(MemoryMaximum) >= w.MemoryUsage(MemoryCurrent), IsTrue)

	sub, err := w.Substream(Write, 0, 0)
	c.Assert(err, IsNil)
	// The shared header is charged to the level-0 stream.
	c.Assert(sub.MemoryUsage(MemoryOverhead) < overhead, IsTrue)
	c.Assert(sub.Close(), IsNil)
	c.Assert(w.Close(), IsNil)
}
