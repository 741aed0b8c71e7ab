package blockio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/dropbox/godropbox/gocheck2"
	. "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	TestingT(t)
}

type BlockIOSuite struct{}

var _ = Suite(&BlockIOSuite{})

func (s *BlockIOSuite) TestReadWriteTruncate(c *C) {
	path := filepath.Join(c.MkDir(), "blocks")
	bf, err := Open(path, os.O_RDWR|os.O_CREATE, 0644)
	c.Assert(err, IsNil)

	block := make([]byte, 64)
	for i := range block {
		block[i] = byte(i)
	}
	c.Assert(bf.Write(block, 0), IsNil)
	c.Assert(bf.Write(block, 64), IsNil)
	// A non-sequential write forces a seek behind the scenes.
	c.Assert(bf.Write(block, 256), IsNil)

	n, err := bf.Size()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(320))

	got := make([]byte, 64)
	c.Assert(bf.ReadFull(got, 64), IsNil)
	c.Assert(got, DeepEquals, block)

	c.Assert(bf.Truncate(128), IsNil)
	n, err = bf.Size()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(128))

	// Sequential reads after a truncate still work.
	c.Assert(bf.ReadFull(got, 0), IsNil)
	c.Assert(bf.ReadFull(got, 64), IsNil)
	c.Assert(got, DeepEquals, block)

	c.Assert(bf.Close(), IsNil)
	c.Assert(bf.Remove(), IsNil)
	_, err = os.Stat(path)
	c.Assert(os.IsNotExist(err), IsTrue)
}

func (s *BlockIOSuite) TestPathTooLong(c *C) {
	_, err := Open(strings.Repeat("x", MaxPathLen+1), os.O_RDONLY, 0)
	c.Assert(err, NotNil)
}
