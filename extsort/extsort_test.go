package extsort

import (
	"math/rand"
	"path/filepath"
	"testing"

	. "github.com/dropbox/godropbox/gocheck2"
	. "gopkg.in/check.v1"

	"github.com/robot-dreams/exmem"
	"github.com/robot-dreams/exmem/progress"
	"github.com/robot-dreams/exmem/stream"
)

func Test(t *testing.T) {
	TestingT(t)
}

type SortSuite struct {
	env *exmem.Env
}

var _ = Suite(&SortSuite{})

func (s *SortSuite) SetUpTest(c *C) {
	env := exmem.NewEnv()
	env.OSBlockSize = 512
	env.TempDir = c.MkDir()
	s.env = env
}

func (s *SortSuite) sortInts(c *C, values []int64, budget int64) []int64 {
	inPath := filepath.Join(s.env.TempDir, "input")
	outPath := filepath.Join(s.env.TempDir, "output")

	in, err := stream.Open[int64](s.env, inPath, stream.Write, 1)
	c.Assert(err, IsNil)
	for _, v := range values {
		c.Assert(in.WriteItem(v), IsNil)
	}
	out, err := stream.Open[int64](s.env, outPath, stream.Write, 1)
	c.Assert(err, IsNil)

	c.Assert(Sort(s.env, in, out, exmem.Less[int64], budget, progress.Null{}), IsNil)
	c.Assert(out.Len(), Equals, int64(len(values)))

	c.Assert(out.Seek(0), IsNil)
	result := make([]int64, len(values))
	for i := range result {
		c.Assert(out.ReadInto(&result[i]), IsNil)
	}
	c.Assert(in.Close(), IsNil)
	c.Assert(out.Close(), IsNil)
	return result
}

func checkSorted(c *C, values, sorted []int64) {
	counts := make(map[int64]int)
	for _, v := range values {
		counts[v]++
	}
	for i, v := range sorted {
		if i > 0 {
			c.Assert(sorted[i-1] <= v, IsTrue)
		}
		counts[v]--
		c.Assert(counts[v] >= 0, IsTrue)
	}
	for _, n := range counts {
		c.Assert(n, Equals, 0)
	}
}

func (s *SortSuite) TestSmallRandom(c *C) {
	rng := rand.New(rand.NewSource(1))
	values := make([]int64, 20)
	for i := range values {
		values[i] = rng.Int63()
	}
	sorted := s.sortInts(c, values, 1<<20)
	checkSorted(c, values, sorted)
}

func (s *SortSuite) TestMultiPassMerge(c *C) {
	// A 1200 byte budget against 512 byte blocks forces 22 item runs
	// and a fan-in of 2, so several merge passes must happen.
	rng := rand.New(rand.NewSource(7))
	values := make([]int64, 1000)
	for i := range values {
		values[i] = rng.Int63n(500) // plenty of duplicate keys
	}
	sorted := s.sortInts(c, values, 1200)
	checkSorted(c, values, sorted)
}

func (s *SortSuite) TestAlreadySorted(c *C) {
	values := make([]int64, 300)
	for i := range values {
		values[i] = int64(i)
	}
	sorted := s.sortInts(c, values, 8000)
	checkSorted(c, values, sorted)
}

func (s *SortSuite) TestEmptyInput(c *C) {
	sorted := s.sortInts(c, nil, 1<<20)
	c.Assert(len(sorted), Equals, 0)
}

func (s *SortSuite) TestSingleItem(c *C) {
	sorted := s.sortInts(c, []int64{99}, 1<<20)
	c.Assert(sorted, DeepEquals, []int64{99})
}

func (s *SortSuite) TestTinyBudgetDegrades(c *C) {
	// Budget below two block buffers: single-item runs, still correct.
	rng := rand.New(rand.NewSource(3))
	values := make([]int64, 50)
	for i := range values {
		values[i] = rng.Int63()
	}
	sorted := s.sortInts(c, values, 100)
	checkSorted(c, values, sorted)
}
