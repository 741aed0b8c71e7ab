// Command xmemtest exercises the external-memory library end to end:
// stream round-trips, external sort, and pipeline execution.  It exits
// zero iff every check passes.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/robot-dreams/exmem"
	"github.com/robot-dreams/exmem/extsort"
	"github.com/robot-dreams/exmem/pipe"
	"github.com/robot-dreams/exmem/progress"
	"github.com/robot-dreams/exmem/stream"
)

var (
	flagTestSize int64
	flagMMSize   int64
	flagSeed     int64
	flagVerbose  bool
)

func newEnv() *exmem.Env {
	env := exmem.NewEnv()
	if flagVerbose {
		env.Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	return env
}

func check(ok bool, format string, args ...interface{}) {
	if !ok {
		fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
		os.Exit(1)
	}
}

func runStreamTest(cmd *cobra.Command, args []string) {
	env := newEnv()
	path := filepath.Join(env.TempDir, fmt.Sprintf("xmemtest-stream-%d", os.Getpid()))
	defer os.Remove(path)

	s, err := stream.Open[int64](env, path, stream.Write, 0)
	check(err == nil, "open for write: %v", err)
	for i := int64(0); i < flagTestSize; i++ {
		check(s.WriteItem(i*3) == nil, "write item %d", i)
	}
	check(s.Len() == flagTestSize, "stream_len %d != %d", s.Len(), flagTestSize)
	check(s.Close() == nil, "close after write")

	r, err := stream.Open[int64](env, path, stream.Read, 0)
	check(err == nil, "reopen for read: %v", err)
	check(r.Len() == flagTestSize, "reopened stream_len %d != %d", r.Len(), flagTestSize)
	for i := int64(0); i < flagTestSize; i++ {
		var v int64
		check(r.ReadInto(&v) == nil, "read item %d", i)
		check(v == i*3, "item %d: got %d want %d", i, v, i*3)
	}
	_, err = r.ReadItem()
	check(err == exmem.ErrEndOfStream, "expected end of stream, got %v", err)
	check(r.Close() == nil, "close after read")
	fmt.Printf("stream: %d items ok\n", flagTestSize)
}

func runSortTest(cmd *cobra.Command, args []string) {
	env := newEnv()
	rng := rand.New(rand.NewSource(flagSeed))

	inPath := filepath.Join(env.TempDir, fmt.Sprintf("xmemtest-sort-in-%d", os.Getpid()))
	outPath := filepath.Join(env.TempDir, fmt.Sprintf("xmemtest-sort-out-%d", os.Getpid()))
	defer os.Remove(inPath)
	defer os.Remove(outPath)

	in, err := stream.Open[int64](env, inPath, stream.Write, 0)
	check(err == nil, "open input: %v", err)
	counts := make(map[int64]int)
	for i := int64(0); i < flagTestSize; i++ {
		v := rng.Int63()
		counts[v]++
		check(in.WriteItem(v) == nil, "write input %d", i)
	}

	out, err := stream.Open[int64](env, outPath, stream.Write, 0)
	check(err == nil, "open output: %v", err)
	var ind progress.Indicator = progress.Null{}
	if flagVerbose {
		ind = progress.NewLogger(env.Log)
	}
	err = extsort.Sort(env, in, out, exmem.Less[int64], flagMMSize, ind)
	check(err == nil, "sort: %v", err)
	check(out.Len() == flagTestSize, "output length %d != %d", out.Len(), flagTestSize)

	check(out.Seek(0) == nil, "seek output")
	prev := int64(-1 << 62)
	for i := int64(0); i < flagTestSize; i++ {
		var v int64
		check(out.ReadInto(&v) == nil, "read output %d", i)
		check(v >= prev, "output not sorted at %d: %d < %d", i, v, prev)
		counts[v]--
		check(counts[v] >= 0, "output has extra copies of %d", v)
		prev = v
	}
	check(in.Close() == nil, "close input")
	check(out.Close() == nil, "close output")
	fmt.Printf("sort: %d items in %s ok\n", flagTestSize, humanize.IBytes(uint64(flagMMSize)))
}

func runPipelineTest(cmd *cobra.Command, args []string) {
	env := newEnv()
	input := make([]int64, flagTestSize)
	for i := range input {
		input[i] = int64(i)
	}
	var output []int64
	p := pipe.Seal(env,
		pipe.ThenBegin(
			pipe.InputSlice(input),
			pipe.Then(pipe.Multiply[int64](3), pipe.Multiply[int64](2))),
		pipe.CapEnd(pipe.SortPipe(exmem.Less[int64]), pipe.OutputSlice(&output)))
	err := p.Run(flagMMSize, progress.Null{})
	check(err == nil, "pipeline run: %v", err)
	check(int64(len(output)) == flagTestSize, "output length %d != %d", len(output), flagTestSize)
	for i, v := range output {
		check(v == int64(i)*6, "output[%d]: got %d want %d", i, v, int64(i)*6)
	}
	fmt.Printf("pipeline: %d items ok\n", flagTestSize)
}

func main() {
	root := &cobra.Command{
		Use:   "xmemtest",
		Short: "exercise external-memory streams, sort and pipelines",
	}
	root.PersistentFlags().Int64Var(&flagTestSize, "test-size", 1<<16, "number of test items")
	root.PersistentFlags().Int64Var(&flagMMSize, "mm-size", 16<<20, "memory budget in bytes")
	root.PersistentFlags().Int64Var(&flagSeed, "seed", 1, "random seed")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log debug output")

	root.AddCommand(
		&cobra.Command{Use: "stream", Short: "stream round-trip checks", Run: runStreamTest},
		&cobra.Command{Use: "sort", Short: "external sort checks", Run: runSortTest},
		&cobra.Command{Use: "pipeline", Short: "pipeline execution checks", Run: runPipelineTest},
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
