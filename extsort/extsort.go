// Package extsort implements external merge sort over block-buffered
// streams: a run-formation pass bounded by the memory budget, then
// multi-pass k-way merging with a fan-in chosen so that the merge
// buffers fit in the same budget.
package extsort

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/dropbox/godropbox/errors"
	"github.com/dustin/go-humanize"

	"github.com/robot-dreams/exmem"
	"github.com/robot-dreams/exmem/merger"
	"github.com/robot-dreams/exmem/progress"
	"github.com/robot-dreams/exmem/stream"
)

// maxFanIn bounds the number of simultaneously open run streams so a
// huge budget does not exhaust file descriptors.
const maxFanIn = 512

// Sort reads every item of in, sorts them under less and writes the
// result to out.  budget bounds the resident memory used for run
// formation and merging.  in is consumed from the beginning; out must
// be an empty writable stream.  Equal items keep their order within a
// single run only; across runs, ties break on run index.
func Sort[T comparable](
	env *exmem.Env,
	in *stream.Stream[T],
	out *stream.Stream[T],
	less func(a, b T) bool,
	budget int64,
	ind progress.Indicator,
) error {
	if ind == nil {
		ind = progress.Null{}
	}
	itemSize := in.ItemSize()
	blockSize := in.BlockSize()
	lbf := int(blockSize) / env.OSBlockSize

	// Two stream buffers (input and current run) come out of the
	// budget before items do.
	runLength := (budget - 2*blockSize) / itemSize
	if runLength < 1 {
		env.Log.Warn().
			Str("budget", humanize.IBytes(uint64(budget))).
			Int64("item_size", itemSize).
			Msg("memory budget too small for external sort, degrading to single-item runs")
		runLength = 1
	}

	// A merge pass needs one block buffer per input, one for the
	// output, and heap entries per input.
	fanIn := (budget - blockSize) / (blockSize + 2*itemSize)
	if fanIn < 2 {
		fanIn = 2
	}
	if fanIn > maxFanIn {
		fanIn = maxFanIn
	}

	runDir, err := os.MkdirTemp(env.TempDir, "sorted-runs-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(runDir)

	runPaths, err := formRuns(env, in, runDir, lbf, runLength, less, ind)
	if err != nil {
		return err
	}
	if len(runPaths) == 0 {
		return nil
	}

	env.Log.Debug().
		Int("runs", len(runPaths)).
		Int64("fan_in", fanIn).
		Str("budget", humanize.IBytes(uint64(budget))).
		Msg("formed sorted runs")

	// Intermediate merge passes, until the final merge fits one pass.
	pass := 0
	for int64(len(runPaths)) > fanIn {
		pass++
		ind.Init("merge pass "+strconv.Itoa(pass), in.Len())
		var next []string
		for start := 0; start < len(runPaths); start += int(fanIn) {
			stop := start + int(fanIn)
			if stop > len(runPaths) {
				stop = len(runPaths)
			}
			mergedPath := filepath.Join(
				runDir, "merged-"+strconv.Itoa(pass)+"-"+strconv.Itoa(len(next)))
			merged, err := stream.Open[T](env, mergedPath, stream.Write, lbf)
			if err != nil {
				return err
			}
			if err := mergeRuns(env, runPaths[start:stop], merged, lbf, less, ind); err != nil {
				merged.Close()
				return err
			}
			if err := merged.Close(); err != nil {
				return err
			}
			next = append(next, mergedPath)
		}
		runPaths = next
	}

	// Final merge straight into the output stream.
	ind.Init("final merge", in.Len())
	if err := mergeRuns(env, runPaths, out, lbf, less, ind); err != nil {
		return err
	}
	ind.Done()
	return nil
}

func formRuns[T comparable](
	env *exmem.Env,
	in *stream.Stream[T],
	runDir string,
	lbf int,
	runLength int64,
	less func(a, b T) bool,
	ind progress.Indicator,
) ([]string, error) {
	if err := in.Seek(0); err != nil {
		return nil, err
	}
	ind.Init("forming runs", in.Len())
	var runPaths []string
	items := make([]T, 0, runLength)
	for {
		items = items[:0]
		for int64(len(items)) < runLength {
			var item T
			err := in.ReadInto(&item)
			if err == exmem.ErrEndOfStream {
				break
			} else if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		if len(items) == 0 {
			break
		}
		merger.SortRun(items, less)
		runPath := filepath.Join(runDir, "sorted-run-"+strconv.Itoa(len(runPaths)))
		if err := writeRun(env, runPath, lbf, items); err != nil {
			return nil, err
		}
		runPaths = append(runPaths, runPath)
		ind.Step(int64(len(items)))
	}
	return runPaths, nil
}

func writeRun[T comparable](env *exmem.Env, path string, lbf int, items []T) error {
	run, err := stream.Open[T](env, path, stream.Write, lbf)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := run.WriteItem(item); err != nil {
			run.Close()
			return err
		}
	}
	return run.Close()
}

func mergeRuns[T comparable](
	env *exmem.Env,
	runPaths []string,
	out *stream.Stream[T],
	lbf int,
	less func(a, b T) bool,
	ind progress.Indicator,
) error {
	inputs := make([]merger.Input[T], len(runPaths))
	streams := make([]*stream.Stream[T], len(runPaths))
	defer func() {
		for _, s := range streams {
			if s != nil {
				s.Close()
			}
		}
	}()
	for i, p := range runPaths {
		s, err := stream.Open[T](env, p, stream.Read, lbf)
		if err != nil {
			return err
		}
		streams[i] = s
		inputs[i] = s
	}
	h, err := merger.NewHeap(inputs, less)
	if err != nil {
		return err
	}
	for !h.Empty() {
		item, err := h.Pull()
		if err != nil {
			return err
		}
		if err := out.WriteItem(item); err != nil {
			return errors.Wrapf(err, "writing merged run to %v", out.Path())
		}
		ind.Step(1)
	}
	return nil
}
