// Package exmem implements external-memory computation: typed streams of
// fixed-size records backed by block-buffered files, an external merge
// sort, and a pipelining runtime that composes computation nodes into
// phased graphs under an explicit memory budget.
package exmem

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/exp/constraints"
)

// DefaultOSBlockSize is used when an Env does not override the
// filesystem block size.
const DefaultOSBlockSize = 4096

// Env is the runtime context threaded through every stream and pipeline.
// There is no process-wide state; tests may run several Envs side by
// side with different block sizes and temp directories.
type Env struct {
	Log         zerolog.Logger
	OSBlockSize int
	TempDir     string

	tempSeq int
}

func NewEnv() *Env {
	return &Env{
		Log:         zerolog.Nop(),
		OSBlockSize: DefaultOSBlockSize,
		TempDir:     os.TempDir(),
	}
}

// TempPath returns a fresh path for a temporary stream.  Paths are
// unique per Env; an Env is single-threaded, like everything else here.
func (e *Env) TempPath(prefix string) string {
	e.tempSeq++
	return filepath.Join(
		e.TempDir,
		prefix+"-"+strconv.Itoa(os.Getpid())+"-"+strconv.Itoa(e.tempSeq))
}

// Less is the default ordering for sort and merge.
func Less[T constraints.Ordered](a, b T) bool {
	return a < b
}
