// Package blockio provides positioned reads and writes of fixed-size
// blocks over a single file descriptor.  A cached kernel offset lets
// sequential block transfers skip redundant seeks.
package blockio

import (
	"io"
	"os"

	"github.com/dropbox/godropbox/errors"
)

// MaxPathLen bounds the accepted path length.
const MaxPathLen = 4096

// invalidPointer marks the cached kernel offset as unknown.
const invalidPointer = -1

type File struct {
	f       *os.File
	path    string
	pointer int64
}

func Open(path string, flag int, perm os.FileMode) (*File, error) {
	if len(path) > MaxPathLen {
		return nil, errors.Newf("path too long (%d bytes): %.64s...", len(path), path)
	}
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &File{
		f:       f,
		path:    path,
		pointer: 0,
	}, nil
}

func (bf *File) Path() string {
	return bf.path
}

// ReadFull reads len(p) bytes starting at off, seeking only if the
// kernel offset is not already there.
func (bf *File) ReadFull(p []byte, off int64) error {
	if err := bf.seekTo(off); err != nil {
		return err
	}
	n, err := io.ReadFull(bf.f, p)
	if err != nil {
		bf.pointer = invalidPointer
		return err
	}
	bf.pointer = off + int64(n)
	return nil
}

// Write writes len(p) bytes starting at off, seeking only if needed.
func (bf *File) Write(p []byte, off int64) error {
	if err := bf.seekTo(off); err != nil {
		return err
	}
	n, err := bf.f.Write(p)
	if err != nil {
		bf.pointer = invalidPointer
		return err
	}
	if n != len(p) {
		bf.pointer = invalidPointer
		return errors.Newf("short write: %d of %d bytes", n, len(p))
	}
	bf.pointer = off + int64(n)
	return nil
}

func (bf *File) seekTo(off int64) error {
	if bf.pointer == off {
		return nil
	}
	if _, err := bf.f.Seek(off, io.SeekStart); err != nil {
		bf.pointer = invalidPointer
		return err
	}
	bf.pointer = off
	return nil
}

// Truncate sets the file length and invalidates the cached offset.
func (bf *File) Truncate(n int64) error {
	bf.pointer = invalidPointer
	return bf.f.Truncate(n)
}

// Size reports the current file length.  The kernel offset is left at
// the end of the file.
func (bf *File) Size() (int64, error) {
	end, err := bf.f.Seek(0, io.SeekEnd)
	if err != nil {
		bf.pointer = invalidPointer
		return 0, err
	}
	bf.pointer = end
	return end, nil
}

func (bf *File) Close() error {
	bf.pointer = invalidPointer
	return bf.f.Close()
}

// Remove unlinks the backing file.  The descriptor must already be
// closed by the caller.
func (bf *File) Remove() error {
	return os.Remove(bf.path)
}
