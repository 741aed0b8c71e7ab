package stream

import (
	"github.com/dropbox/godropbox/errors"
	"github.com/outofforest/photon"

	"github.com/robot-dreams/exmem/blockio"
)

const (
	headerMagic   uint32 = 0x4d454d58 // "XMEM"
	headerVersion uint16 = 1

	// TypeBlockBuffered is the header type byte of this backend.
	TypeBlockBuffered uint8 = 85
)

// diskHeader is the on-disk stream preamble.  It is overlaid on the
// first OS block of the file; the remainder of that block is zero.
// Multi-byte fields are little-endian, which photon gives us for free on
// the supported architectures.
type diskHeader struct {
	Magic          uint32
	Version        uint16
	Type           uint8
	_              uint8
	BlockSize      uint64
	ItemLogicalEOF uint64
}

// headerByteSize is the size of the packed header struct.
var headerByteSize = int64(len(photon.NewFromValue(&diskHeader{}).B))

func newHeader(blockSize int64) *diskHeader {
	return &diskHeader{
		Magic:     headerMagic,
		Version:   headerVersion,
		Type:      TypeBlockBuffered,
		BlockSize: uint64(blockSize),
	}
}

// readHeader reads and validates the first osBlock bytes of bf.  The
// returned header is a copy; it does not alias the read buffer.
func readHeader(bf *blockio.File, osBlock int64) (*diskHeader, error) {
	buf := make([]byte, osBlock)
	if err := bf.ReadFull(buf, 0); err != nil {
		return nil, errors.Wrapf(err, "reading stream header from %v", bf.Path())
	}
	u := photon.NewFromBytes[diskHeader](buf)
	hdr := *u.V
	if hdr.Magic != headerMagic {
		return nil, errors.Newf(
			"bad magic in %v: %#x (want %#x)", bf.Path(), hdr.Magic, headerMagic)
	}
	if hdr.Version != headerVersion {
		return nil, errors.Newf(
			"unsupported stream version %d in %v", hdr.Version, bf.Path())
	}
	if hdr.BlockSize == 0 || int64(hdr.BlockSize)%osBlock != 0 {
		return nil, errors.Newf(
			"incorrect logical block size %d in %v: expected nonzero multiple of %d",
			hdr.BlockSize, bf.Path(), osBlock)
	}
	return &hdr, nil
}

// writeHeader writes hdr, zero-padded to a full OS block, at offset 0.
func writeHeader(bf *blockio.File, hdr *diskHeader, osBlock int64) error {
	buf := make([]byte, osBlock)
	u := photon.NewFromBytes[diskHeader](buf)
	*u.V = *hdr
	if err := bf.Write(buf, 0); err != nil {
		return errors.Wrapf(err, "writing stream header to %v", bf.Path())
	}
	return nil
}
