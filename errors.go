package exmem

import (
	"errors"
	"io"
)

// Stream-layer error codes.  End of stream is io.EOF so that callers can
// use the usual idiom; the remaining codes are sentinels compared with
// plain equality.  An I/O failure marks the stream invalid and every
// later operation fails fast with ErrInvalid.
var (
	ErrEndOfStream       = io.EOF
	ErrReadOnly          = errors.New("stream is read only")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrStreamIsSubstream = errors.New("operation not permitted on a substream")
	ErrOffsetOutOfRange  = errors.New("offset out of range")
	ErrOS                = errors.New("os error")
	ErrInvalid           = errors.New("stream is invalid")
)
