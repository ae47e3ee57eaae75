// Package wire implements the length-prefixed message framing and the
// request/response records exchanged between the rendezvous server and the
// local-server/local-client agents.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload a single frame may carry. It bounds
// memory use when reading an untrusted length prefix.
const MaxFrameSize = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned by ReadFrame when the length prefix exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds max frame size")

// ReadFrame reads one length-prefixed frame from r: a 4-byte big-endian
// length followed by that many payload bytes. A zero-length frame is legal
// and returns a non-nil, zero-length slice.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if n != 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("wire: read frame payload: %w", err)
		}
	}
	return buf, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(payload)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if len(payload) != 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write frame payload: %w", err)
		}
	}
	return nil
}
