package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Frames are a 4-byte big-endian unsigned length followed by exactly that
// many bytes of UTF-8 encoded JSON. The length counts the body only.
const (
	// DefaultMaxFrame is the largest frame body accepted or emitted unless
	// the broker is configured otherwise.
	DefaultMaxFrame = 1 << 20

	frameHeaderSize = 4
)

// ReadFrame reads a single frame body from r. A header announcing more than
// max bytes fails with frame_too_large before any of the body is consumed;
// the connection is unusable afterwards since the stream is no longer
// aligned on a frame boundary.
func ReadFrame(r *bufio.Reader, max int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if int64(size) > int64(max) {
		return nil, NewError(CodeFrameTooLarge,
			fmt.Sprintf("frame of %d bytes exceeds limit of %d", size, max))
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes the length header and body to w. The caller owns
// flushing; write pumps batch several frames per flush.
func WriteFrame(w *bufio.Writer, body []byte, max int) error {
	if len(body) > max {
		return NewError(CodeFrameTooLarge,
			fmt.Sprintf("outbound frame of %d bytes exceeds limit of %d", len(body), max))
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}
