package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeFrame(t *testing.T, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteFrame(w, body, DefaultMaxFrame))
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

func TestFrameRoundTrip(t *testing.T) {
	body := []byte(`{"v":1,"type":"hello","payload":{"client_name":"test"}}`)
	raw := encodeFrame(t, body)

	require.Len(t, raw, 4+len(body))
	assert.Equal(t, uint32(len(body)), binary.BigEndian.Uint32(raw[:4]))

	got, err := ReadFrame(bufio.NewReader(bytes.NewReader(raw)), DefaultMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReadFrameAtLimit(t *testing.T) {
	limit := 64
	body := bytes.Repeat([]byte("x"), limit)
	raw := encodeFrame(t, body)

	got, err := ReadFrame(bufio.NewReader(bytes.NewReader(raw)), limit)
	require.NoError(t, err)
	assert.Len(t, got, limit)
}

func TestReadFrameOverLimit(t *testing.T) {
	limit := 64
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], uint32(limit+1))

	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(raw[:])), limit)
	require.Error(t, err)

	perr := AsError(err)
	assert.Equal(t, CodeFrameTooLarge, perr.Code)
	assert.False(t, perr.Retryable)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	raw := encodeFrame(t, []byte(`{"type":"hello"}`))

	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(raw[:len(raw)-3])), DefaultMaxFrame)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameEOFBetweenFrames(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(nil)), DefaultMaxFrame)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteFrameOverLimit(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	err := WriteFrame(w, bytes.Repeat([]byte("y"), 65), 64)
	require.Error(t, err)
	assert.Equal(t, CodeFrameTooLarge, AsError(err).Code)
}

func TestReadFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	first := []byte(`{"type":"a"}`)
	second := []byte(`{"type":"b"}`)
	require.NoError(t, WriteFrame(w, first, DefaultMaxFrame))
	require.NoError(t, WriteFrame(w, second, DefaultMaxFrame))
	require.NoError(t, w.Flush())

	r := bufio.NewReader(&buf)
	got, err := ReadFrame(r, DefaultMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = ReadFrame(r, DefaultMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = ReadFrame(r, DefaultMaxFrame)
	assert.ErrorIs(t, err, io.EOF)
}
