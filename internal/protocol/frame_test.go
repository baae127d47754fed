package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameIncomplete(t *testing.T) {
	frame := AppendFrame(nil, []byte("hello world"))

	for cut := 0; cut < len(frame); cut++ {
		_, n, err := DecodeFrame(frame[:cut])
		require.ErrorIs(t, err, ErrIncompleteFrame, "cut at %d", cut)
		assert.Zero(t, n)
	}

	payload, n, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, []byte("hello world"), payload)
}

func TestDecodeFrameTwoFrames(t *testing.T) {
	buf := AppendFrame(nil, []byte("a"))
	buf = AppendFrame(buf, []byte("bc"))

	first, n, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), first)

	second, m, err := DecodeFrame(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, []byte("bc"), second)
	assert.Equal(t, len(buf), n+m)
}

func TestDecodeFrameOversized(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)

	_, _, err := DecodeFrame(hdr[:])
	require.ErrorIs(t, err, ErrProtocol)
}

func TestFrameReaderOneByteReads(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, WriteMagic(&stream))
	require.NoError(t, WriteFrame(&stream, []byte("first")))
	require.NoError(t, WriteFrame(&stream, []byte{}))
	require.NoError(t, WriteFrame(&stream, []byte("third")))

	r := NewFrameReader(iotest.OneByteReader(&stream))
	require.NoError(t, r.ReadMagic())

	for _, want := range []string{"first", "", "third"} {
		got, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := r.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderTruncatedPayload(t *testing.T) {
	frame := AppendFrame(nil, []byte("truncated"))
	r := NewFrameReader(bytes.NewReader(frame[:len(frame)-2]))

	_, err := r.ReadFrame()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameReaderBadMagic(t *testing.T) {
	r := NewFrameReader(bytes.NewReader([]byte("HTTP/1.1")))
	require.ErrorIs(t, r.ReadMagic(), ErrProtocol)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("3.1")
	require.NoError(t, err)
	assert.Equal(t, V3_1_0, v)
	assert.True(t, v.IsSupported())
	assert.Equal(t, 1, V3_1_0.Compare(V3_0_0))
	assert.Equal(t, 0, V3_0_0.Compare(V3_0_0))

	_, err = ParseVersion("three")
	require.Error(t, err)
	assert.False(t, Version{Major: 2}.IsSupported())
}
