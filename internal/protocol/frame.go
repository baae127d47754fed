package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 1 << 24

const frameHeaderSize = 4

// Magic opens the stream in both directions, before the handshake frames.
var Magic = [4]byte{'G', 'S', 'Q', 'L'}

var (
	// ErrProtocol marks malformed or unexpected data on the wire. It is fatal
	// to the connection that produced it.
	ErrProtocol = errors.New("protocol error")

	// ErrIncompleteFrame is returned by DecodeFrame when the buffer does not
	// hold a whole frame yet. More bytes must be read before retrying.
	ErrIncompleteFrame = errors.New("incomplete frame")
)

func malformed(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrProtocol, what)
	}
	return fmt.Errorf("%w: %s: %w", ErrProtocol, what, err)
}

// DecodeFrame extracts the first frame from buf. It returns the payload and
// the number of bytes consumed, or ErrIncompleteFrame if buf is short.
func DecodeFrame(buf []byte) ([]byte, int, error) {
	if len(buf) < frameHeaderSize {
		return nil, 0, ErrIncompleteFrame
	}
	size := binary.BigEndian.Uint32(buf[:frameHeaderSize])
	if size > MaxFrameSize {
		return nil, 0, malformed(fmt.Sprintf("frame size %d out of bounds (0..%d)", size, MaxFrameSize), nil)
	}
	end := frameHeaderSize + int(size)
	if len(buf) < end {
		return nil, 0, ErrIncompleteFrame
	}
	return buf[frameHeaderSize:end], end, nil
}

// AppendFrame appends payload to dst with its length prefix.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame size %d exceeds %d", len(payload), MaxFrameSize)
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteMagic writes the stream preamble.
func WriteMagic(w io.Writer) error {
	_, err := w.Write(Magic[:])
	return err
}

// FrameReader reads frames from a byte stream. A read may return any number
// of bytes, so every read goes through io.ReadFull.
type FrameReader struct {
	rd  io.Reader
	tmp [frameHeaderSize]byte
}

// NewFrameReader wraps rd in a buffered reader unless it already is one.
func NewFrameReader(rd io.Reader) *FrameReader {
	if _, ok := rd.(*bufio.Reader); !ok {
		rd = bufio.NewReader(rd)
	}
	return &FrameReader{rd: rd}
}

// ReadMagic consumes the stream preamble and validates it.
func (r *FrameReader) ReadMagic() error {
	if _, err := io.ReadFull(r.rd, r.tmp[:]); err != nil {
		return err
	}
	if !bytes.Equal(r.tmp[:], Magic[:]) {
		return malformed(fmt.Sprintf("bad magic %q", r.tmp[:]), nil)
	}
	return nil
}

// ReadFrame returns the next frame payload. The returned slice is owned by
// the caller; it is not reused by later reads.
func (r *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(r.rd, r.tmp[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(r.tmp[:])
	if size > MaxFrameSize {
		return nil, malformed(fmt.Sprintf("frame size %d out of bounds (0..%d)", size, MaxFrameSize), nil)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.rd, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
