package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeInternal         = 1
	CodeVersionMismatch  = 2
	CodeAuthFailed       = 3
	CodeSQL              = 4
	CodeResourceNotFound = 5
	CodeTxNotFound       = 6
	CodeUnsupportedOp    = 7
)

// ErrorPayload is the error section of a handshake or response frame.
type ErrorPayload struct {
	Code     int
	SQLState string
	Message  string
	TraceID  string
}

func (e *ErrorPayload) Error() string {
	if e.SQLState != "" {
		return fmt.Sprintf("code %d [%s]: %s", e.Code, e.SQLState, e.Message)
	}
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

func encodeErrorPayload(enc *msgpack.Encoder, e *ErrorPayload) error {
	if e == nil {
		return enc.EncodeNil()
	}
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(e.Code)); err != nil {
		return err
	}
	if err := enc.EncodeString(e.SQLState); err != nil {
		return err
	}
	if err := enc.EncodeString(e.Message); err != nil {
		return err
	}
	return enc.EncodeString(e.TraceID)
}

func decodeErrorPayload(dec *msgpack.Decoder) (*ErrorPayload, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, malformed("error section", err)
	}
	if code == msgpcode.Nil {
		return nil, dec.DecodeNil()
	}

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, malformed("error section", err)
	}
	if n != 4 {
		return nil, malformed(fmt.Sprintf("error section has %d fields, want 4", n), nil)
	}

	var e ErrorPayload
	if e.Code, err = dec.DecodeInt(); err != nil {
		return nil, malformed("error code", err)
	}
	if e.SQLState, err = dec.DecodeString(); err != nil {
		return nil, malformed("error sql state", err)
	}
	if e.Message, err = dec.DecodeString(); err != nil {
		return nil, malformed("error message", err)
	}
	if e.TraceID, err = dec.DecodeString(); err != nil {
		return nil, malformed("error trace id", err)
	}
	return &e, nil
}
