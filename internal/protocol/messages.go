package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Op is a request operation code.
type Op int

const (
	OpHeartbeat         Op = 1
	OpTxBegin           Op = 43
	OpTxCommit          Op = 44
	OpTxRollback        Op = 45
	OpSQLExec           Op = 50
	OpSQLCursorNextPage Op = 51
	OpSQLCursorClose    Op = 52
)

func (o Op) String() string {
	switch o {
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpTxBegin:
		return "TX_BEGIN"
	case OpTxCommit:
		return "TX_COMMIT"
	case OpTxRollback:
		return "TX_ROLLBACK"
	case OpSQLExec:
		return "SQL_EXEC"
	case OpSQLCursorNextPage:
		return "SQL_CURSOR_NEXT_PAGE"
	case OpSQLCursorClose:
		return "SQL_CURSOR_CLOSE"
	}
	return fmt.Sprintf("OP(%d)", int(o))
}

// ClientCode identifies this connector to the server.
const ClientCode = 2

// responseKind is the only message kind the server sends after the handshake.
const responseKind = 0

// Handshake extension keys.
const (
	ExtAuthType     = "authn-type"
	ExtAuthIdentity = "authn-identity"
	ExtAuthSecret   = "authn-secret"
)

// HandshakeRequest is the first frame a client sends after the magic.
type HandshakeRequest struct {
	Version    Version
	ClientCode int
	Features   []byte
	Extensions map[string]string
}

// HandshakeResponse answers a HandshakeRequest. On CodeVersionMismatch,
// Version carries the version the server proposes instead.
type HandshakeResponse struct {
	Version     Version
	Err         *ErrorPayload
	IdleTimeout time.Duration
	NodeID      string
	NodeName    string
	ClusterID   string
	ClusterName string
	Features    []byte
	Extensions  map[string]string
}

func newEncoder() (*bytes.Buffer, *msgpack.Encoder) {
	var buf bytes.Buffer
	return &buf, msgpack.NewEncoder(&buf)
}

func newDecoder(payload []byte) (*bytes.Reader, *msgpack.Decoder) {
	r := bytes.NewReader(payload)
	return r, msgpack.NewDecoder(r)
}

// sizeHint bounds a length read from the wire by the bytes left in the
// payload; every element takes at least one byte.
func sizeHint(n int, in *bytes.Reader) int {
	return min(max(n, 0), in.Len())
}

func encodeVersion(enc *msgpack.Encoder, v Version) error {
	for _, n := range [...]int{v.Major, v.Minor, v.Patch} {
		if err := enc.EncodeInt(int64(n)); err != nil {
			return err
		}
	}
	return nil
}

func decodeVersion(dec *msgpack.Decoder) (Version, error) {
	var nums [3]int
	for i := range nums {
		n, err := dec.DecodeInt()
		if err != nil {
			return Version{}, malformed("version", err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// encodeExtensions writes keys in sorted order so encoding is deterministic.
func encodeExtensions(enc *msgpack.Encoder, ext map[string]string) error {
	keys := make([]string, 0, len(ext))
	for k := range ext {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.EncodeString(ext[k]); err != nil {
			return err
		}
	}
	return nil
}

func decodeExtensions(dec *msgpack.Decoder, in *bytes.Reader) (map[string]string, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, malformed("extensions", err)
	}
	if n <= 0 {
		return nil, nil
	}
	ext := make(map[string]string, sizeHint(n, in))
	for cnt := 0; cnt < n; cnt++ {
		k, err := dec.DecodeString()
		if err != nil {
			return nil, malformed("extension key", err)
		}
		v, err := dec.DecodeString()
		if err != nil {
			return nil, malformed("extension "+k, err)
		}
		ext[k] = v
	}
	return ext, nil
}

// Encode returns the handshake request payload.
func (h *HandshakeRequest) Encode() ([]byte, error) {
	buf, enc := newEncoder()
	if err := encodeVersion(enc, h.Version); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(h.ClientCode)); err != nil {
		return nil, err
	}
	if err := enc.EncodeBytes(h.Features); err != nil {
		return nil, err
	}
	if err := encodeExtensions(enc, h.Extensions); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHandshakeRequest parses a client handshake payload.
func DecodeHandshakeRequest(payload []byte) (*HandshakeRequest, error) {
	in, dec := newDecoder(payload)
	var h HandshakeRequest
	var err error
	if h.Version, err = decodeVersion(dec); err != nil {
		return nil, err
	}
	if h.ClientCode, err = dec.DecodeInt(); err != nil {
		return nil, malformed("client code", err)
	}
	if h.Features, err = dec.DecodeBytes(); err != nil {
		return nil, malformed("features", err)
	}
	if h.Extensions, err = decodeExtensions(dec, in); err != nil {
		return nil, err
	}
	return &h, nil
}

// Encode returns the handshake response payload.
func (h *HandshakeResponse) Encode() ([]byte, error) {
	buf, enc := newEncoder()
	if err := encodeVersion(enc, h.Version); err != nil {
		return nil, err
	}
	if err := encodeErrorPayload(enc, h.Err); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(h.IdleTimeout.Milliseconds()); err != nil {
		return nil, err
	}
	for _, s := range [...]string{h.NodeID, h.NodeName, h.ClusterID, h.ClusterName} {
		if err := enc.EncodeString(s); err != nil {
			return nil, err
		}
	}
	if err := enc.EncodeBytes(h.Features); err != nil {
		return nil, err
	}
	if err := encodeExtensions(enc, h.Extensions); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHandshakeResponse parses a server handshake payload. A response with
// an error section has no further fields.
func DecodeHandshakeResponse(payload []byte) (*HandshakeResponse, error) {
	in, dec := newDecoder(payload)
	var h HandshakeResponse
	var err error
	if h.Version, err = decodeVersion(dec); err != nil {
		return nil, err
	}
	if h.Err, err = decodeErrorPayload(dec); err != nil {
		return nil, err
	}
	if h.Err != nil {
		return &h, nil
	}
	idleMs, err := dec.DecodeInt64()
	if err != nil {
		return nil, malformed("idle timeout", err)
	}
	h.IdleTimeout = time.Duration(idleMs) * time.Millisecond
	for _, dst := range []*string{&h.NodeID, &h.NodeName, &h.ClusterID, &h.ClusterName} {
		if *dst, err = dec.DecodeString(); err != nil {
			return nil, malformed("node info", err)
		}
	}
	if h.Features, err = dec.DecodeBytes(); err != nil {
		return nil, malformed("features", err)
	}
	if h.Extensions, err = decodeExtensions(dec, in); err != nil {
		return nil, err
	}
	return &h, nil
}

// ErrUnknownOp is returned by DecodeRequest for op codes it does not know.
var ErrUnknownOp = errors.New("unknown op")

// Request is an operation body sent after the op code and request id.
type Request interface {
	Op() Op
	encodeBody(enc *msgpack.Encoder) error
}

// EncodeRequest returns the frame payload for req.
func EncodeRequest(id int64, req Request) ([]byte, error) {
	buf, enc := newEncoder()
	if err := enc.EncodeInt(int64(req.Op())); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(id); err != nil {
		return nil, err
	}
	if err := req.encodeBody(enc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses a request payload on the server side. For an unknown
// op the request id is still returned alongside the error so the server can
// reply to it.
func DecodeRequest(payload []byte) (int64, Request, error) {
	_, dec := newDecoder(payload)
	op, err := dec.DecodeInt()
	if err != nil {
		return 0, nil, malformed("op code", err)
	}
	id, err := dec.DecodeInt64()
	if err != nil {
		return 0, nil, malformed("request id", err)
	}

	var req Request
	switch Op(op) {
	case OpHeartbeat:
		req = &HeartbeatRequest{}
	case OpTxBegin:
		r := &TxBeginRequest{}
		r.ReadOnly, err = dec.DecodeBool()
		req = r
	case OpTxCommit:
		r := &TxCommitRequest{}
		r.TxID, err = dec.DecodeInt64()
		req = r
	case OpTxRollback:
		r := &TxRollbackRequest{}
		r.TxID, err = dec.DecodeInt64()
		req = r
	case OpSQLExec:
		req, err = decodeSQLExecRequest(dec)
	case OpSQLCursorNextPage:
		r := &NextPageRequest{}
		r.ResourceID, err = dec.DecodeInt64()
		req = r
	case OpSQLCursorClose:
		r := &CursorCloseRequest{}
		r.ResourceID, err = dec.DecodeInt64()
		req = r
	default:
		return id, nil, malformed(fmt.Sprintf("op %d", op), ErrUnknownOp)
	}
	if err != nil {
		return id, nil, malformed(Op(op).String()+" body", err)
	}
	return id, req, nil
}

type HeartbeatRequest struct{}

func (*HeartbeatRequest) Op() Op                                { return OpHeartbeat }
func (*HeartbeatRequest) encodeBody(enc *msgpack.Encoder) error { return nil }

type TxBeginRequest struct {
	ReadOnly bool
}

func (*TxBeginRequest) Op() Op { return OpTxBegin }
func (r *TxBeginRequest) encodeBody(enc *msgpack.Encoder) error {
	return enc.EncodeBool(r.ReadOnly)
}

type TxCommitRequest struct {
	TxID int64
}

func (*TxCommitRequest) Op() Op { return OpTxCommit }
func (r *TxCommitRequest) encodeBody(enc *msgpack.Encoder) error {
	return enc.EncodeInt(r.TxID)
}

type TxRollbackRequest struct {
	TxID int64
}

func (*TxRollbackRequest) Op() Op { return OpTxRollback }
func (r *TxRollbackRequest) encodeBody(enc *msgpack.Encoder) error {
	return enc.EncodeInt(r.TxID)
}

// SQLExecRequest runs one statement. A nil TxID runs it in an implicit
// transaction; an empty Schema uses the server default.
type SQLExecRequest struct {
	TxID         *int64
	Schema       string
	PageSize     int
	Timeout      time.Duration
	Query        string
	Args         []Value
	ObservableTs int64
}

func (*SQLExecRequest) Op() Op { return OpSQLExec }

func (r *SQLExecRequest) encodeBody(enc *msgpack.Encoder) error {
	var err error
	if r.TxID == nil {
		err = enc.EncodeNil()
	} else {
		err = enc.EncodeInt(*r.TxID)
	}
	if err != nil {
		return err
	}
	if r.Schema == "" {
		err = enc.EncodeNil()
	} else {
		err = enc.EncodeString(r.Schema)
	}
	if err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(r.PageSize)); err != nil {
		return err
	}
	if err := enc.EncodeInt(r.Timeout.Milliseconds()); err != nil {
		return err
	}
	if err := enc.EncodeString(r.Query); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(r.Args)); err != nil {
		return err
	}
	for _, a := range r.Args {
		if err := encodeArg(enc, a); err != nil {
			return err
		}
	}
	return enc.EncodeInt(r.ObservableTs)
}

func decodeSQLExecRequest(dec *msgpack.Decoder) (*SQLExecRequest, error) {
	r := &SQLExecRequest{}
	isNil, err := peekNil(dec)
	if err != nil {
		return nil, err
	}
	if !isNil {
		id, err := dec.DecodeInt64()
		if err != nil {
			return nil, err
		}
		r.TxID = &id
	}
	if isNil, err = peekNil(dec); err != nil {
		return nil, err
	}
	if !isNil {
		if r.Schema, err = dec.DecodeString(); err != nil {
			return nil, err
		}
	}
	if r.PageSize, err = dec.DecodeInt(); err != nil {
		return nil, err
	}
	timeoutMs, err := dec.DecodeInt64()
	if err != nil {
		return nil, err
	}
	r.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if r.Query, err = dec.DecodeString(); err != nil {
		return nil, err
	}
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	for cnt, end := 0, max(n, 0); cnt < end; cnt++ {
		v, err := decodeArg(dec)
		if err != nil {
			return nil, err
		}
		r.Args = append(r.Args, v)
	}
	if r.ObservableTs, err = dec.DecodeInt64(); err != nil {
		return nil, err
	}
	return r, nil
}

type NextPageRequest struct {
	ResourceID int64
}

func (*NextPageRequest) Op() Op { return OpSQLCursorNextPage }
func (r *NextPageRequest) encodeBody(enc *msgpack.Encoder) error {
	return enc.EncodeInt(r.ResourceID)
}

type CursorCloseRequest struct {
	ResourceID int64
}

func (*CursorCloseRequest) Op() Op { return OpSQLCursorClose }
func (r *CursorCloseRequest) encodeBody(enc *msgpack.Encoder) error {
	return enc.EncodeInt(r.ResourceID)
}

// peekNil consumes a nil if one is next and reports whether it did.
func peekNil(dec *msgpack.Decoder) (bool, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return false, err
	}
	if code != msgpcode.Nil {
		return false, nil
	}
	return true, dec.DecodeNil()
}

// ResponseHeader is the fixed part of every response frame.
type ResponseHeader struct {
	RequestID int64
	Flags     int
	// ObservableTs is only on the wire from V3_1_0.
	ObservableTs int64
	Err          *ErrorPayload
}

// ResponseBody is an operation-specific response payload.
type ResponseBody interface {
	encodeBody(enc *msgpack.Encoder) error
}

// EncodeResponse returns the frame payload for a response. body may be nil
// for operations with an empty response and must be nil when hdr.Err is set.
func EncodeResponse(v Version, hdr ResponseHeader, body ResponseBody) ([]byte, error) {
	buf, enc := newEncoder()
	if err := enc.EncodeInt(responseKind); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(hdr.RequestID); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(hdr.Flags)); err != nil {
		return nil, err
	}
	if v.hasObservableTimestamp() {
		if err := enc.EncodeInt(hdr.ObservableTs); err != nil {
			return nil, err
		}
	}
	if err := encodeErrorPayload(enc, hdr.Err); err != nil {
		return nil, err
	}
	if body != nil && hdr.Err == nil {
		if err := body.encodeBody(enc); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeResponse parses the response header and returns the remaining
// operation body.
func DecodeResponse(v Version, payload []byte) (ResponseHeader, []byte, error) {
	r, dec := newDecoder(payload)
	var hdr ResponseHeader

	kind, err := dec.DecodeInt()
	if err != nil {
		return hdr, nil, malformed("message kind", err)
	}
	if kind != responseKind {
		return hdr, nil, malformed(fmt.Sprintf("unknown message kind %d", kind), nil)
	}
	if hdr.RequestID, err = dec.DecodeInt64(); err != nil {
		return hdr, nil, malformed("request id", err)
	}
	if hdr.Flags, err = dec.DecodeInt(); err != nil {
		return hdr, nil, malformed("flags", err)
	}
	if v.hasObservableTimestamp() {
		if hdr.ObservableTs, err = dec.DecodeInt64(); err != nil {
			return hdr, nil, malformed("observable timestamp", err)
		}
	}
	if hdr.Err, err = decodeErrorPayload(dec); err != nil {
		return hdr, nil, err
	}
	return hdr, payload[len(payload)-r.Len():], nil
}

// TxBeginResponse carries the id of a new transaction.
type TxBeginResponse struct {
	TxID int64
}

func (r *TxBeginResponse) encodeBody(enc *msgpack.Encoder) error {
	return enc.EncodeInt(r.TxID)
}

func DecodeTxBeginResponse(body []byte) (*TxBeginResponse, error) {
	_, dec := newDecoder(body)
	id, err := dec.DecodeInt64()
	if err != nil {
		return nil, malformed("tx id", err)
	}
	return &TxBeginResponse{TxID: id}, nil
}

// SQLExecResponse describes a statement result. When HasRowSet is false the
// statement produced an update count in AffectedRows (-1 when not
// applicable). ResourceID is set while the server holds more pages.
type SQLExecResponse struct {
	ResourceID   *int64
	HasRowSet    bool
	HasMore      bool
	WasApplied   bool
	AffectedRows int64
	Columns      []Column
	Rows         []Row
}

func (r *SQLExecResponse) encodeBody(enc *msgpack.Encoder) error {
	var err error
	if r.ResourceID == nil {
		err = enc.EncodeNil()
	} else {
		err = enc.EncodeInt(*r.ResourceID)
	}
	if err != nil {
		return err
	}
	for _, b := range [...]bool{r.HasRowSet, r.HasMore, r.WasApplied} {
		if err := enc.EncodeBool(b); err != nil {
			return err
		}
	}
	if err := enc.EncodeInt(r.AffectedRows); err != nil {
		return err
	}
	if !r.HasRowSet {
		return nil
	}
	if err := enc.EncodeArrayLen(len(r.Columns)); err != nil {
		return err
	}
	for _, c := range r.Columns {
		if err := enc.EncodeArrayLen(5); err != nil {
			return err
		}
		if err := enc.EncodeString(c.Name); err != nil {
			return err
		}
		if err := enc.EncodeInt(int64(c.Type)); err != nil {
			return err
		}
		if err := enc.EncodeBool(c.Nullable); err != nil {
			return err
		}
		if err := enc.EncodeInt(int64(c.Precision)); err != nil {
			return err
		}
		if err := enc.EncodeInt(int64(c.Scale)); err != nil {
			return err
		}
	}
	return encodeRows(enc, r.Rows)
}

func DecodeSQLExecResponse(body []byte) (*SQLExecResponse, error) {
	in, dec := newDecoder(body)
	r := &SQLExecResponse{}

	isNil, err := peekNil(dec)
	if err != nil {
		return nil, malformed("resource id", err)
	}
	if !isNil {
		id, err := dec.DecodeInt64()
		if err != nil {
			return nil, malformed("resource id", err)
		}
		r.ResourceID = &id
	}
	for _, dst := range []*bool{&r.HasRowSet, &r.HasMore, &r.WasApplied} {
		if *dst, err = dec.DecodeBool(); err != nil {
			return nil, malformed("result flags", err)
		}
	}
	if r.AffectedRows, err = dec.DecodeInt64(); err != nil {
		return nil, malformed("affected rows", err)
	}
	if !r.HasRowSet {
		return r, nil
	}

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, malformed("columns", err)
	}
	r.Columns = make([]Column, 0, sizeHint(n, in))
	for cnt, end := 0, max(n, 0); cnt < end; cnt++ {
		c, err := decodeColumn(dec)
		if err != nil {
			return nil, err
		}
		r.Columns = append(r.Columns, c)
	}
	if r.Rows, err = decodeRows(dec, in, r.Columns); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeColumn(dec *msgpack.Decoder) (Column, error) {
	var c Column
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return c, malformed("column", err)
	}
	if n != 5 {
		return c, malformed(fmt.Sprintf("column has %d fields, want 5", n), nil)
	}
	if c.Name, err = dec.DecodeString(); err != nil {
		return c, malformed("column name", err)
	}
	code, err := dec.DecodeInt()
	if err != nil {
		return c, malformed("column type", err)
	}
	c.Type = ColumnType(code)
	if !c.Type.Valid() {
		return c, malformed(fmt.Sprintf("column %q has unknown type %d", c.Name, code), nil)
	}
	if c.Nullable, err = dec.DecodeBool(); err != nil {
		return c, malformed("column nullable", err)
	}
	if c.Precision, err = dec.DecodeInt(); err != nil {
		return c, malformed("column precision", err)
	}
	if c.Scale, err = dec.DecodeInt(); err != nil {
		return c, malformed("column scale", err)
	}
	return c, nil
}

// NextPageResponse is one further page of a row set.
type NextPageResponse struct {
	Rows    []Row
	HasMore bool
}

func (r *NextPageResponse) encodeBody(enc *msgpack.Encoder) error {
	if err := encodeRows(enc, r.Rows); err != nil {
		return err
	}
	return enc.EncodeBool(r.HasMore)
}

// DecodeNextPageResponse decodes rows using the columns of the original
// SQL_EXEC response.
func DecodeNextPageResponse(body []byte, cols []Column) (*NextPageResponse, error) {
	in, dec := newDecoder(body)
	rows, err := decodeRows(dec, in, cols)
	if err != nil {
		return nil, err
	}
	more, err := dec.DecodeBool()
	if err != nil {
		return nil, malformed("has more", err)
	}
	return &NextPageResponse{Rows: rows, HasMore: more}, nil
}
