package protocol

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/inf.v0"
)

func TestHandshakeRequestDeterministic(t *testing.T) {
	req := &HandshakeRequest{
		Version:    CurrentVersion,
		ClientCode: ClientCode,
		Extensions: map[string]string{
			ExtAuthType:     "basic",
			ExtAuthIdentity: "admin",
			ExtAuthSecret:   "secret",
		},
	}
	a, err := req.Encode()
	require.NoError(t, err)
	for cnt := 0; cnt < 10; cnt++ {
		b, err := req.Encode()
		require.NoError(t, err)
		require.Equal(t, a, b)
	}

	got, err := DecodeHandshakeRequest(a)
	require.NoError(t, err)
	assert.Equal(t, req.Version, got.Version)
	assert.Equal(t, req.Extensions, got.Extensions)
}

func TestHandshakeResponse(t *testing.T) {
	resp := &HandshakeResponse{
		Version:     V3_0_0,
		IdleTimeout: 30 * time.Second,
		NodeID:      "n1",
		NodeName:    "node-1",
		ClusterID:   "c1",
		ClusterName: "cluster",
	}
	payload, err := resp.Encode()
	require.NoError(t, err)

	got, err := DecodeHandshakeResponse(payload)
	require.NoError(t, err)
	assert.Nil(t, got.Err)
	assert.Equal(t, 30*time.Second, got.IdleTimeout)
	assert.Equal(t, "node-1", got.NodeName)
	assert.Equal(t, "cluster", got.ClusterName)

	mismatch := &HandshakeResponse{
		Version: V3_0_0,
		Err:     &ErrorPayload{Code: CodeVersionMismatch, Message: "unsupported version 3.1.0"},
	}
	payload, err = mismatch.Encode()
	require.NoError(t, err)
	got, err = DecodeHandshakeResponse(payload)
	require.NoError(t, err)
	require.NotNil(t, got.Err)
	assert.Equal(t, CodeVersionMismatch, got.Err.Code)
	assert.Equal(t, V3_0_0, got.Version)
}

func TestRequestEncodeDecode(t *testing.T) {
	txID := int64(7)
	req := &SQLExecRequest{
		TxID:         &txID,
		Schema:       "PUBLIC",
		PageSize:     512,
		Timeout:      2 * time.Second,
		Query:        "select * from t where id > ?",
		Args:         []Value{NewInt32(3), NewString("x"), Null(TypeNull)},
		ObservableTs: 99,
	}
	payload, err := EncodeRequest(42, req)
	require.NoError(t, err)

	id, decoded, err := DecodeRequest(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	got, ok := decoded.(*SQLExecRequest)
	require.True(t, ok)
	require.NotNil(t, got.TxID)
	assert.EqualValues(t, 7, *got.TxID)
	assert.Equal(t, "PUBLIC", got.Schema)
	assert.Equal(t, 512, got.PageSize)
	assert.Equal(t, 2*time.Second, got.Timeout)
	assert.Equal(t, req.Query, got.Query)
	require.Len(t, got.Args, 3)
	n, _ := got.Args[0].Int64()
	assert.EqualValues(t, 3, n)
	assert.True(t, got.Args[2].IsNull())
	assert.EqualValues(t, 99, got.ObservableTs)
}

func TestDecodeRequestUnknownOp(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeInt(999))
	require.NoError(t, enc.EncodeInt(5))

	id, req, err := DecodeRequest(buf.Bytes())
	require.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, ErrUnknownOp)
	assert.Nil(t, req)
	assert.EqualValues(t, 5, id)
}

func TestResponseObservableTimestampByVersion(t *testing.T) {
	hdr := ResponseHeader{RequestID: 3, ObservableTs: 1234}
	body := &TxBeginResponse{TxID: 11}

	newer, err := EncodeResponse(V3_1_0, hdr, body)
	require.NoError(t, err)
	older, err := EncodeResponse(V3_0_0, hdr, body)
	require.NoError(t, err)
	assert.Greater(t, len(newer), len(older))

	got, rest, err := DecodeResponse(V3_1_0, newer)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.RequestID)
	assert.EqualValues(t, 1234, got.ObservableTs)
	tx, err := DecodeTxBeginResponse(rest)
	require.NoError(t, err)
	assert.EqualValues(t, 11, tx.TxID)

	got, rest, err = DecodeResponse(V3_0_0, older)
	require.NoError(t, err)
	assert.Zero(t, got.ObservableTs)
	tx, err = DecodeTxBeginResponse(rest)
	require.NoError(t, err)
	assert.EqualValues(t, 11, tx.TxID)
}

func TestDecodeResponseUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeInt(9))
	require.NoError(t, enc.EncodeInt(1))

	_, _, err := DecodeResponse(CurrentVersion, buf.Bytes())
	require.ErrorIs(t, err, ErrProtocol)
}

func TestResponseError(t *testing.T) {
	hdr := ResponseHeader{
		RequestID: 8,
		Err:       &ErrorPayload{Code: CodeSQL, SQLState: "42000", Message: "syntax error", TraceID: "tr-1"},
	}
	payload, err := EncodeResponse(CurrentVersion, hdr, &TxBeginResponse{TxID: 1})
	require.NoError(t, err)

	got, rest, err := DecodeResponse(CurrentVersion, payload)
	require.NoError(t, err)
	require.NotNil(t, got.Err)
	assert.Equal(t, "42000", got.Err.SQLState)
	assert.Equal(t, "tr-1", got.Err.TraceID)
	assert.Empty(t, rest)
}

func TestSQLExecResponseRowSet(t *testing.T) {
	rid := int64(17)
	u := uuid.New()
	when := time.Date(2024, 2, 29, 13, 14, 15, 123456789, time.UTC)
	resp := &SQLExecResponse{
		ResourceID:   &rid,
		HasRowSet:    true,
		HasMore:      true,
		AffectedRows: -1,
		Columns: []Column{
			{Name: "ID", Type: TypeInt32},
			{Name: "PRICE", Type: TypeDecimal, Nullable: true, Precision: 10, Scale: 2},
			{Name: "KEY", Type: TypeUUID},
			{Name: "AT", Type: TypeTimestamp},
		},
		Rows: []Row{
			{NewInt32(1), NewDecimal(inf.NewDec(1999, 2)), NewUUID(u), NewTimestamp(when)},
			{NewInt32(2), Null(TypeDecimal), NewUUID(u), NewTimestamp(when)},
		},
	}
	payload, err := EncodeResponse(CurrentVersion, ResponseHeader{RequestID: 1}, resp)
	require.NoError(t, err)

	_, body, err := DecodeResponse(CurrentVersion, payload)
	require.NoError(t, err)
	got, err := DecodeSQLExecResponse(body)
	require.NoError(t, err)

	require.NotNil(t, got.ResourceID)
	assert.EqualValues(t, 17, *got.ResourceID)
	assert.True(t, got.HasMore)
	assert.EqualValues(t, -1, got.AffectedRows)
	assert.Equal(t, resp.Columns, got.Columns)
	require.Len(t, got.Rows, 2)

	d, ok := got.Rows[0][1].Decimal()
	require.True(t, ok)
	assert.Equal(t, "19.99", d.String())
	assert.True(t, got.Rows[1][1].IsNull())
	assert.Equal(t, TypeDecimal, got.Rows[1][1].Type())
	ts, ok := got.Rows[0][3].Time()
	require.True(t, ok)
	assert.True(t, when.Equal(ts))
}

func TestSQLExecResponseUpdateCount(t *testing.T) {
	payload, err := EncodeResponse(CurrentVersion, ResponseHeader{RequestID: 1}, &SQLExecResponse{AffectedRows: 6})
	require.NoError(t, err)
	_, body, err := DecodeResponse(CurrentVersion, payload)
	require.NoError(t, err)

	got, err := DecodeSQLExecResponse(body)
	require.NoError(t, err)
	assert.False(t, got.HasRowSet)
	assert.Nil(t, got.ResourceID)
	assert.EqualValues(t, 6, got.AffectedRows)
}

func TestNextPageRowWidthMismatch(t *testing.T) {
	cols := []Column{{Name: "A", Type: TypeInt64}, {Name: "B", Type: TypeString}}
	page := &NextPageResponse{Rows: []Row{{NewInt64(1)}}}
	payload, err := EncodeResponse(CurrentVersion, ResponseHeader{}, page)
	require.NoError(t, err)
	_, body, err := DecodeResponse(CurrentVersion, payload)
	require.NoError(t, err)

	_, err = DecodeNextPageResponse(body, cols)
	require.ErrorIs(t, err, ErrProtocol)
}

// A length prefix larger than the payload must fail as malformed without
// allocating for the declared length.
func TestDecodeOversizedLengthPrefix(t *testing.T) {
	rowSetHeader := func(enc *msgpack.Encoder) {
		require.NoError(t, enc.EncodeNil())
		for _, flag := range []bool{true, false, false} {
			require.NoError(t, enc.EncodeBool(flag))
		}
		require.NoError(t, enc.EncodeInt(-1))
	}

	var columns bytes.Buffer
	enc := msgpack.NewEncoder(&columns)
	rowSetHeader(enc)
	require.NoError(t, enc.EncodeArrayLen(math.MaxInt32))
	_, err := DecodeSQLExecResponse(columns.Bytes())
	require.ErrorIs(t, err, ErrProtocol)

	var rows bytes.Buffer
	enc = msgpack.NewEncoder(&rows)
	rowSetHeader(enc)
	require.NoError(t, enc.EncodeArrayLen(0))
	require.NoError(t, enc.EncodeArrayLen(math.MaxInt32))
	_, err = DecodeSQLExecResponse(rows.Bytes())
	require.ErrorIs(t, err, ErrProtocol)

	var page bytes.Buffer
	enc = msgpack.NewEncoder(&page)
	require.NoError(t, enc.EncodeArrayLen(math.MaxInt32))
	_, err = DecodeNextPageResponse(page.Bytes(), []Column{{Name: "X", Type: TypeInt64}})
	require.ErrorIs(t, err, ErrProtocol)

	var ext bytes.Buffer
	enc = msgpack.NewEncoder(&ext)
	require.NoError(t, encodeVersion(enc, CurrentVersion))
	require.NoError(t, enc.EncodeInt(ClientCode))
	require.NoError(t, enc.EncodeBytes(nil))
	require.NoError(t, enc.EncodeMapLen(math.MaxInt32))
	_, err = DecodeHandshakeRequest(ext.Bytes())
	require.ErrorIs(t, err, ErrProtocol)
}
