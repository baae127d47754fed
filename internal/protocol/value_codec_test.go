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

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, EncodeValue(msgpack.NewEncoder(&buf), v))
	got, err := DecodeValue(msgpack.NewDecoder(&buf), v.Type())
	require.NoError(t, err)
	return got
}

func TestValueEncoding(t *testing.T) {
	u := uuid.MustParse("0b3b7a52-4c40-4b8a-9d9b-5f0a1c7d2e11")
	tests := []struct {
		name string
		in   Value
		want string
	}{
		{"bool", NewBool(true), "true"},
		{"tinyint", NewInt8(-8), "-8"},
		{"smallint", NewInt16(1024), "1024"},
		{"int", NewInt32(math.MaxInt32), "2147483647"},
		{"bigint", NewInt64(math.MinInt64), "-9223372036854775808"},
		{"real", NewFloat(1.5), "1.5"},
		{"double", NewDouble(-0.25), "-0.25"},
		{"decimal", NewDecimal(inf.NewDec(-12345, 3)), "-12.345"},
		{"date", NewDate(time.Date(1969, 12, 31, 23, 0, 0, 0, time.UTC)), "1969-12-31"},
		{"time", NewTime(13*time.Hour + 5*time.Minute + 500*time.Millisecond), "13:05:00.5"},
		{"datetime", NewDateTime(time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)), "2020-01-02 03:04:05"},
		{"uuid", NewUUID(u), u.String()},
		{"string", NewString("Lorem ipsum"), "Lorem ipsum"},
		{"bytes", NewBytes([]byte{0xde, 0xad}), "x'dead'"},
		{"empty bytes", NewBytes([]byte{}), "x''"},
		{"duration", NewDuration(90 * time.Second), "1m30s"},
		{"null", Null(TypeString), "NULL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, tt.in)
			assert.Equal(t, tt.in.Type(), got.Type())
			assert.Equal(t, tt.in.IsNull(), got.IsNull())
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestDateBeforeEpochUsesFloorDays(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeValue(msgpack.NewEncoder(&buf), NewDate(time.Date(1969, 12, 31, 0, 0, 0, 0, time.UTC))))
	days, err := msgpack.NewDecoder(&buf).DecodeInt64()
	require.NoError(t, err)
	assert.EqualValues(t, -1, days)
}

func TestDecodeValueWrongWireType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, msgpack.NewEncoder(&buf).EncodeString("not a number"))

	_, err := DecodeValue(msgpack.NewDecoder(&buf), TypeInt64)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestValueOf(t *testing.T) {
	u := uuid.New()
	tests := []struct {
		arg  any
		want ColumnType
	}{
		{nil, TypeNull},
		{true, TypeBoolean},
		{int8(1), TypeInt8},
		{int16(1), TypeInt16},
		{int32(1), TypeInt32},
		{42, TypeInt64},
		{uint32(7), TypeInt64},
		{float32(1), TypeFloat},
		{2.5, TypeDouble},
		{"s", TypeString},
		{[]byte("b"), TypeByteArray},
		{inf.NewDec(1, 0), TypeDecimal},
		{time.Now(), TypeTimestamp},
		{time.Second, TypeDuration},
		{u, TypeUUID},
		{NewDate(time.Now()), TypeDate},
	}
	for _, tt := range tests {
		v, err := ValueOf(tt.arg)
		require.NoError(t, err, "%T", tt.arg)
		assert.Equal(t, tt.want, v.Type(), "%T", tt.arg)
	}

	_, err := ValueOf(struct{}{})
	require.ErrorIs(t, err, ErrUnsupportedType)
	_, err = ValueOf(uint64(math.MaxUint64))
	require.ErrorIs(t, err, ErrUnsupportedType)
}
