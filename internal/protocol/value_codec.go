package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
	"gopkg.in/inf.v0"
)

// ErrUnsupportedType is returned by ValueOf for Go types with no SQL mapping.
var ErrUnsupportedType = errors.New("unsupported argument type")

const secondsPerDay = 86400

// ValueOf converts a Go argument into a Value typed from its static type.
func ValueOf(arg any) (Value, error) {
	switch a := arg.(type) {
	case nil:
		return Null(TypeNull), nil
	case Value:
		return a, nil
	case *Value:
		if a == nil {
			return Null(TypeNull), nil
		}
		return *a, nil
	case bool:
		return NewBool(a), nil
	case int8:
		return NewInt8(a), nil
	case int16:
		return NewInt16(a), nil
	case int32:
		return NewInt32(a), nil
	case int64:
		return NewInt64(a), nil
	case int:
		return NewInt64(int64(a)), nil
	case uint8:
		return NewInt16(int16(a)), nil
	case uint16:
		return NewInt32(int32(a)), nil
	case uint32:
		return NewInt64(int64(a)), nil
	case uint:
		if uint64(a) > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: uint %d overflows BIGINT", ErrUnsupportedType, a)
		}
		return NewInt64(int64(a)), nil
	case uint64:
		if a > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: uint64 %d overflows BIGINT", ErrUnsupportedType, a)
		}
		return NewInt64(int64(a)), nil
	case float32:
		return NewFloat(a), nil
	case float64:
		return NewDouble(a), nil
	case string:
		return NewString(a), nil
	case []byte:
		return NewBytes(a), nil
	case *inf.Dec:
		return NewDecimal(a), nil
	case inf.Dec:
		return NewDecimal(&a), nil
	case time.Time:
		return NewTimestamp(a), nil
	case time.Duration:
		return NewDuration(a), nil
	case uuid.UUID:
		return NewUUID(a), nil
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, arg)
}

// EncodeValue writes v in the encoding of its type. NULLs encode as nil.
func EncodeValue(enc *msgpack.Encoder, v Value) error {
	if !v.valid {
		return enc.EncodeNil()
	}
	switch v.typ {
	case TypeBoolean:
		return enc.EncodeBool(v.i != 0)
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return enc.EncodeInt(v.i)
	case TypeFloat:
		return enc.EncodeFloat32(float32(v.f))
	case TypeDouble:
		return enc.EncodeFloat64(v.f)
	case TypeDecimal:
		return enc.EncodeString(v.dec.String())
	case TypeDate:
		return enc.EncodeInt(floorDiv(v.t.Unix(), secondsPerDay))
	case TypeTime, TypeDuration:
		return enc.EncodeInt(v.i)
	case TypeDateTime, TypeTimestamp:
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeInt(v.t.Unix()); err != nil {
			return err
		}
		return enc.EncodeInt(int64(v.t.Nanosecond()))
	case TypeUUID:
		return enc.EncodeBytes(v.u[:])
	case TypeString:
		return enc.EncodeString(v.s)
	case TypeByteArray:
		return enc.EncodeBytes(v.b)
	}
	return fmt.Errorf("cannot encode value of type %s", v.typ)
}

// DecodeValue reads one value whose type is known from column metadata.
func DecodeValue(dec *msgpack.Decoder, t ColumnType) (Value, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return Value{}, malformed("value", err)
	}
	if code == msgpcode.Nil {
		if err := dec.DecodeNil(); err != nil {
			return Value{}, malformed("value", err)
		}
		return Null(t), nil
	}

	v, err := decodeNonNull(dec, t)
	if err != nil {
		return Value{}, malformed(fmt.Sprintf("%s value", t), err)
	}
	return v, nil
}

func decodeNonNull(dec *msgpack.Decoder, t ColumnType) (Value, error) {
	switch t {
	case TypeNull:
		return Value{}, errors.New("non-nil value for NULL column")
	case TypeBoolean:
		b, err := dec.DecodeBool()
		return NewBool(b), err
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		n, err := dec.DecodeInt64()
		if err != nil {
			return Value{}, err
		}
		if lo, hi := intBounds(t); n < lo || n > hi {
			return Value{}, fmt.Errorf("%d out of range for %s", n, t)
		}
		return Value{typ: t, valid: true, i: n}, nil
	case TypeFloat:
		f, err := dec.DecodeFloat32()
		return NewFloat(f), err
	case TypeDouble:
		f, err := dec.DecodeFloat64()
		return NewDouble(f), err
	case TypeDecimal:
		s, err := dec.DecodeString()
		if err != nil {
			return Value{}, err
		}
		d, ok := new(inf.Dec).SetString(s)
		if !ok {
			return Value{}, fmt.Errorf("invalid decimal %q", s)
		}
		return Value{typ: TypeDecimal, valid: true, dec: d}, nil
	case TypeDate:
		days, err := dec.DecodeInt64()
		if err != nil {
			return Value{}, err
		}
		return Value{typ: TypeDate, valid: true, t: time.Unix(days*secondsPerDay, 0).UTC()}, nil
	case TypeTime:
		n, err := dec.DecodeInt64()
		return NewTime(time.Duration(n)), err
	case TypeDuration:
		n, err := dec.DecodeInt64()
		return NewDuration(time.Duration(n)), err
	case TypeDateTime, TypeTimestamp:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return Value{}, err
		}
		if n != 2 {
			return Value{}, fmt.Errorf("instant has %d parts, want 2", n)
		}
		sec, err := dec.DecodeInt64()
		if err != nil {
			return Value{}, err
		}
		nsec, err := dec.DecodeInt64()
		if err != nil {
			return Value{}, err
		}
		return Value{typ: t, valid: true, t: time.Unix(sec, nsec).UTC()}, nil
	case TypeUUID:
		b, err := dec.DecodeBytes()
		if err != nil {
			return Value{}, err
		}
		u, err := uuid.FromBytes(b)
		if err != nil {
			return Value{}, err
		}
		return NewUUID(u), nil
	case TypeString:
		s, err := dec.DecodeString()
		return NewString(s), err
	case TypeByteArray:
		b, err := dec.DecodeBytes()
		if err != nil {
			return Value{}, err
		}
		if b == nil {
			b = []byte{}
		}
		return Value{typ: TypeByteArray, valid: true, b: b}, nil
	}
	return Value{}, fmt.Errorf("unknown column type %d", int(t))
}

// encodeArg writes a statement argument as [typeCode, value].
func encodeArg(enc *msgpack.Encoder, v Value) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(v.typ)); err != nil {
		return err
	}
	return EncodeValue(enc, v)
}

func decodeArg(dec *msgpack.Decoder) (Value, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Value{}, malformed("argument", err)
	}
	if n != 2 {
		return Value{}, malformed(fmt.Sprintf("argument has %d parts, want 2", n), nil)
	}
	code, err := dec.DecodeInt()
	if err != nil {
		return Value{}, malformed("argument type", err)
	}
	t := ColumnType(code)
	if !t.Valid() {
		return Value{}, malformed(fmt.Sprintf("unknown argument type %d", code), nil)
	}
	return DecodeValue(dec, t)
}

func encodeRows(enc *msgpack.Encoder, rows []Row) error {
	if err := enc.EncodeArrayLen(len(rows)); err != nil {
		return err
	}
	for _, row := range rows {
		if err := enc.EncodeArrayLen(len(row)); err != nil {
			return err
		}
		for _, v := range row {
			if err := EncodeValue(enc, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeRows(dec *msgpack.Decoder, in *bytes.Reader, cols []Column) ([]Row, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, malformed("rows", err)
	}
	if n < 0 {
		return nil, nil
	}
	rows := make([]Row, 0, sizeHint(n, in))
	for cnt := 0; cnt < n; cnt++ {
		width, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, malformed("row", err)
		}
		if width != len(cols) {
			return nil, malformed(fmt.Sprintf("row has %d values for %d columns", width, len(cols)), nil)
		}
		row := make(Row, width)
		for i, c := range cols {
			if row[i], err = DecodeValue(dec, c.Type); err != nil {
				return nil, err
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func intBounds(t ColumnType) (int64, int64) {
	switch t {
	case TypeInt8:
		return math.MinInt8, math.MaxInt8
	case TypeInt16:
		return math.MinInt16, math.MaxInt16
	case TypeInt32:
		return math.MinInt32, math.MaxInt32
	}
	return math.MinInt64, math.MaxInt64
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
