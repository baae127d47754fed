package protocol

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/inf.v0"
)

// ColumnType identifies how a column's values are encoded.
type ColumnType int

const (
	TypeNull      ColumnType = 0
	TypeBoolean   ColumnType = 1
	TypeInt8      ColumnType = 2
	TypeInt16     ColumnType = 3
	TypeInt32     ColumnType = 4
	TypeInt64     ColumnType = 5
	TypeFloat     ColumnType = 6
	TypeDouble    ColumnType = 7
	TypeDecimal   ColumnType = 8
	TypeDate      ColumnType = 9
	TypeTime      ColumnType = 10
	TypeDateTime  ColumnType = 11
	TypeTimestamp ColumnType = 12
	TypeUUID      ColumnType = 13
	TypeString    ColumnType = 15
	TypeByteArray ColumnType = 16
	TypeDuration  ColumnType = 18
)

var columnTypeNames = map[ColumnType]string{
	TypeNull:      "NULL",
	TypeBoolean:   "BOOLEAN",
	TypeInt8:      "TINYINT",
	TypeInt16:     "SMALLINT",
	TypeInt32:     "INTEGER",
	TypeInt64:     "BIGINT",
	TypeFloat:     "REAL",
	TypeDouble:    "DOUBLE",
	TypeDecimal:   "DECIMAL",
	TypeDate:      "DATE",
	TypeTime:      "TIME",
	TypeDateTime:  "TIMESTAMP",
	TypeTimestamp: "TIMESTAMP WITH LOCAL TIME ZONE",
	TypeUUID:      "UUID",
	TypeString:    "VARCHAR",
	TypeByteArray: "VARBINARY",
	TypeDuration:  "INTERVAL",
}

// String returns the SQL name of the type.
func (t ColumnType) String() string {
	if name, ok := columnTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is a type code this codec can decode.
func (t ColumnType) Valid() bool {
	_, ok := columnTypeNames[t]
	return ok
}

// Column describes one column of a row set.
type Column struct {
	Name      string
	Type      ColumnType
	Nullable  bool
	Precision int
	Scale     int
}

// Row is one result row; values are ordered like the row set's columns.
type Row []Value

// Value is a single typed SQL value. The zero Value is a NULL of TypeNull.
type Value struct {
	typ   ColumnType
	valid bool

	i   int64
	f   float64
	s   string
	b   []byte
	dec *inf.Dec
	t   time.Time
	u   uuid.UUID
}

// Null returns a NULL value of column type t.
func Null(t ColumnType) Value { return Value{typ: t} }

func NewBool(v bool) Value {
	var i int64
	if v {
		i = 1
	}
	return Value{typ: TypeBoolean, valid: true, i: i}
}

func NewInt8(v int8) Value   { return Value{typ: TypeInt8, valid: true, i: int64(v)} }
func NewInt16(v int16) Value { return Value{typ: TypeInt16, valid: true, i: int64(v)} }
func NewInt32(v int32) Value { return Value{typ: TypeInt32, valid: true, i: int64(v)} }
func NewInt64(v int64) Value { return Value{typ: TypeInt64, valid: true, i: v} }

func NewFloat(v float32) Value  { return Value{typ: TypeFloat, valid: true, f: float64(v)} }
func NewDouble(v float64) Value { return Value{typ: TypeDouble, valid: true, f: v} }

// NewDecimal copies d; a nil d is a NULL decimal.
func NewDecimal(d *inf.Dec) Value {
	if d == nil {
		return Null(TypeDecimal)
	}
	return Value{typ: TypeDecimal, valid: true, dec: new(inf.Dec).Set(d)}
}

// NewDate keeps only the calendar date of t.
func NewDate(t time.Time) Value {
	y, m, d := t.Date()
	return Value{typ: TypeDate, valid: true, t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// NewTime stores a time of day as the offset since midnight.
func NewTime(sinceMidnight time.Duration) Value {
	return Value{typ: TypeTime, valid: true, i: int64(sinceMidnight)}
}

// NewDateTime stores a zoneless date and time; the wall clock of t is kept.
func NewDateTime(t time.Time) Value {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return Value{typ: TypeDateTime, valid: true, t: time.Date(y, mo, d, h, mi, s, t.Nanosecond(), time.UTC)}
}

func NewTimestamp(t time.Time) Value {
	return Value{typ: TypeTimestamp, valid: true, t: t.UTC()}
}

func NewUUID(u uuid.UUID) Value { return Value{typ: TypeUUID, valid: true, u: u} }
func NewString(s string) Value  { return Value{typ: TypeString, valid: true, s: s} }

// NewBytes copies b; a nil b is a NULL byte array.
func NewBytes(b []byte) Value {
	if b == nil {
		return Null(TypeByteArray)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{typ: TypeByteArray, valid: true, b: cp}
}

func NewDuration(d time.Duration) Value {
	return Value{typ: TypeDuration, valid: true, i: int64(d)}
}

// Type returns the column type the value was decoded as.
func (v Value) Type() ColumnType { return v.typ }

func (v Value) IsNull() bool { return !v.valid }

func (v Value) Bool() (bool, bool) {
	if !v.valid || v.typ != TypeBoolean {
		return false, false
	}
	return v.i != 0, true
}

// Int64 returns any integer-typed value widened to int64.
func (v Value) Int64() (int64, bool) {
	if !v.valid {
		return 0, false
	}
	switch v.typ {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return v.i, true
	}
	return 0, false
}

// Float64 returns REAL and DOUBLE values.
func (v Value) Float64() (float64, bool) {
	if !v.valid || (v.typ != TypeFloat && v.typ != TypeDouble) {
		return 0, false
	}
	return v.f, true
}

func (v Value) Decimal() (*inf.Dec, bool) {
	if !v.valid || v.typ != TypeDecimal {
		return nil, false
	}
	return new(inf.Dec).Set(v.dec), true
}

// Time returns DATE, DATETIME and TIMESTAMP values. DATE and DATETIME are
// expressed in UTC with no zone semantics.
func (v Value) Time() (time.Time, bool) {
	if !v.valid {
		return time.Time{}, false
	}
	switch v.typ {
	case TypeDate, TypeDateTime, TypeTimestamp:
		return v.t, true
	}
	return time.Time{}, false
}

// Duration returns TIME (offset since midnight) and INTERVAL values.
func (v Value) Duration() (time.Duration, bool) {
	if !v.valid || (v.typ != TypeTime && v.typ != TypeDuration) {
		return 0, false
	}
	return time.Duration(v.i), true
}

func (v Value) UUID() (uuid.UUID, bool) {
	if !v.valid || v.typ != TypeUUID {
		return uuid.Nil, false
	}
	return v.u, true
}

// Text returns VARCHAR values.
func (v Value) Text() (string, bool) {
	if !v.valid || v.typ != TypeString {
		return "", false
	}
	return v.s, true
}

func (v Value) Bytes() ([]byte, bool) {
	if !v.valid || v.typ != TypeByteArray {
		return nil, false
	}
	return v.b, true
}

// Any returns the natural Go representation: nil, bool, int8..int64,
// float32, float64, *inf.Dec, time.Time, time.Duration, uuid.UUID, string
// or []byte.
func (v Value) Any() any {
	if !v.valid {
		return nil
	}
	switch v.typ {
	case TypeBoolean:
		return v.i != 0
	case TypeInt8:
		return int8(v.i)
	case TypeInt16:
		return int16(v.i)
	case TypeInt32:
		return int32(v.i)
	case TypeInt64:
		return v.i
	case TypeFloat:
		return float32(v.f)
	case TypeDouble:
		return v.f
	case TypeDecimal:
		return new(inf.Dec).Set(v.dec)
	case TypeDate, TypeDateTime, TypeTimestamp:
		return v.t
	case TypeTime, TypeDuration:
		return time.Duration(v.i)
	case TypeUUID:
		return v.u
	case TypeString:
		return v.s
	case TypeByteArray:
		return v.b
	}
	return nil
}

// String renders the value as SQL text; NULL renders as "NULL".
func (v Value) String() string {
	if !v.valid {
		return "NULL"
	}
	switch v.typ {
	case TypeBoolean:
		return strconv.FormatBool(v.i != 0)
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case TypeDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeDecimal:
		return v.dec.String()
	case TypeDate:
		return v.t.Format(time.DateOnly)
	case TypeTime:
		return time.Time{}.Add(time.Duration(v.i)).Format("15:04:05.999999999")
	case TypeDateTime:
		return v.t.Format("2006-01-02 15:04:05.999999999")
	case TypeTimestamp:
		return v.t.Format(time.RFC3339Nano)
	case TypeUUID:
		return v.u.String()
	case TypeString:
		return v.s
	case TypeByteArray:
		return "x'" + hex.EncodeToString(v.b) + "'"
	case TypeDuration:
		return time.Duration(v.i).String()
	}
	return ""
}
