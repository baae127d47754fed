package client

import "gridsql/internal/protocol"

type (
	// Value is one typed SQL value; see its accessors for Go conversions.
	Value = protocol.Value
	// Row holds a result row's values in column order.
	Row        = protocol.Row
	Column     = protocol.Column
	ColumnType = protocol.ColumnType
)

const (
	TypeNull      = protocol.TypeNull
	TypeBoolean   = protocol.TypeBoolean
	TypeInt8      = protocol.TypeInt8
	TypeInt16     = protocol.TypeInt16
	TypeInt32     = protocol.TypeInt32
	TypeInt64     = protocol.TypeInt64
	TypeFloat     = protocol.TypeFloat
	TypeDouble    = protocol.TypeDouble
	TypeDecimal   = protocol.TypeDecimal
	TypeDate      = protocol.TypeDate
	TypeTime      = protocol.TypeTime
	TypeDateTime  = protocol.TypeDateTime
	TypeTimestamp = protocol.TypeTimestamp
	TypeUUID      = protocol.TypeUUID
	TypeString    = protocol.TypeString
	TypeByteArray = protocol.TypeByteArray
	TypeDuration  = protocol.TypeDuration
)

// Constructors for explicitly typed arguments.
var (
	Null         = protocol.Null
	NewBool      = protocol.NewBool
	NewInt8      = protocol.NewInt8
	NewInt16     = protocol.NewInt16
	NewInt32     = protocol.NewInt32
	NewInt64     = protocol.NewInt64
	NewFloat     = protocol.NewFloat
	NewDouble    = protocol.NewDouble
	NewDecimal   = protocol.NewDecimal
	NewDate      = protocol.NewDate
	NewTime      = protocol.NewTime
	NewDateTime  = protocol.NewDateTime
	NewTimestamp = protocol.NewTimestamp
	NewUUID      = protocol.NewUUID
	NewString    = protocol.NewString
	NewBytes     = protocol.NewBytes
	NewDuration  = protocol.NewDuration

	// ValueOf types a Go value the way Execute does.
	ValueOf = protocol.ValueOf
)

// ErrUnsupportedType is returned by Execute for arguments with no SQL type.
var ErrUnsupportedType = protocol.ErrUnsupportedType
