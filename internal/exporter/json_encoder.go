package exporter

import (
	"bufio"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"time"

	"gridsql/client"
)

// JSONEncoder writes JSON Lines: one object per row with keys in column
// order. DECIMAL, UUID and temporal values are strings; VARBINARY is base64.
type JSONEncoder struct {
	w    *bufio.Writer
	keys [][]byte
	err  error
}

func NewJSONEncoder(w io.Writer) *JSONEncoder {
	return &JSONEncoder{w: bufio.NewWriterSize(w, 64*1024)}
}

// WriteHeader encodes the column names once; they become the object keys.
func (e *JSONEncoder) WriteHeader(columns []client.Column) error {
	e.keys = make([][]byte, len(columns))
	for i, c := range columns {
		key, err := json.Marshal(c.Name)
		if err != nil {
			e.err = err
			return err
		}
		e.keys[i] = key
	}
	return nil
}

func (e *JSONEncoder) WriteRow(row client.Row) error {
	if e.err != nil {
		return e.err
	}

	e.w.WriteByte('{')
	for i, v := range row {
		if i > 0 {
			e.w.WriteByte(',')
		}
		if i < len(e.keys) {
			e.w.Write(e.keys[i])
		} else {
			e.w.WriteString(`"column_`)
			e.w.WriteString(strconv.Itoa(i))
			e.w.WriteByte('"')
		}
		e.w.WriteByte(':')

		data, err := json.Marshal(jsonValue(v))
		if err != nil {
			e.err = err
			return err
		}
		e.w.Write(data)
	}
	e.w.WriteByte('}')
	if err := e.w.WriteByte('\n'); err != nil {
		e.err = err
	}
	return e.err
}

// jsonValue maps a value to what encoding/json should emit for it.
func jsonValue(v client.Value) any {
	switch x := v.Any().(type) {
	case float32:
		return jsonFloat(float64(x))
	case float64:
		return jsonFloat(x)
	case time.Time:
		if v.Type() == client.TypeDate {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.RFC3339Nano)
	case time.Duration:
		return v.String()
	case nil, bool, int8, int16, int32, int64, string, []byte:
		return x
	default:
		// DECIMAL and UUID keep their exact text.
		return v.String()
	}
}

// jsonFloat keeps NaN and infinities, which JSON numbers cannot hold, as
// strings.
func jsonFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return client.NewDouble(f).String()
	}
	return f
}

func (e *JSONEncoder) Flush() error {
	if e.err != nil {
		return e.err
	}
	if err := e.w.Flush(); err != nil {
		e.err = err
	}
	return e.err
}

func (e *JSONEncoder) Error() error {
	return e.err
}

func (e *JSONEncoder) Close() error {
	return e.Flush()
}
