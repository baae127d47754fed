package exporter

import (
	"bufio"
	"encoding/csv"
	"io"

	"gridsql/client"
)

// CSVEncoder writes RFC 4180 CSV through a 64KB buffer.
type CSVEncoder struct {
	w      *csv.Writer
	buf    *bufio.Writer
	record []string
}

func NewCSVEncoder(w io.Writer) *CSVEncoder {
	buf := bufio.NewWriterSize(w, 64*1024)
	return &CSVEncoder{
		w:   csv.NewWriter(buf),
		buf: buf,
	}
}

func (e *CSVEncoder) WriteHeader(columns []client.Column) error {
	e.record = make([]string, len(columns))
	return e.w.Write(columnNames(columns))
}

// WriteRow reuses one record slice; encoding/csv does not retain it.
func (e *CSVEncoder) WriteRow(row client.Row) error {
	if len(e.record) != len(row) {
		e.record = make([]string, len(row))
	}
	for i, v := range row {
		e.record[i] = cellText(v)
	}
	return e.w.Write(e.record)
}

func (e *CSVEncoder) Flush() error {
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		return err
	}
	return e.buf.Flush()
}

func (e *CSVEncoder) Error() error {
	return e.w.Error()
}

func (e *CSVEncoder) Close() error {
	return e.Flush()
}
