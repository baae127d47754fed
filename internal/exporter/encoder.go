// Package exporter streams the row set of a query into CSV, JSON Lines,
// XLSX or PDF output.
package exporter

import (
	"fmt"
	"io"
	"time"

	"gridsql/client"
)

// RowEncoder writes one row set in a single output format.
type RowEncoder interface {
	// WriteHeader is called once, before the first row.
	WriteHeader(columns []client.Column) error

	// WriteRow writes one row; its values follow the header's column order.
	WriteRow(row client.Row) error

	// Flush writes buffered output to the underlying writer.
	Flush() error

	// Error returns the first error the encoder hit, if any.
	Error() error

	io.Closer
}

// Format names an output format.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatExcel Format = "excel"
	FormatPDF   Format = "pdf"
)

// ParseFormat accepts the format names and the "xlsx" and "jsonl" aliases.
// An empty name is CSV.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "", "csv":
		return FormatCSV, nil
	case "json", "jsonl":
		return FormatJSON, nil
	case "excel", "xlsx":
		return FormatExcel, nil
	case "pdf":
		return FormatPDF, nil
	}
	return "", fmt.Errorf("unknown export format %q", name)
}

// Extension is the file extension for the format, without a dot.
func (f Format) Extension() string {
	switch f {
	case FormatJSON:
		return "jsonl"
	case FormatExcel:
		return "xlsx"
	case FormatPDF:
		return "pdf"
	}
	return "csv"
}

// NewEncoder returns the encoder for f writing to w.
func NewEncoder(f Format, w io.Writer) RowEncoder {
	switch f {
	case FormatJSON:
		return NewJSONEncoder(w)
	case FormatExcel:
		return NewExcelEncoder(w)
	case FormatPDF:
		return NewPDFEncoder(w)
	}
	return NewCSVEncoder(w)
}

func columnNames(columns []client.Column) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return names
}

// cellText renders a value for text formats. NULL is "NULL", booleans are 1
// and 0, DATETIME drops fractional seconds.
func cellText(v client.Value) string {
	if v.IsNull() {
		return "NULL"
	}
	switch v.Type() {
	case client.TypeBoolean:
		if b, _ := v.Bool(); b {
			return "1"
		}
		return "0"
	case client.TypeDateTime:
		t, _ := v.Time()
		return t.Format(time.DateTime)
	case client.TypeString:
		s, _ := v.Text()
		return escapeFormula(s)
	}
	return v.String()
}

// escapeFormula prefixes text that a spreadsheet would evaluate as a formula
// with a single quote.
func escapeFormula(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}
