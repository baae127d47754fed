package exporter

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"gridsql/client"
)

// maxExcelRows is the row limit of an .xlsx sheet, header included.
const maxExcelRows = 1048576

// ExcelEncoder writes an .xlsx workbook with one sheet through
// excelize.StreamWriter. The workbook is written to w on Flush.
type ExcelEncoder struct {
	f         *excelize.File
	sw        *excelize.StreamWriter
	w         io.Writer
	rowIdx    int
	dateStyle int
	flushed   bool
	err       error
}

func NewExcelEncoder(w io.Writer) *ExcelEncoder {
	f := excelize.NewFile()
	sw, err := f.NewStreamWriter("Sheet1")
	if err != nil {
		return &ExcelEncoder{f: f, err: err}
	}
	dateStyle, err := f.NewStyle(&excelize.Style{NumFmt: 22})
	if err != nil {
		return &ExcelEncoder{f: f, err: err}
	}
	return &ExcelEncoder{
		f:         f,
		sw:        sw,
		w:         w,
		rowIdx:    1,
		dateStyle: dateStyle,
	}
}

func (e *ExcelEncoder) WriteHeader(columns []client.Column) error {
	if e.err != nil {
		return e.err
	}
	bold, err := e.f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		e.err = err
		return err
	}
	row := make([]any, len(columns))
	for i, c := range columns {
		row[i] = excelize.Cell{StyleID: bold, Value: c.Name}
	}
	return e.setRow(row)
}

// WriteRow keeps numbers and booleans native. DATE, DATETIME and TIMESTAMP
// cells get a date format; everything else is text.
func (e *ExcelEncoder) WriteRow(row client.Row) error {
	if e.err != nil {
		return e.err
	}
	if e.flushed {
		e.err = errors.New("excel: row written after flush")
		return e.err
	}
	if e.rowIdx > maxExcelRows {
		e.err = fmt.Errorf("excel row limit exceeded (%d rows)", maxExcelRows)
		return e.err
	}

	cells := make([]any, len(row))
	for i, v := range row {
		switch x := v.Any().(type) {
		case nil:
			cells[i] = nil
		case bool, int8, int16, int32, int64, float32, float64:
			cells[i] = x
		case time.Time:
			cells[i] = excelize.Cell{StyleID: e.dateStyle, Value: x}
		case string:
			cells[i] = escapeFormula(x)
		default:
			cells[i] = v.String()
		}
	}
	return e.setRow(cells)
}

func (e *ExcelEncoder) setRow(row []any) error {
	cell, err := excelize.CoordinatesToCellName(1, e.rowIdx)
	if err != nil {
		e.err = err
		return err
	}
	if err := e.sw.SetRow(cell, row); err != nil {
		e.err = err
		return err
	}
	e.rowIdx++
	return nil
}

// Flush writes the finished workbook. Rows cannot be added after it.
func (e *ExcelEncoder) Flush() error {
	if e.err != nil || e.flushed {
		return e.err
	}
	e.flushed = true
	if err := e.sw.Flush(); err != nil {
		e.err = err
		return err
	}
	if err := e.f.Write(e.w); err != nil {
		e.err = err
	}
	return e.err
}

func (e *ExcelEncoder) Error() error {
	return e.err
}

// Close releases the workbook's temporary files. It does not write the
// workbook; call Flush first.
func (e *ExcelEncoder) Close() error {
	return e.f.Close()
}
