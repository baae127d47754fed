package exporter

import (
	"io"

	"github.com/go-pdf/fpdf"

	"gridsql/client"
)

// PDFEncoder lays rows out as a grid on landscape A4 pages. The whole
// document is held in memory until Flush.
type PDFEncoder struct {
	pdf      *fpdf.Fpdf
	w        io.Writer
	colWidth float64
	tr       func(string) string
	flushed  bool
	err      error
}

const pdfRowHeight = 7.0

func NewPDFEncoder(w io.Writer) *PDFEncoder {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 9)
	pdf.AddPage()
	return &PDFEncoder{
		pdf: pdf,
		w:   w,
		// Core fonts are cp1252; translate UTF-8 text into it.
		tr: pdf.UnicodeTranslatorFromDescriptor(""),
	}
}

// WriteHeader splits the usable page width evenly between the columns.
func (e *PDFEncoder) WriteHeader(columns []client.Column) error {
	if e.err != nil {
		return e.err
	}
	pageWidth, _ := e.pdf.GetPageSize()
	left, _, right, _ := e.pdf.GetMargins()
	e.colWidth = (pageWidth - left - right) / float64(max(len(columns), 1))

	e.pdf.SetFont("Arial", "B", 9)
	for _, c := range columns {
		e.pdf.CellFormat(e.colWidth, pdfRowHeight, e.tr(c.Name), "1", 0, "C", false, 0, "")
	}
	e.pdf.Ln(-1)
	e.pdf.SetFont("Arial", "", 9)
	return e.pdf.Error()
}

func (e *PDFEncoder) WriteRow(row client.Row) error {
	if e.err != nil {
		return e.err
	}
	for _, v := range row {
		text := v.String()
		if v.Type() == client.TypeBoolean || v.IsNull() {
			text = cellText(v)
		}
		align := "L"
		if isNumeric(v.Type()) {
			align = "R"
		}
		e.pdf.CellFormat(e.colWidth, pdfRowHeight, e.tr(text), "1", 0, align, false, 0, "")
	}
	e.pdf.Ln(-1)
	if err := e.pdf.Error(); err != nil {
		e.err = err
	}
	return e.err
}

func isNumeric(t client.ColumnType) bool {
	switch t {
	case client.TypeInt8, client.TypeInt16, client.TypeInt32, client.TypeInt64,
		client.TypeFloat, client.TypeDouble, client.TypeDecimal:
		return true
	}
	return false
}

// Flush renders the document to the writer.
func (e *PDFEncoder) Flush() error {
	if e.err != nil || e.flushed {
		return e.err
	}
	e.flushed = true
	if err := e.pdf.Output(e.w); err != nil {
		e.err = err
	}
	return e.err
}

func (e *PDFEncoder) Error() error {
	return e.err
}

func (e *PDFEncoder) Close() error {
	return e.Flush()
}
