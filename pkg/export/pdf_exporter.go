package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

// PDF renders the dataset as a one-table A4 document with an optional
// title line. Columns share the printable width evenly.
func PDF(d Dataset, title string) ([]byte, error) {
	if len(d.Headers) == 0 {
		return nil, fmt.Errorf("pdf export needs headers")
	}

	doc := gofpdf.New("P", "mm", "A4", "")
	doc.SetMargins(12, 16, 12)
	doc.AddPage()

	if title != "" {
		doc.SetFont("Helvetica", "B", 13)
		doc.CellFormat(0, 9, title, "", 1, "L", false, 0, "")
		doc.Ln(3)
	}

	width := 186.0 / float64(len(d.Headers))

	doc.SetFont("Helvetica", "B", 10)
	doc.SetFillColor(235, 235, 235)
	for _, h := range d.Headers {
		doc.CellFormat(width, 8, h, "1", 0, "L", true, 0, "")
	}
	doc.Ln(-1)

	doc.SetFont("Helvetica", "", 9)
	for _, row := range d.Rows {
		for i := range d.Headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			doc.CellFormat(width, 7, cell, "1", 0, "L", false, 0, "")
		}
		doc.Ln(-1)
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
