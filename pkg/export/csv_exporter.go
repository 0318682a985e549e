package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// Dataset is an ordered table ready for rendering. Rows are positional
// and must line up with Headers.
type Dataset struct {
	Headers []string
	Rows    [][]string
}

// Append adds one row. Values beyond the header count are dropped and
// missing trailing values are left empty.
func (d *Dataset) Append(values ...string) {
	row := make([]string, len(d.Headers))
	copy(row, values)
	d.Rows = append(d.Rows, row)
}

// CSV renders the dataset as RFC 4180 CSV bytes.
func CSV(d Dataset) ([]byte, error) {
	if len(d.Headers) == 0 {
		return nil, fmt.Errorf("csv export needs headers")
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	records := make([][]string, 0, len(d.Rows)+1)
	records = append(records, d.Headers)
	records = append(records, d.Rows...)
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}
