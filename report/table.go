package report

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ColumnSpec defines a column's properties
type ColumnSpec struct {
	Header     string
	BlankValue string // Value to show for empty cells
	AlignRight bool
	MinWidth   int
}

// Table is an aligned text table. The header is underlined with dashes as
// long as the header text.
type Table struct {
	columns []ColumnSpec
	rows    [][]string
	widths  []int
	gap     string
}

// NewTable creates a new table with the given column specifications
func NewTable(cols ...ColumnSpec) *Table {
	t := &Table{
		columns: cols,
		rows:    make([][]string, 0),
		widths:  make([]int, len(cols)),
		gap:     " ",
	}
	for i, col := range cols {
		t.widths[i] = max(col.MinWidth, visibleLength(col.Header))
	}
	return t
}

// WithGap sets the text between columns
func (t *Table) WithGap(gap string) *Table {
	t.gap = gap
	return t
}

// AddRow adds a row of data to the table
func (t *Table) AddRow(data ...string) {
	row := make([]string, len(t.columns))
	for i := range row {
		if i < len(data) && data[i] != "" {
			row[i] = data[i]
		} else {
			row[i] = t.columns[i].BlankValue
		}
		t.widths[i] = max(t.widths[i], visibleLength(row[i]))
	}
	t.rows = append(t.rows, row)
}

// Render writes the table to the given writer
func (t *Table) Render(w io.Writer) error {
	headers := make([]string, len(t.columns))
	underline := make([]string, len(t.columns))
	for i, col := range t.columns {
		headers[i] = col.Header
		underline[i] = strings.Repeat("-", visibleLength(col.Header))
	}
	if err := t.renderRow(w, headers); err != nil {
		return err
	}
	if err := t.renderRow(w, underline); err != nil {
		return err
	}
	for _, row := range t.rows {
		if err := t.renderRow(w, row); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) renderRow(w io.Writer, row []string) error {
	formatted := make([]string, len(row))
	for i, val := range row {
		formatted[i] = t.pad(val, t.widths[i], t.columns[i].AlignRight)
	}
	_, err := fmt.Fprintln(w, strings.TrimRight(strings.Join(formatted, t.gap), " "))
	return err
}

// pad pads a string to the given width
func (t *Table) pad(s string, width int, right bool) string {
	n := visibleLength(s)
	if n >= width {
		return s
	}
	if right {
		return strings.Repeat(" ", width-n) + s
	}
	return s + strings.Repeat(" ", width-n)
}

func visibleLength(s string) int {
	return utf8.RuneCountInString(s)
}
