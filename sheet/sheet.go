// Package sheet reads XLS and XLSX workbooks into string tables.
package sheet

import (
	"errors"
	"io"
	"path"
	"strconv"
	"strings"
	"unicode"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
	"gitlab.com/osaki-lab/iowrapper"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion/geo"
)

// ErrUnsupported is returned by Read for other file types.
var ErrUnsupported = errors.New("unsupported workbook format")

// Sheet is one worksheet. Rows[0] is the header.
type Sheet struct {
	Name string
	Rows [][]string
}

// Read picks the reader by file extension.
func Read(name string, r io.Reader) ([]Sheet, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".xls":
		return ReadXLS(r)
	case ".xlsx", ".xlsm":
		return ReadXLSX(r)
	}
	return nil, xerrors.Errorf("%w: %s", ErrUnsupported, name)
}

// ReadXLS reads a legacy BIFF workbook. Sheets without any value are skipped.
func ReadXLS(r io.Reader) ([]Sheet, error) {
	wb, err := xls.OpenReader(iowrapper.NewSeeker(r), "utf-8")
	if err != nil {
		return nil, xerrors.Errorf("failed to open xls file: %w", err)
	}

	getRow := func(ws *xls.WorkSheet, i int) (row *xls.Row, ok bool) {
		defer func() { recover() }()
		return ws.Row(i), true
	}

	var sheets []Sheet
	for i := 0; i < wb.NumSheets(); i++ {
		ws := wb.GetSheet(i)
		if ws == nil {
			continue
		}

		var rows [][]string
		for j := 0; j <= int(ws.MaxRow); j++ {
			row, ok := getRow(ws, j)
			if !ok || row == nil {
				continue
			}

			record := make([]string, 0, row.LastCol())
			for c := 0; c < row.LastCol(); c++ {
				record = append(record, strings.TrimSpace(row.Col(c)))
			}
			rows = append(rows, record)
		}

		if s, ok := newSheet(ws.Name, rows); ok {
			sheets = append(sheets, s)
		}
	}

	return sheets, nil
}

// ReadXLSX reads an Office Open XML workbook. Sheets without any value are
// skipped.
func ReadXLSX(r io.Reader) ([]Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, xerrors.Errorf("failed to open xlsx file: %w", err)
	}
	defer f.Close()

	var sheets []Sheet
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, xerrors.Errorf("failed to read sheet %s: %w", name, err)
		}
		for _, row := range rows {
			for i := range row {
				row[i] = strings.TrimSpace(row[i])
			}
		}

		if s, ok := newSheet(name, rows); ok {
			sheets = append(sheets, s)
		}
	}

	return sheets, nil
}

// newSheet drops blank rows and pads every row to the widest one.
func newSheet(name string, rows [][]string) (Sheet, bool) {
	width := 0
	kept := rows[:0]
	for _, row := range rows {
		if blank(row) {
			continue
		}
		kept = append(kept, row)
		if len(row) > width {
			width = len(row)
		}
	}
	if len(kept) == 0 {
		return Sheet{}, false
	}

	for i, row := range kept {
		for len(row) < width {
			row = append(row, "")
		}
		kept[i] = row
	}

	return Sheet{Name: name, Rows: kept}, true
}

func blank(row []string) bool {
	for _, v := range row {
		if v != "" {
			return false
		}
	}
	return true
}

// Columns returns the standardized header.
func (s Sheet) Columns() []string {
	if len(s.Rows) == 0 {
		return nil
	}
	return StandardizeColumns(s.Rows[0])
}

// Features returns the data rows keyed by the standardized header with
// typed cell values.
func (s Sheet) Features() []geo.Feature {
	cols := s.Columns()
	if len(s.Rows) < 2 {
		return nil
	}

	fs := make([]geo.Feature, 0, len(s.Rows)-1)
	for _, row := range s.Rows[1:] {
		props := make(map[string]any, len(cols))
		for i, c := range cols {
			props[c] = ParseCell(row[i])
		}
		fs = append(fs, geo.Feature{Properties: props})
	}
	return fs
}

// ParseCell types a cell: empty is nil, then int64, float64 and string are
// tried in order. Integers with leading zeros stay strings.
func ParseCell(s string) any {
	if s == "" {
		return nil
	}

	leadingZero := len(s) > 1 && s[0] == '0' && s[1] != '.'
	if !leadingZero {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && strings.ContainsAny(s, ".eE") {
			return f
		}
	}

	return s
}

var (
	folding = strings.NewReplacer("æ", "ae", "ø", "oe", "å", "aa")
	strip   = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// StandardizeColumn lowercases name, spells out æ, ø and å, strips other
// diacritics and turns every other non-alphanumeric run into one underscore.
func StandardizeColumn(name string) string {
	s := folding.Replace(strings.ToLower(name))
	if t, _, err := transform.String(strip, s); err == nil {
		s = t
	}

	var b strings.Builder
	underscore := false
	for _, r := range s {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

// StandardizeColumns standardizes a header. Empty names become column_<n>
// with n the 1-based position, and repeated names get _2, _3 suffixes.
func StandardizeColumns(names []string) []string {
	out := make([]string, len(names))
	seen := map[string]int{}

	for i, n := range names {
		c := StandardizeColumn(n)
		if c == "" {
			c = "column_" + strconv.Itoa(i+1)
		}

		if n := seen[c]; n > 0 {
			k := n + 1
			for seen[c+"_"+strconv.Itoa(k)] > 0 {
				k++
			}
			seen[c] = k
			c = c + "_" + strconv.Itoa(k)
		}
		seen[c]++
		out[i] = c
	}

	return out
}
