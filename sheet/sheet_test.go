package sheet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"
)

func TestStandardizeColumn(t *testing.T) {
	cases := map[string]string{
		"Areal (ha)":    "areal_ha",
		"Ejendoms nr.":  "ejendoms_nr",
		"Gødning":       "goedning",
		"Café Åben":     "cafe_aaben",
		"ÆBLER i alt":   "aebler_i_alt",
		"__x__":         "x",
		"  ":            "",
		"BFE-nummer #2": "bfe_nummer_2",
	}

	for in, expected := range cases {
		if got := StandardizeColumn(in); got != expected {
			t.Errorf("StandardizeColumn(%q) should be %q, but %q", in, expected, got)
		}
	}
}

func TestStandardizeColumns(t *testing.T) {
	cases := map[string]struct {
		in       []string
		expected []string
	}{
		"repeats and blanks": {
			in:       []string{"Navn", "", "navn", "Navn ", "?"},
			expected: []string{"navn", "column_2", "navn_2", "navn_3", "column_5"},
		},
		"suffix already taken": {
			in:       []string{"a_2", "a", "a"},
			expected: []string{"a_2", "a", "a_3"},
		},
		"suffix after repeat": {
			in:       []string{"a", "a", "a_2"},
			expected: []string{"a", "a_2", "a_2_2"},
		},
	}

	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(c.expected, StandardizeColumns(c.in)); diff != "" {
				t.Errorf("StandardizeColumns mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseCell(t *testing.T) {
	cases := []struct {
		in     string
		expect any
	}{
		{"", nil},
		{"42", int64(42)},
		{"-3", int64(-3)},
		{"0", int64(0)},
		{"0.25", 0.25},
		{"1.5e3", 1500.0},
		{"0042", "0042"},
		{"12,5", "12,5"},
		{"NaN", "NaN"},
		{"tekst", "tekst"},
	}

	for _, c := range cases {
		if got := ParseCell(c.in); got != c.expect {
			t.Errorf("ParseCell(%q) should be %#v, but %#v", c.in, c.expect, got)
		}
	}
}

func TestReadXLSX(t *testing.T) {
	f := excelize.NewFile()
	if err := f.SetSheetRow("Sheet1", "A1", &[]any{"Mark nr", "Areal (ha)", "Afgrøde"}); err != nil {
		t.Fatal(err)
	}
	if err := f.SetSheetRow("Sheet1", "A2", &[]any{"0012", 1.25, "Vårbyg"}); err != nil {
		t.Fatal(err)
	}
	if err := f.SetSheetRow("Sheet1", "A4", &[]any{"7", 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.NewSheet("Tom"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	sheets, err := Read("marker.xlsx", &buf)
	if err != nil {
		t.Fatal(err)
	}

	if len(sheets) != 1 {
		t.Fatalf("empty sheets should be skipped, but got %d sheets", len(sheets))
	}

	s := sheets[0]
	expected := [][]string{
		{"Mark nr", "Areal (ha)", "Afgrøde"},
		{"0012", "1.25", "Vårbyg"},
		{"7", "3", ""},
	}
	if diff := cmp.Diff(expected, s.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	fs := s.Features()
	if len(fs) != 2 {
		t.Fatalf("expected 2 features, but %d", len(fs))
	}
	want := map[string]any{"mark_nr": "0012", "areal_ha": 1.25, "afgroede": "Vårbyg"}
	if diff := cmp.Diff(want, fs[0].Properties); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}
	if fs[1].Properties["afgroede"] != nil || fs[1].Properties["areal_ha"] != int64(3) {
		t.Errorf("unexpected second row: %v", fs[1].Properties)
	}
}

func TestRead_errors(t *testing.T) {
	if _, err := Read("report.pdf", bytes.NewReader(nil)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, but %v", err)
	}

	if _, err := ReadXLS(bytes.NewReader([]byte("not a workbook"))); err == nil {
		t.Error("expected error for garbage xls")
	}
}
