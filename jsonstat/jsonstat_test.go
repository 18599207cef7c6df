package jsonstat

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const doc = `{
  "dataset": {
    "dimension": {
      "OMRÅDE": {
        "category": {
          "index": {"000": 0, "081": 1},
          "label": {"000": "Hele landet", "081": "Region Nordjylland"}
        }
      },
      "AFGRØDE": {
        "category": {
          "index": ["HVEDE", "BYG", "RAPS"],
          "label": {"HVEDE": "Vinterhvede", "BYG": "Vårbyg", "RAPS": "Vinterraps"}
        }
      },
      "Tid": {
        "category": {
          "label": {"2023": "2023"}
        }
      },
      "id": ["OMRÅDE", "AFGRØDE", "Tid"],
      "size": [2, 3, 1]
    },
    "value": [1, 2, 3.5, null, "..", 6]
  }
}`

func f(v float64) *float64 {
	return &v
}

func TestFlatten(t *testing.T) {
	tbl, err := Flatten([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	ids := []string{}
	for _, d := range tbl.Dimensions {
		ids = append(ids, d.ID)
	}
	if diff := cmp.Diff([]string{"OMRÅDE", "AFGRØDE", "Tid"}, ids); diff != "" {
		t.Errorf("dimension mismatch (-want +got):\n%s", diff)
	}

	expected := []Row{
		{Labels: []string{"Hele landet", "Vinterhvede", "2023"}, Value: f(1)},
		{Labels: []string{"Hele landet", "Vårbyg", "2023"}, Value: f(2)},
		{Labels: []string{"Hele landet", "Vinterraps", "2023"}, Value: f(3.5)},
		{Labels: []string{"Region Nordjylland", "Vinterhvede", "2023"}},
		{Labels: []string{"Region Nordjylland", "Vårbyg", "2023"}},
		{Labels: []string{"Region Nordjylland", "Vinterraps", "2023"}, Value: f(6)},
	}
	if diff := cmp.Diff(expected, tbl.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	if tbl.Column("Tid") != 2 || tbl.Column("nope") != -1 {
		t.Error("unexpected Column result")
	}
}

func TestFlatten_shortValues(t *testing.T) {
	short := `{"dataset":{"dimension":{"A":{"category":{"index":["x","y"],"label":{"x":"X","y":"Y"}}},"id":["A"]},"value":[1]}}`

	tbl, err := Flatten([]byte(short))
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Rows) != 1 {
		t.Errorf("rows should stop at the end of the value array, but %d", len(tbl.Rows))
	}
}

func TestFlatten_invalid(t *testing.T) {
	for _, c := range []string{
		`{}`,
		`{"dataset":{"value":[1]}}`,
		`{"dataset":{"dimension":{"id":["A"]}}}`,
		`{"dataset":{"dimension":{},"value":[]}}`,
		`not json`,
	} {
		if _, err := Flatten([]byte(c)); !errors.Is(err, ErrInvalid) {
			t.Errorf("Flatten(%s) should return ErrInvalid, but %v", c, err)
		}
	}
}
