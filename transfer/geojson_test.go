package transfer

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func readAll(t *testing.T, doc string) ([]*geojson.Feature, error) {
	t.Helper()

	fr := NewFeatureReader(strings.NewReader(doc))
	var out []*geojson.Feature
	for {
		f, err := fr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
}

func TestFeatureReader(t *testing.T) {
	fs, err := readAll(t, fields)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs) != 3 {
		t.Fatalf("expected 3 features, but %d", len(fs))
	}
	if p, ok := fs[0].Geometry.(orb.Point); !ok || p != (orb.Point{10.1, 56.1}) {
		t.Errorf("unexpected geometry: %v", fs[0].Geometry)
	}
	if fs[2].Geometry != nil {
		t.Errorf("null geometry should be nil, but %v", fs[2].Geometry)
	}
}

func TestFeatureReader_cases(t *testing.T) {
	cases := map[string]struct {
		doc      string
		features int
		err      error
	}{
		"features first": {
			doc:      `{"features": [{"type": "Feature", "properties": {}, "geometry": null}], "type": "FeatureCollection"}`,
			features: 1,
		},
		"empty": {
			doc: `{"type": "FeatureCollection", "features": []}`,
		},
		"no features member": {
			doc: `{"type": "FeatureCollection"}`,
		},
		"array": {
			doc: `[]`,
			err: ErrNotFeatureCollection,
		},
		"features not an array": {
			doc: `{"features": {}}`,
			err: ErrNotFeatureCollection,
		},
		"empty document": {
			doc: ``,
			err: ErrNotFeatureCollection,
		},
	}

	for name, c := range cases {
		c := c
		t.Run(name, func(t *testing.T) {
			fs, err := readAll(t, c.doc)
			if c.err != nil {
				if !errors.Is(err, c.err) {
					t.Errorf("expected %v, but %v", c.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(fs) != c.features {
				t.Errorf("expected %d features, but %d", c.features, len(fs))
			}
		})
	}
}

func TestFeatureReader_truncated(t *testing.T) {
	doc := fields[:strings.Index(fields, `{"type": "Feature", "properties": {"id": 2`)+20]

	fs, err := readAll(t, doc)
	if err == nil {
		t.Error("truncated document should fail")
	}
	if len(fs) != 1 {
		t.Errorf("features before the damage should be read, but %d", len(fs))
	}
}

func TestToFeature(t *testing.T) {
	gf := geojson.NewFeature(orb.Point{1, 2})
	gf.Properties = geojson.Properties{
		"navn":  "Mark",
		"areal": 2.5,
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"k": 1.0},
		"tom":   nil,
	}

	f := toFeature(gf)

	expected := map[string]any{
		"navn":  "Mark",
		"areal": 2.5,
		"tags":  `["a","b"]`,
		"meta":  `{"k":1}`,
		"tom":   nil,
	}
	for k, v := range expected {
		if f.Properties[k] != v {
			t.Errorf("%s should be %v, but %v", k, v, f.Properties[k])
		}
	}
	if f.Geometry != (orb.Point{1, 2}) {
		t.Errorf("unexpected geometry: %v", f.Geometry)
	}
}
