package sources

import (
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/landbrugsdata/medallion"
)

func dawaLayer(t *testing.T, features ...*geojson.Feature) string {
	t.Helper()

	fc := geojson.NewFeatureCollection()
	fc.Features = features
	b, err := fc.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func dawaFeature(g orb.Geometry, props geojson.Properties) *geojson.Feature {
	f := geojson.NewFeature(g)
	f.Properties = props
	return f
}

func TestDAGIProperties(t *testing.T) {
	cases := map[string]struct {
		in       geojson.Properties
		expected map[string]any
	}{
		"municipality": {
			in:       geojson.Properties{"kode": "0751", "navn": " Aarhus ", "regionskode": "1082", "ændret": "2024-01-01"},
			expected: map[string]any{"code": "0751", "name": "Aarhus", "region_code": "1082"},
		},
		"postcode": {
			in:       geojson.Properties{"nr": "8000", "navn": "Aarhus C", "stormodtager": false},
			expected: map[string]any{"code": "8000", "name": "Aarhus C"},
		},
		"numeric code": {
			in:       geojson.Properties{"nr": 8000.0, "navn": "Aarhus C"},
			expected: map[string]any{"code": "8000", "name": "Aarhus C"},
		},
		"province": {
			in:       geojson.Properties{"nuts3": "DK042", "navn": "Østjylland", "dagi_id": "389100"},
			expected: map[string]any{"code": "DK042", "name": "Østjylland", "dagi_id": "389100"},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(tc.expected, dagiProperties(tc.in)); diff != "" {
				t.Errorf("properties mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDAGI(t *testing.T) {
	bodies := map[string]string{
		"/kommuner": dawaLayer(t,
			dawaFeature(square(575000, 6220000, 100), geojson.Properties{"kode": "0751", "navn": "Aarhus", "regionskode": "1082"}),
			dawaFeature(square(575000, 6220000, 100), geojson.Properties{"kode": "0751", "navn": "Aarhus", "regionskode": "1082"}),
			dawaFeature(square(576000, 6220000, 200), geojson.Properties{"kode": "0730", "navn": "Randers", "regionskode": "1082"}),
		),
		"/regioner":  dawaLayer(t, dawaFeature(square(570000, 6210000, 1000), geojson.Properties{"kode": "1082", "navn": "Region Midtjylland"})),
		"/landsdele": dawaLayer(t, dawaFeature(square(570000, 6210000, 1000), geojson.Properties{"nuts3": "DK042", "navn": "Østjylland"})),
		"/postnumre": dawaLayer(t, dawaFeature(square(575000, 6220000, 100), geojson.Properties{"nr": "8000", "navn": "Aarhus C"})),
	}

	var (
		mu      sync.Mutex
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		mu.Unlock()

		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	rt := newRuntime(t, srv.Client())
	runJob(t, DAGI(Options{URL: srv.URL + "/", Retry: fastRetry}), rt)

	if len(queries) != len(DAGILayers) {
		t.Errorf("expected one request per layer, but %d", len(queries))
	}
	for _, q := range queries {
		if !strings.Contains(q, "format=geojson") || !strings.Contains(q, "srid=25832") {
			t.Errorf("layers should be asked for as geojson in EPSG:25832, but %s", q)
		}
	}

	f := readFrame(t, rt, medallion.SilverObject(dagiDataset, testNow))

	var got []string
	for _, ft := range f.Features {
		got = append(got, fmt.Sprintf("%s/%s", ft.Properties["layer_type"], ft.Properties["code"]))

		if ft.Properties["layer_type"] == "postnumre" {
			if a := ft.Properties["area_m2"].(float64); a < 9999 || a > 10001 {
				t.Errorf("postcode area should be 10000 m2, but %v", a)
			}
			if x := ft.Properties["centroid_x"].(float64); math.Abs(x-575050) > 0.001 {
				t.Errorf("centroid should stay in metres, but %v", x)
			}
		}
	}
	sort.Strings(got)

	expected := []string{"kommuner/0730", "kommuner/0751", "landsdele/DK042", "postnumre/8000", "regioner/1082"}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("silver rows mismatch (-want +got):\n%s", diff)
	}
}
