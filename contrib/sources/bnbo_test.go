package sources

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/geo"
)

const bnboMember = `<wfs:member>
    <dai:status_bnbo gml:id="status_bnbo.%d">
      <dai:Shape><gml:Polygon srsName="urn:ogc:def:crs:EPSG::25832"><gml:exterior><gml:LinearRing><gml:posList>%s</gml:posList></gml:LinearRing></gml:exterior></gml:Polygon></dai:Shape>
      <dai:status_bnbo>%s</dai:status_bnbo>
      <dai:kommunenavn>Aarhus</dai:kommunenavn>
    </dai:status_bnbo>
  </wfs:member>`

func square(x, y, size float64) orb.Polygon {
	return orb.Polygon{{{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y}}}
}

func posList(p orb.Polygon) string {
	var parts []string
	for _, pt := range p[0] {
		parts = append(parts, fmt.Sprintf("%.3f %.3f", pt[0], pt[1]))
	}
	return strings.Join(parts, " ")
}

func TestBNBOCategory(t *testing.T) {
	cases := map[string]string{
		"Indsats gennemført":                Completed,
		"  Gennemgået, indsats nødvendig ":  ActionRequired,
		"Frivillig aftale tilbudt (UDGÅET)": ActionRequired,
		"Ikke gennemgået (default værdi)":   ActionRequired,
		"Noget helt andet":                  Unknown,
		"":                                  Unknown,
	}

	for status, expected := range cases {
		if got := BNBOCategory(status); got != expected {
			t.Errorf("BNBOCategory(%q) should be %q, but %q", status, expected, got)
		}
	}
}

func TestDissolveByCategory(t *testing.T) {
	a := square(0, 0, 100)
	b := square(200, 0, 100)
	c := square(400, 0, 100)

	fs := []geo.Feature{
		{Properties: map[string]any{"status_category": Completed}, Geometry: a},
		{Properties: map[string]any{"status_category": ActionRequired}, Geometry: a},
		{Properties: map[string]any{"status_category": ActionRequired}, Geometry: orb.MultiPolygon{a, b}},
		{Properties: map[string]any{"status_category": Completed}, Geometry: c},
		{Properties: map[string]any{"status_category": Unknown}, Geometry: square(600, 0, 100)},
	}

	got := dissolveByCategory(fs)
	if len(got) != 2 {
		t.Fatalf("expected one row per known category, but %d", len(got))
	}

	required := got[0].Geometry.(orb.MultiPolygon)
	if got[0].Properties["status_category"] != ActionRequired || len(required) != 2 {
		t.Errorf("action required should hold a and b once, but %v", got[0])
	}
	if area := got[0].Properties["area_ha"]; area != 2.0 {
		t.Errorf("action required area should be 2 ha, but %v", area)
	}

	completed := got[1].Geometry.(orb.MultiPolygon)
	if got[1].Properties["status_category"] != Completed || len(completed) != 1 || !orb.Equal(completed[0], c) {
		t.Errorf("completed should only hold c, but %v", got[1])
	}
}

func TestBNBO(t *testing.T) {
	members := []string{
		fmt.Sprintf(bnboMember, 1, posList(square(575000, 6220000, 100)), "Indsats gennemført"),
		fmt.Sprintf(bnboMember, 2, posList(square(575000, 6220000, 100)), "Gennemgået, indsats nødvendig"),
		fmt.Sprintf(bnboMember, 3, posList(square(576000, 6220000, 200)), "Ingen erhvervsmæssig anvendelse af pesticider"),
	}

	var typeNames string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		typeNames = r.URL.Query().Get("TYPENAMES")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<wfs:FeatureCollection xmlns:wfs="http://www.opengis.net/wfs/2.0" xmlns:gml="http://www.opengis.net/gml/3.2" xmlns:dai="http://dai.dk" numberMatched="3" numberReturned="3">
  %s
</wfs:FeatureCollection>`, strings.Join(members, "\n  "))
	}))
	defer srv.Close()

	rt := newRuntime(t, srv.Client())
	runJob(t, BNBO(Options{URL: srv.URL, Retry: fastRetry}), rt)

	if typeNames != "dai:status_bnbo" {
		t.Errorf("unexpected type names: %s", typeNames)
	}

	f := readFrame(t, rt, medallion.SilverObject(bnboDataset, testNow))
	if len(f.Features) != 3 {
		t.Fatalf("expected 3 silver rows, but %d", len(f.Features))
	}

	categories := map[string]string{}
	for _, ft := range f.Features {
		categories[ft.Properties["gml_id"].(string)] = ft.Properties["status_category"].(string)

		pt := ft.Geometry.Bound().Min
		if pt[0] < 8 || pt[0] > 13 || pt[1] < 54 || pt[1] > 58 {
			t.Errorf("geometry should be in WGS84 lon/lat, but %v", pt)
		}
	}
	expected := map[string]string{
		"status_bnbo.1": Completed,
		"status_bnbo.2": ActionRequired,
		"status_bnbo.3": Completed,
	}
	for id, c := range expected {
		if categories[id] != c {
			t.Errorf("%s should be %q, but %q", id, c, categories[id])
		}
	}

	area := f.Features[2].Properties["area_ha"].(float64)
	if area < 3.99 || area > 4.01 {
		t.Errorf("area should be 4 ha, but %v", area)
	}

	d := readFrame(t, rt, medallion.SilverObject(bnboDataset+"_dissolved", testNow))
	if len(d.Features) != 2 {
		t.Fatalf("expected 2 dissolved rows, but %d", len(d.Features))
	}
	if d.Features[0].Properties["status_category"] != ActionRequired {
		t.Errorf("first dissolved row should be action required, but %v", d.Features[0].Properties)
	}
}
