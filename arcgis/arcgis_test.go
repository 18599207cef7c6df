package arcgis_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/landbrugsdata/medallion/arcgis"
)

const feature = `{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,0]]]},"properties":{"projektnavn":"Lavbund %d","OBJECTID":%d}}`

func TestClient_FetchAll(t *testing.T) {
	const total = 5

	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)

		q := r.URL.Query()
		if q.Get("f") != "geojson" || q.Get("where") != "1=1" || q.Get("outSR") != "25832" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}

		offset, _ := strconv.Atoi(q.Get("resultOffset"))
		size, _ := strconv.Atoi(q.Get("resultRecordCount"))

		var fs []string
		for i := offset; i < total && i < offset+size; i++ {
			fs = append(fs, fmt.Sprintf(feature, i, i))
		}
		exceeded := offset+size < total

		fmt.Fprintf(w, `{"type":"FeatureCollection","features":[%s],"properties":{"exceededTransferLimit":%t}}`, strings.Join(fs, ","), exceeded)
	}))
	defer srv.Close()

	c := &arcgis.Client{URL: srv.URL + "/FeatureServer/", Layer: 0, PageSize: 2, HTTPClient: srv.Client()}

	pages, err := c.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, but %d", len(pages))
	}
	if paths[0] != "/FeatureServer/0/query" {
		t.Errorf("unexpected path: %s", paths[0])
	}

	fc, err := arcgis.Decode(pages[2])
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.Features) != 1 {
		t.Fatalf("last page should have one feature, but %d", len(fc.Features))
	}
	if _, ok := fc.Features[0].Geometry.(orb.Polygon); !ok {
		t.Errorf("expected polygon, but %T", fc.Features[0].Geometry)
	}
	if fc.Features[0].Properties["projektnavn"] != "Lavbund 4" {
		t.Errorf("unexpected properties: %v", fc.Features[0].Properties)
	}
}

func TestClient_FetchAll_serviceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"code":400,"message":"Invalid query"}}`)
	}))
	defer srv.Close()

	c := &arcgis.Client{URL: srv.URL, HTTPClient: srv.Client()}
	if _, err := c.FetchAll(context.Background()); err == nil || !strings.Contains(err.Error(), "Invalid query") {
		t.Errorf("expected service error, but %v", err)
	}
}
