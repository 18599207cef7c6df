package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/geoparquet"
	"github.com/landbrugsdata/medallion/redact"
)

type memSource struct {
	files map[string]string
}

func (s *memSource) List(context.Context) ([]File, error) {
	var out []File
	for _, name := range sortedKeys(s.files) {
		out = append(out, File{Name: name, Size: int64(len(s.files[name]))})
	}
	return out, nil
}

func (s *memSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	b, ok := s.files[name]
	if !ok {
		return nil, errors.New("no such file")
	}
	return io.NopCloser(strings.NewReader(b)), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const fields = `{
  "type": "FeatureCollection",
  "name": "marker",
  "crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:OGC:1.3:CRS84"}},
  "features": [
    {"type": "Feature", "properties": {"id": 1, "navn": "Mark 1"}, "geometry": {"type": "Point", "coordinates": [10.1, 56.1]}},
    {"type": "Feature", "properties": {"id": 2, "navn": "Mark 2", "email": "ejer@example.dk"}, "geometry": {"type": "Point", "coordinates": [10.2, 56.2]}},
    {"type": "Feature", "properties": {"id": "c3", "areal": 1.5, "meta": {"kilde": "x"}}, "geometry": null}
  ],
  "bbox": [10.1, 56.1, 10.2, 56.2]
}`

var testNow = time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)

func newStore(t *testing.T) *medallion.DirStore {
	t.Helper()
	s, err := medallion.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTransfer_Run(t *testing.T) {
	src := &memSource{files: map[string]string{
		"marker.geojson": fields,
		"readme.txt":     "hej",
	}}
	store := newStore(t)

	tr := &Transfer{
		Source:    src,
		Store:     store,
		Dataset:   "sftp_marker",
		BatchSize: 2,
		Detector:  &redact.Detector{},
		TempDir:   t.TempDir(),
		Now:       func() time.Time { return testNow },
	}

	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := &Result{
		Files:    2,
		GeoJSON:  1,
		Features: 3,
		Batches:  2,
		Silver:   "silver/sftp_marker/2024-05-17.parquet",
		Redacted: []string{"email"},
	}
	if diff := cmp.Diff(expected, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	ctx := context.Background()
	raw, err := medallion.ReadAll(ctx, store, "bronze/sftp_marker/2024-05-17/marker.geojson")
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != fields {
		t.Error("bronze copy should be identical to the remote file")
	}
	txt, err := medallion.ReadAll(ctx, store, "bronze/sftp_marker/2024-05-17/readme.txt")
	if err != nil || string(txt) != "hej" {
		t.Errorf("other files should be copied unchanged, but %q (%v)", txt, err)
	}

	b, err := medallion.ReadAll(ctx, store, res.Silver)
	if err != nil {
		t.Fatal(err)
	}
	f, err := geoparquet.Read(ctx, bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}

	expectedSchema := geoparquet.Schema{
		{Name: "id", Type: geoparquet.String},
		{Name: "navn", Type: geoparquet.String},
		{Name: "source_file", Type: geoparquet.String},
		{Name: "email", Type: geoparquet.String},
		{Name: "areal", Type: geoparquet.Float64},
		{Name: "meta", Type: geoparquet.String},
	}
	if diff := cmp.Diff(expectedSchema, f.Schema); diff != "" {
		t.Errorf("schema mismatch (-want +got):\n%s", diff)
	}

	if len(f.Features) != 3 {
		t.Fatalf("expected 3 rows, but %d", len(f.Features))
	}

	second := f.Features[1].Properties
	if second["id"] != "2" || second["email"] != "***" || second["source_file"] != "marker.geojson" {
		t.Errorf("unexpected second row: %v", second)
	}
	if p, ok := f.Features[1].Geometry.(orb.Point); !ok || p != (orb.Point{10.2, 56.2}) {
		t.Errorf("unexpected geometry: %v", f.Features[1].Geometry)
	}

	third := f.Features[2]
	if third.Geometry != nil {
		t.Errorf("null geometry should stay null, but %v", third.Geometry)
	}
	if third.Properties["meta"] != `{"kilde":"x"}` || third.Properties["areal"] != 1.5 || third.Properties["navn"] != nil {
		t.Errorf("unexpected third row: %v", third.Properties)
	}
}

func TestTransfer_Run_explicitRules(t *testing.T) {
	src := &memSource{files: map[string]string{"a.geojson": fields}}
	store := newStore(t)

	tr := &Transfer{
		Source:  src,
		Store:   store,
		Dataset: "x",
		Rules:   redact.Rules{{Column: "navn", Kind: redact.Name, Action: redact.Drop}},
		Now:     func() time.Time { return testNow },
	}

	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Batches != 1 {
		t.Errorf("features should fit in one batch, but %d", res.Batches)
	}

	b, err := medallion.ReadAll(context.Background(), store, res.Silver)
	if err != nil {
		t.Fatal(err)
	}
	f, err := geoparquet.Read(context.Background(), bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if f.Schema.Index("navn") >= 0 {
		t.Error("dropped column should not be written")
	}
	if f.Features[1].Properties["email"] != "ejer@example.dk" {
		t.Error("columns without rules should be kept when detection is off")
	}
}

func TestTransfer_Run_noFiles(t *testing.T) {
	tr := &Transfer{Source: &memSource{}, Store: newStore(t), Dataset: "x"}

	if _, err := tr.Run(context.Background()); !errors.Is(err, ErrNoFiles) {
		t.Errorf("expected ErrNoFiles, but %v", err)
	}
}

func TestTransfer_Run_onlyOtherFiles(t *testing.T) {
	tr := &Transfer{
		Source:  &memSource{files: map[string]string{"data.csv": "a,b\n1,2\n"}},
		Store:   newStore(t),
		Dataset: "x",
		Now:     func() time.Time { return testNow },
	}

	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Silver != "" || res.GeoJSON != 0 {
		t.Errorf("nothing should be converted, but %+v", res)
	}
}

func TestTransfer_Run_invalidGeoJSON(t *testing.T) {
	store := newStore(t)
	tr := &Transfer{
		Source:  &memSource{files: map[string]string{"bad.geojson": `[1, 2]`}},
		Store:   store,
		Dataset: "x",
		Now:     func() time.Time { return testNow },
	}

	_, err := tr.Run(context.Background())
	if !errors.Is(err, ErrNotFeatureCollection) {
		t.Errorf("expected ErrNotFeatureCollection, but %v", err)
	}

	if ok, _ := store.Exists(context.Background(), "bronze/x/2024-05-17/bad.geojson"); ok {
		t.Error("failed conversions should not commit a bronze copy")
	}
}
