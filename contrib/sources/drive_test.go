package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/redact"
)

type driveEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     string `json:"size,omitempty"`
}

type fakeDrive struct {
	folders map[string][]driveEntry
	files   map[string][]byte

	mu        sync.Mutex
	downloads []string
}

func (d *fakeDrive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/files" {
		q := r.URL.Query().Get("q")
		id := strings.TrimPrefix(q[:strings.Index(q, "' in parents")], "'")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"files": d.folders[id]})
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/files/")
	if r.URL.Query().Get("alt") != "media" {
		http.Error(w, "metadata not served", http.StatusBadRequest)
		return
	}
	b, ok := d.files[id]
	if !ok {
		http.NotFound(w, r)
		return
	}

	d.mu.Lock()
	d.downloads = append(d.downloads, id)
	d.mu.Unlock()

	w.Write(b)
}

func workbook(t *testing.T, rows [][]any) []byte {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatal(err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDrive(t *testing.T) {
	xlsx := workbook(t, [][]any{
		{"Navn", "E-mail", "Antal"},
		{"Anne", "anne@example.dk", 3},
		{"Bo", "bo@example.dk", 5},
	})

	d := &fakeDrive{
		folders: map[string][]driveEntry{
			"root": {
				{ID: "sub", Name: "Rapporter", MimeType: folderMimeType},
				{ID: "doc", Name: "Noter", MimeType: "application/vnd.google-apps.document"},
				{ID: "pdf", Name: "vejledning.pdf", MimeType: "application/pdf", Size: "4"},
			},
			"sub": {
				{ID: "xlsx", Name: "tal.xlsx", MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Size: "100"},
			},
		},
		files: map[string][]byte{
			"pdf":  []byte("%PDF"),
			"xlsx": xlsx,
		},
	}
	srv := httptest.NewServer(d)
	defer srv.Close()

	j := Drive(Options{URL: srv.URL + "/", BQDataset: "landbrug"}, DriveConfig{FolderID: "root"})
	if j.Table != "" {
		t.Errorf("drive should not load into bigquery, but table %q", j.Table)
	}

	rt := newRuntime(t, srv.Client())
	runJob(t, j, rt)

	day := rt.Day()
	ctx := context.Background()

	b, err := medallion.ReadAll(ctx, rt.Store, medallion.BronzeDir(driveDataset, day, "Rapporter/tal.xlsx.metadata.json"))
	if err != nil {
		t.Fatal(err)
	}
	var meta DriveFile
	if err := json.Unmarshal(b, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.ID != "xlsx" || meta.Path != "Rapporter/tal.xlsx" || len(meta.SHA256) != 64 {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	if ok, _ := rt.Store.Exists(ctx, medallion.BronzeDir(driveDataset, day, "vejledning.pdf")); !ok {
		t.Error("pdf should be copied to bronze")
	}
	if ok, _ := rt.Store.Exists(ctx, medallion.BronzeDir(driveDataset, day, "Noter")); ok {
		t.Error("google docs should be ignored")
	}

	f := readFrame(t, rt, medallion.SilverDir(driveDataset, day, "Rapporter/tal_xlsx_sheet1.parquet"))
	if !f.Plain {
		t.Error("sheet output should not have a geometry column")
	}

	var columns []string
	for _, fld := range f.Schema {
		columns = append(columns, fld.Name)
	}
	if diff := cmp.Diff([]string{"navn", "e_mail", "antal"}, columns); diff != "" {
		t.Errorf("columns mismatch (-want +got):\n%s", diff)
	}

	if len(f.Features) != 2 {
		t.Fatalf("expected 2 rows, but %d", len(f.Features))
	}
	first := f.Features[0].Properties
	if first["navn"] != "Anne" || first["e_mail"] != "***" || first["antal"] != int64(3) {
		t.Errorf("unexpected row: %v", first)
	}

	if err := j.Bronze(ctx, rt); err != nil {
		t.Fatal(err)
	}
	if len(d.downloads) != 2 {
		t.Errorf("existing files should not be downloaded again, but %v", d.downloads)
	}
}

func TestDrive_dropPersonalData(t *testing.T) {
	xlsx := workbook(t, [][]any{
		{"Telefon", "Område"},
		{"12345678", "Nord"},
	})

	d := &fakeDrive{
		folders: map[string][]driveEntry{
			"root": {{ID: "x", Name: "kontakter.xlsx", MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}},
		},
		files: map[string][]byte{"x": xlsx},
	}
	srv := httptest.NewServer(d)
	defer srv.Close()

	j := Drive(Options{URL: srv.URL + "/"}, DriveConfig{FolderID: "root", Redact: redact.Drop})
	rt := newRuntime(t, srv.Client())
	runJob(t, j, rt)

	f := readFrame(t, rt, medallion.SilverDir(driveDataset, rt.Day(), "kontakter_xlsx_sheet1.parquet"))
	if len(f.Schema) != 1 || f.Schema[0].Name != "omraade" {
		t.Errorf("phone column should be dropped, but %v", f.Schema)
	}
}

func TestMetadataName(t *testing.T) {
	if got := metadataName("bronze/drive/2024-05-17/a/report.xlsx"); got != "bronze/drive/2024-05-17/a/report.xlsx.metadata.json" {
		t.Errorf("unexpected sidecar name: %s", got)
	}
}

func TestSilverStem(t *testing.T) {
	cases := map[string]string{
		"a/tal.xls":  "a/tal_xls",
		"a/tal.XLSX": "a/tal_xlsx",
		"noter":      "noter",
	}
	for in, expected := range cases {
		if got := silverStem(in); got != expected {
			t.Errorf("silverStem(%q) should be %q, but %q", in, expected, got)
		}
	}
}

func TestDrive_sameStem(t *testing.T) {
	d := &fakeDrive{
		folders: map[string][]driveEntry{
			"root": {
				{ID: "x", Name: "rapport.xlsx", MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
				{ID: "p", Name: "rapport.pdf", MimeType: "application/pdf"},
			},
		},
		files: map[string][]byte{
			"x": workbook(t, [][]any{{"Kilde"}, {"xlsx"}}),
			"p": []byte("%PDF"),
		},
	}
	srv := httptest.NewServer(d)
	defer srv.Close()

	rt := newRuntime(t, srv.Client())
	runJob(t, Drive(Options{URL: srv.URL + "/"}, DriveConfig{FolderID: "root"}), rt)

	ctx := context.Background()
	day := rt.Day()

	for id, name := range map[string]string{"x": "rapport.xlsx", "p": "rapport.pdf"} {
		b, err := medallion.ReadAll(ctx, rt.Store, medallion.BronzeDir(driveDataset, day, name+".metadata.json"))
		if err != nil {
			t.Fatal(err)
		}
		var meta DriveFile
		if err := json.Unmarshal(b, &meta); err != nil {
			t.Fatal(err)
		}
		if meta.ID != id {
			t.Errorf("metadata of %s should belong to %s, but %s", name, id, meta.ID)
		}
	}

	f := readFrame(t, rt, medallion.SilverDir(driveDataset, day, "rapport_xlsx_sheet1.parquet"))
	if len(f.Features) != 1 || f.Features[0].Properties["kilde"] != "xlsx" {
		t.Errorf("workbook next to a pdf of the same name should reach silver, but %v", f.Features)
	}
}
