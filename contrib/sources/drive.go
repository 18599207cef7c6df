package sources

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/geo"
	"github.com/landbrugsdata/medallion/geoparquet"
	"github.com/landbrugsdata/medallion/redact"
	"github.com/landbrugsdata/medallion/sheet"
)

const (
	driveDataset = "drive"

	folderMimeType = "application/vnd.google-apps.folder"
	metadataSuffix = ".metadata.json"

	// piiSampleRows is the number of rows checked for personal data.
	piiSampleRows = 100
)

// DriveMimeTypes are the synced file types and their extensions.
var DriveMimeTypes = map[string]string{
	"application/pdf":          ".pdf",
	"application/vnd.ms-excel": ".xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": ".xlsx",
}

// DriveConfig selects the folder to sync.
type DriveConfig struct {
	FolderID string

	// ClientOptions are passed to the Drive service, e.g. credentials.
	ClientOptions []option.ClientOption

	// Redact is applied to columns holding personal data. Defaults to mask.
	Redact redact.Action
}

// DriveFile is the sidecar metadata of a synced file.
type DriveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Path         string `json:"drive_path"`
	MimeType     string `json:"mime_type"`
	ModifiedTime string `json:"modified_time"`
	Size         int64  `json:"size"`
	SHA256       string `json:"sha256"`
}

// Drive copies the spreadsheets and PDFs of a Drive folder tree to bronze.
// Silver turns every sheet into a Parquet file with standardized columns and
// redacted personal data. The files have no common schema and are not loaded
// into BigQuery.
func Drive(o Options, c DriveConfig) *medallion.Job {
	j := newJob(o, "drive", driveDataset, driveBronze(c, o.URL), driveSilver(c))
	j.Project, j.BQDataset, j.Table = "", "", ""
	return j
}

func driveBronze(c DriveConfig, endpoint string) medallion.Step {
	return func(ctx context.Context, rt *medallion.Runtime) error {
		opts := append([]option.ClientOption(nil), c.ClientOptions...)
		if len(c.ClientOptions) == 0 && rt.HTTPClient != nil {
			opts = append(opts, option.WithHTTPClient(rt.HTTPClient))
		}
		if endpoint != "" {
			opts = append(opts, option.WithEndpoint(endpoint))
		}

		svc, err := drive.NewService(ctx, opts...)
		if err != nil {
			return xerrors.Errorf("failed to create drive service: %w", err)
		}

		s := &driveSync{svc: svc, rt: rt, day: rt.Day()}
		if err := s.folder(ctx, c.FolderID, ""); err != nil {
			return err
		}

		log.Ctx(ctx).Info().
			Int("copied", s.copied).
			Int("skipped", s.skipped).
			Msg("synced drive folder")

		return nil
	}
}

type driveSync struct {
	svc *drive.Service
	rt  *medallion.Runtime
	day string

	copied  int
	skipped int
}

func (s *driveSync) list(ctx context.Context, folderID string) ([]*drive.File, error) {
	var files []*drive.File

	call := s.svc.Files.List().
		Q("'" + folderID + "' in parents and trashed = false").
		Fields("nextPageToken, files(id, name, mimeType, parents, modifiedTime, size)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true)

	err := call.Pages(ctx, func(l *drive.FileList) error {
		files = append(files, l.Files...)
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to list folder %s: %w", folderID, err)
	}

	return files, nil
}

func (s *driveSync) folder(ctx context.Context, folderID, dir string) error {
	files, err := s.list(ctx, folderID)
	if err != nil {
		return err
	}

	for _, f := range files {
		if f.MimeType == folderMimeType {
			if err := s.folder(ctx, f.Id, path.Join(dir, f.Name)); err != nil {
				return err
			}
			continue
		}

		if _, ok := DriveMimeTypes[f.MimeType]; !ok {
			log.Ctx(ctx).Debug().Str("file", f.Name).Str("mime_type", f.MimeType).Msg("unsupported file type")
			continue
		}

		if err := s.file(ctx, f, dir); err != nil {
			return err
		}
	}

	return nil
}

func (s *driveSync) file(ctx context.Context, f *drive.File, dir string) error {
	name := medallion.BronzeDir(driveDataset, s.day, path.Join(dir, f.Name))

	exists, err := s.rt.Store.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		log.Ctx(ctx).Info().Str("object", name).Msg("file exists, skipping")
		s.skipped++
		return nil
	}

	resp, err := s.svc.Files.Get(f.Id).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return xerrors.Errorf("failed to download %s: %w", f.Name, err)
	}
	defer resp.Body.Close()

	h := sha256.New()
	err = medallion.Put(ctx, s.rt.Store, name, func(w io.Writer) error {
		_, err := io.Copy(io.MultiWriter(w, h), resp.Body)
		return err
	})
	if err != nil {
		return err
	}

	meta, err := json.MarshalIndent(&DriveFile{
		ID:           f.Id,
		Name:         f.Name,
		Path:         path.Join(dir, f.Name),
		MimeType:     f.MimeType,
		ModifiedTime: f.ModifiedTime,
		Size:         f.Size,
		SHA256:       hex.EncodeToString(h.Sum(nil)),
	}, "", "  ")
	if err != nil {
		return xerrors.Errorf("failed to encode metadata of %s: %w", f.Name, err)
	}
	if err := medallion.PutBytes(ctx, s.rt.Store, metadataName(name), meta); err != nil {
		return err
	}

	log.Ctx(ctx).Info().Str("object", name).Int64("size", f.Size).Msg("copied file")
	s.copied++

	return nil
}

// metadataName returns the sidecar of a bronze file: report.xlsx has
// report.xlsx.metadata.json.
func metadataName(name string) string {
	return name + metadataSuffix
}

// silverStem names the silver outputs of a bronze file relative to the
// run folder. The extension stays so tal.xls and tal.xlsx do not collide.
func silverStem(rel string) string {
	ext := path.Ext(rel)
	if ext == "" {
		return rel
	}
	return strings.TrimSuffix(rel, ext) + "_" + strings.ToLower(ext[1:])
}

func driveSilver(c DriveConfig) medallion.Step {
	action := c.Redact
	if action == "" {
		action = redact.Mask
	}

	return func(ctx context.Context, rt *medallion.Runtime) error {
		day, err := medallion.LatestBronze(ctx, rt.Store, driveDataset)
		if err != nil {
			return err
		}

		prefix := medallion.BronzeDir(driveDataset, day, "") + "/"
		names, err := rt.Store.List(ctx, prefix)
		if err != nil {
			return err
		}

		for _, n := range names {
			if !strings.HasSuffix(n, metadataSuffix) {
				continue
			}
			if err := driveSheets(ctx, rt, day, prefix, n, action); err != nil {
				return err
			}
		}

		return nil
	}
}

func driveSheets(ctx context.Context, rt *medallion.Runtime, day, prefix, metaName string, action redact.Action) error {
	l := log.Ctx(ctx).With().Str("metadata", metaName).Logger()

	b, err := medallion.ReadAll(ctx, rt.Store, metaName)
	if err != nil {
		return err
	}
	var meta DriveFile
	if err := json.Unmarshal(b, &meta); err != nil {
		return xerrors.Errorf("failed to decode %s: %w", metaName, err)
	}

	ext := strings.ToLower(path.Ext(meta.Name))
	if ext == ".pdf" {
		l.Debug().Msg("skipping pdf")
		return nil
	}

	name := path.Join(path.Dir(metaName), meta.Name)
	content, err := medallion.ReadAll(ctx, rt.Store, name)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(content)
	if got := hex.EncodeToString(sum[:]); got != meta.SHA256 {
		l.Error().Str("object", name).Str("want", meta.SHA256).Str("got", got).Msg("checksum mismatch, skipping")
		return nil
	}

	sheets, err := sheet.Read(meta.Name, bytes.NewReader(content))
	if err != nil {
		return xerrors.Errorf("failed to read %s: %w", name, err)
	}

	stem := silverStem(strings.TrimPrefix(name, prefix))
	for _, sh := range sheets {
		fs := sh.Features()
		if len(fs) == 0 {
			l.Info().Str("sheet", sh.Name).Msg("empty sheet")
			continue
		}

		rules := piiRules(sh.Columns(), fs, action)
		if len(rules) > 0 {
			l.Warn().
				Str("sheet", sh.Name).
				Strs("columns", rules.Columns()).
				Str("action", string(action)).
				Msg("personal data found")
			for _, f := range fs {
				rules.Apply(f.Properties)
			}
		}

		out := medallion.SilverDir(driveDataset, day, stem+"_"+sheet.StandardizeColumn(sh.Name)+".parquet")
		frame := &geoparquet.Frame{Schema: sheetSchema(sh.Columns(), fs), Features: fs, Plain: true}
		if err := putFrame(ctx, rt, out, frame); err != nil {
			return err
		}
	}

	return nil
}

func piiRules(columns []string, fs []geo.Feature, action redact.Action) redact.Rules {
	n := len(fs)
	if n > piiSampleRows {
		n = piiSampleRows
	}

	sample := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		sample[i] = fs[i].Properties
	}

	d := &redact.Detector{}
	return redact.NewRules(d.Detect(columns, sample), action)
}

// sheetSchema keeps the header order and types each remaining column from
// its values. Dropped columns are left out.
func sheetSchema(columns []string, fs []geo.Feature) geoparquet.Schema {
	inferred := geoparquet.Infer(fs)

	s := make(geoparquet.Schema, 0, len(columns))
	for _, c := range columns {
		i := inferred.Index(c)
		if i < 0 {
			continue
		}
		s = append(s, inferred[i])
	}
	return s
}
