// Package transfer moves the files of an SFTP drop into the bronze and
// silver layers. GeoJSON files are streamed feature by feature into
// GeoParquet batches so that files larger than memory can be converted.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/geo"
	"github.com/landbrugsdata/medallion/geoparquet"
	"github.com/landbrugsdata/medallion/redact"
)

// ErrNoFiles is returned when the remote directory is empty.
var ErrNoFiles = errors.New("no files to transfer")

const (
	DefaultBatchSize = 50000

	// SourceFileColumn holds the name of the file a feature came from.
	SourceFileColumn = "source_file"
)

// File is a remote file.
type File struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Source is a remote directory.
type Source interface {
	List(ctx context.Context) ([]File, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Transfer copies every file of Source to bronze/<Dataset>/<date>/ and
// converts the GeoJSON files into silver/<Dataset>/<date>.parquet.
type Transfer struct {
	Source  Source
	Store   medallion.Store
	Dataset string

	// BatchSize bounds the features held in memory. Defaults to
	// DefaultBatchSize.
	BatchSize int

	// Rules are applied to every feature. When Detector is set, the rules
	// found in the first batch of each file with Action are added.
	Rules    redact.Rules
	Detector *redact.Detector
	Action   redact.Action

	// TempDir holds the intermediate batches. Defaults to os.TempDir.
	TempDir string

	Now func() time.Time
}

// Result summarizes a run.
type Result struct {
	Files    int
	GeoJSON  int
	Features int
	Batches  int
	Silver   string
	Redacted []string
}

type batch struct {
	path   string
	schema geoparquet.Schema
	rows   int
}

func (t *Transfer) batchSize() int {
	if t.BatchSize > 0 {
		return t.BatchSize
	}
	return DefaultBatchSize
}

func (t *Transfer) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// IsGeoJSON reports whether name is converted to silver.
func IsGeoJSON(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext == ".geojson"
}

// Run transfers every file. It returns ErrNoFiles when there is nothing to
// transfer.
func (t *Transfer) Run(ctx context.Context) (*Result, error) {
	l := log.Ctx(ctx).With().Str("dataset", t.Dataset).Logger()
	ctx = l.WithContext(ctx)

	files, err := t.Source.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	tmp, err := os.MkdirTemp(t.TempDir, "transfer-")
	if err != nil {
		return nil, xerrors.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	now := t.now()
	day := now.Format(medallion.DayLayout)
	res := &Result{Files: len(files)}
	redacted := map[string]bool{}

	var batches []batch
	for _, f := range files {
		bronze := medallion.BronzeDir(t.Dataset, day, f.Name)

		if !IsGeoJSON(f.Name) {
			if err := t.copy(ctx, f, bronze); err != nil {
				return nil, err
			}
			l.Info().Str("file", f.Name).Int64("size", f.Size).Msg("copied file")
			continue
		}

		bs, rules, err := t.convert(ctx, f, bronze, tmp, len(batches))
		if err != nil {
			return nil, err
		}
		res.GeoJSON++
		for _, b := range bs {
			res.Features += b.rows
		}
		for _, c := range rules.Columns() {
			if !redacted[c] {
				redacted[c] = true
				res.Redacted = append(res.Redacted, c)
			}
		}
		batches = append(batches, bs...)
	}
	res.Batches = len(batches)

	if len(batches) == 0 {
		l.Info().Int("files", res.Files).Msg("no geojson files, nothing to convert")
		return res, nil
	}

	res.Silver = medallion.SilverObject(t.Dataset, now)
	if err := t.merge(ctx, res.Silver, batches); err != nil {
		return nil, err
	}

	l.Info().
		Int("files", res.Files).
		Int("features", res.Features).
		Int("batches", res.Batches).
		Str("object", res.Silver).
		Msg("transfer finished")

	return res, nil
}

func (t *Transfer) copy(ctx context.Context, f File, name string) error {
	r, err := t.Source.Open(ctx, f.Name)
	if err != nil {
		return err
	}
	defer r.Close()

	return medallion.Put(ctx, t.Store, name, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// convert streams one GeoJSON file into batches under dir while the raw
// bytes are written to bronze.
func (t *Transfer) convert(ctx context.Context, f File, bronze, dir string, seq int) ([]batch, redact.Rules, error) {
	l := log.Ctx(ctx).With().Str("file", f.Name).Logger()

	r, err := t.Source.Open(ctx, f.Name)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	var (
		batches []batch
		rules   = t.Rules
	)

	err = medallion.Put(ctx, t.Store, bronze, func(w io.Writer) error {
		tee := io.TeeReader(r, w)
		fr := NewFeatureReader(tee)

		size := t.batchSize()
		pending := make([]geo.Feature, 0, size)
		first := true

		flush := func() error {
			if len(pending) == 0 {
				return nil
			}
			if first {
				rules = t.detect(pending, rules)
				if len(rules) > len(t.Rules) {
					l.Warn().Strs("columns", rules.Columns()).Msg("personal data found")
				}
				first = false
			}
			for _, ft := range pending {
				rules.Apply(ft.Properties)
			}

			b, err := writeBatch(dir, seq+len(batches), pending)
			if err != nil {
				return err
			}
			batches = append(batches, b)
			l.Debug().Int("batch", len(batches)).Int("rows", b.rows).Msg("wrote batch")

			pending = pending[:0]
			return nil
		}

		for {
			gf, err := fr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}

			ft := toFeature(gf)
			ft.Properties[SourceFileColumn] = f.Name
			pending = append(pending, ft)

			if len(pending) >= size {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := flush(); err != nil {
			return err
		}

		// The bronze copy must hold the whole file.
		_, err := io.Copy(io.Discard, tee)
		return err
	})
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to convert %s: %w", f.Name, err)
	}

	rows := 0
	for _, b := range batches {
		rows += b.rows
	}
	l.Info().Int("features", rows).Int("batches", len(batches)).Msg("converted file")

	return batches, rules, nil
}

func (t *Transfer) detect(fs []geo.Feature, rules redact.Rules) redact.Rules {
	if t.Detector == nil {
		return rules
	}

	schema := geoparquet.Infer(fs)
	columns := make([]string, 0, len(schema))
	for _, f := range schema {
		if f.Name != SourceFileColumn {
			columns = append(columns, f.Name)
		}
	}

	sample := make([]map[string]any, len(fs))
	for i := range fs {
		sample[i] = fs[i].Properties
	}

	action := t.Action
	if action == "" {
		action = redact.Mask
	}

	known := map[string]bool{}
	for _, c := range rules.Columns() {
		known[c] = true
	}

	out := append(redact.Rules(nil), rules...)
	for _, r := range redact.NewRules(t.Detector.Detect(columns, sample), action) {
		if !known[r.Column] {
			out = append(out, r)
		}
	}

	return out
}

func writeBatch(dir string, seq int, fs []geo.Feature) (batch, error) {
	p := filepath.Join(dir, fmt.Sprintf("batch-%06d.parquet", seq))

	f, err := os.Create(p)
	if err != nil {
		return batch{}, xerrors.Errorf("failed to create batch file: %w", err)
	}
	defer f.Close()

	s := geoparquet.Infer(fs)
	if err := geoparquet.Write(f, &geoparquet.Frame{Schema: s, Features: fs}); err != nil {
		return batch{}, xerrors.Errorf("failed to write batch %d: %w", seq, err)
	}
	if err := f.Close(); err != nil {
		return batch{}, xerrors.Errorf("failed to close batch %d: %w", seq, err)
	}

	return batch{path: p, schema: s, rows: len(fs)}, nil
}

// merge rewrites every batch with the unified schema into one object.
func (t *Transfer) merge(ctx context.Context, name string, batches []batch) error {
	schemas := make([]geoparquet.Schema, len(batches))
	for i, b := range batches {
		schemas[i] = b.schema
	}
	unified := geoparquet.Unify(schemas...)

	log.Ctx(ctx).Info().Int("columns", len(unified)).Int("batches", len(batches)).Msg("merging batches")

	return medallion.Put(ctx, t.Store, name, func(w io.Writer) error {
		pw, err := geoparquet.NewWriter(w, unified, false)
		if err != nil {
			return err
		}

		for _, b := range batches {
			fs, err := readBatch(ctx, b.path)
			if err != nil {
				return err
			}
			if err := pw.Write(geoparquet.Conform(fs, unified)); err != nil {
				return err
			}
			if err := os.Remove(b.path); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("batch", b.path).Msg("failed to remove batch")
			}
		}

		return pw.Close()
	})
}

func readBatch(ctx context.Context, p string) ([]geo.Feature, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, xerrors.Errorf("failed to open batch: %w", err)
	}
	defer f.Close()

	fr, err := geoparquet.Read(ctx, f)
	if err != nil {
		return nil, xerrors.Errorf("failed to read batch %s: %w", filepath.Base(p), err)
	}

	return fr.Features, nil
}
