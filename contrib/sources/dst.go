package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/fetch"
	"github.com/landbrugsdata/medallion/jsonstat"
)

const (
	dstDataset      = "dst"
	dstURL          = "https://api.statbank.dk/v1"
	dstSourceSystem = "Danmarks Statistik API"
)

// dstRegions are the whole country and the agricultural regions.
var dstRegions = []string{"000", "15", "04", "085", "07", "08", "09", "10", "081"}

// DSTVariable selects values of one table variable. "*" selects all.
type DSTVariable struct {
	Code   string   `json:"code"`
	Values []string `json:"values"`
}

// DSTTable is one StatBank table and its request.
type DSTTable struct {
	ID        string
	Variables []DSTVariable

	// Region is used when the table has no OMRÅDE dimension.
	Region string

	// Categories map crop labels to categories. The first rule whose
	// pattern is contained in the lowercased label wins.
	Categories []CategoryRule
}

// CategoryRule maps labels containing Pattern to Category.
type CategoryRule struct {
	Pattern  string
	Category string
}

func allValues(code string) DSTVariable {
	return DSTVariable{Code: code, Values: []string{"*"}}
}

func rules(category string, patterns ...string) []CategoryRule {
	rs := make([]CategoryRule, len(patterns))
	for i, p := range patterns {
		rs[i] = CategoryRule{Pattern: p, Category: category}
	}
	return rs
}

func concat(rs ...[]CategoryRule) []CategoryRule {
	var out []CategoryRule
	for _, r := range rs {
		out = append(out, r...)
	}
	return out
}

// DSTTables are the crop, horticulture, seed and straw tables.
var DSTTables = []DSTTable{
	{
		ID: "HST77",
		Variables: []DSTVariable{
			{Code: "OMRÅDE", Values: dstRegions},
			allValues("AFGRØDE"),
			{Code: "MÆNGDE4", Values: []string{"020"}},
			allValues("Tid"),
		},
		Categories: concat(
			rules("Grains", "hvede", "byg", "rug", "havre", "majs", "triticale", "korn"),
			rules("Rapeseed", "raps"),
			rules("Legumes", "ærter", "bønner", "bælgsæd"),
			rules("Straw", "halm"),
			rules("Root vegetables", "kartofler", "roer", "rodfrugter"),
			rules("Grass and fodder", "græs", "lucerne", "grøntfoder", "efterslæt"),
		),
	},
	{
		ID: "GARTN1",
		Variables: []DSTVariable{
			{Code: "OMRÅDE", Values: dstRegions},
			allValues("TAL"),
			allValues("AFGRØDE"),
			allValues("Tid"),
		},
		Categories: concat(
			rules("Cabbage varieties", "kål", "blomkål", "broccoli", "rosenkål"),
			rules("Leafy vegetables", "salat", "spinat", "purløg"),
			rules("Root and fruit vegetables", "løg", "gulerødder", "radiser", "tomater", "agurker", "ærter", "bønner"),
			rules("Fruits and berries", "jordbær", "hindbær", "solbær", "kirsebær", "æbler", "pærer", "blommer"),
		),
	},
	{
		ID: "FRO",
		Variables: []DSTVariable{
			allValues("AFGRØDE"),
			allValues("MÆNGDE4"),
			allValues("Tid"),
		},
		Region: "National",
		Categories: concat(
			rules("Grass legumes", "kløver", "lucerne", "vikke"),
			rules("Grass seeds", "græs", "fescue", "timothe"),
			rules("All seeds", "i alt"),
		),
	},
	{
		ID: "HALM1",
		Variables: []DSTVariable{
			{Code: "OMRÅDE", Values: dstRegions},
			allValues("AFGRØDE"),
			allValues("ENHED"),
			allValues("ANVENDELSE"),
			allValues("Tid"),
		},
		Categories: concat(
			rules("Grains", "hvede", "byg", "rug", "havre", "majs", "triticale", "korn"),
			rules("Rapeseed", "raps"),
			rules("Legumes", "ærter", "bønner", "bælgsæd"),
			rules("All crops", "i alt"),
		),
	},
}

// Category returns the category of a crop label, "Other" when no rule matches.
func (t *DSTTable) Category(label string) string {
	l := strings.ToLower(label)
	for _, r := range t.Categories {
		if strings.Contains(l, r.Pattern) {
			return r.Category
		}
	}
	return "Other"
}

type dstRequest struct {
	Table     string        `json:"table"`
	Lang      string        `json:"lang"`
	Format    string        `json:"format"`
	Variables []DSTVariable `json:"variables"`
}

type dstMetadata struct {
	SourceURL      string `json:"source_url"`
	FetchTimestamp string `json:"fetch_timestamp_utc_iso"`
	TableID        string `json:"table_id"`
	DataType       string `json:"data_type"`
	RecordCount    int    `json:"record_count"`
	APILang        string `json:"api_lang"`
	SourceSystem   string `json:"source_system"`
	PipelineName   string `json:"pipeline_name"`
	Layer          string `json:"layer"`
	FileFormat     string `json:"file_format"`
}

// StatRow is one silver row of a StatBank table.
type StatRow struct {
	TableSource     string   `parquet:"name=table_source, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Region          string   `parquet:"name=region, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	CropType        string   `parquet:"name=crop_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	CropCategory    string   `parquet:"name=crop_category, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	MeasurementUnit *string  `parquet:"name=measurement_unit, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	UsageType       *string  `parquet:"name=usage_type, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	ContentsCode    *string  `parquet:"name=contents_code, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Year            int32    `parquet:"name=year, type=INT32"`
	Value           *float64 `parquet:"name=value, type=DOUBLE, repetitiontype=OPTIONAL"`
	ProcessedAt     int64    `parquet:"name=processed_at, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	SourceSystem    string   `parquet:"name=source_system, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
}

// DST lands the StatBank tables as JSON-stat and flattens them into one
// silver table with a table_source column.
func DST(o Options, tables ...DSTTable) *medallion.Job {
	if len(tables) == 0 {
		tables = DSTTables
	}
	base := strings.TrimSuffix(o.url(dstURL), "/")

	retry := fetch.Retry{Attempts: 3, Min: 2 * time.Second, Max: 8 * time.Second}
	if o.Retry != nil {
		retry = *o.Retry
	}

	bronze := func(ctx context.Context, rt *medallion.Runtime) error {
		d := &fetch.Doer{Client: rt.HTTPClient, Retry: retry}
		for _, t := range tables {
			if err := fetchTable(ctx, rt, d, base, t); err != nil {
				return err
			}
		}
		return nil
	}

	silver := func(ctx context.Context, rt *medallion.Runtime) error {
		return dstSilver(ctx, rt, tables)
	}

	return newJob(o, "dst", dstDataset, bronze, silver)
}

func dataObject(day, table string) string {
	return medallion.BronzeDir(dstDataset, day, table+"_data.json")
}

func fetchTable(ctx context.Context, rt *medallion.Runtime, d *fetch.Doer, base string, t DSTTable) error {
	l := log.Ctx(ctx).With().Str("table", t.ID).Logger()

	req, err := json.Marshal(&dstRequest{Table: t.ID, Lang: "da", Format: "JSONSTAT", Variables: t.Variables})
	if err != nil {
		return xerrors.Errorf("failed to encode request of %s: %w", t.ID, err)
	}

	endpoint := base + "/data"
	body, err := d.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		return xerrors.Errorf("failed to fetch %s: %w", t.ID, err)
	}

	records := 0
	var doc struct {
		Dataset struct {
			Value []json.RawMessage `json:"value"`
		} `json:"dataset"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		l.Warn().Err(err).Msg("response is not JSON-stat")
	} else {
		records = len(doc.Dataset.Value)
	}

	day := rt.Day()
	name := dataObject(day, t.ID)
	if err := medallion.PutBytes(ctx, rt.Store, name, body); err != nil {
		return err
	}

	meta, err := json.MarshalIndent(&dstMetadata{
		SourceURL:      endpoint,
		FetchTimestamp: rt.Now.UTC().Format(time.RFC3339),
		TableID:        t.ID,
		DataType:       "raw_jsonstat",
		RecordCount:    records,
		APILang:        "da",
		SourceSystem:   dstSourceSystem,
		PipelineName:   "dst_pipeline",
		Layer:          "bronze",
		FileFormat:     "json",
	}, "", "  ")
	if err != nil {
		return xerrors.Errorf("failed to encode metadata of %s: %w", t.ID, err)
	}
	if err := medallion.PutBytes(ctx, rt.Store, medallion.BronzeDir(dstDataset, day, t.ID+"_data_metadata.json"), meta); err != nil {
		return err
	}

	l.Info().Str("object", name).Int("records", records).Msg("wrote bronze table")

	return nil
}

func dstSilver(ctx context.Context, rt *medallion.Runtime, tables []DSTTable) error {
	day, err := medallion.LatestBronze(ctx, rt.Store, dstDataset)
	if err != nil {
		return err
	}

	var rows []StatRow
	for _, t := range tables {
		name := dataObject(day, t.ID)
		b, err := medallion.ReadAll(ctx, rt.Store, name)
		if err != nil {
			return err
		}

		tbl, err := jsonstat.Flatten(b)
		if err != nil {
			return xerrors.Errorf("failed to flatten %s: %w", name, err)
		}

		rs, err := statRows(&t, tbl, rt.Now)
		if err != nil {
			return xerrors.Errorf("failed to convert %s: %w", name, err)
		}
		log.Ctx(ctx).Info().Str("table", t.ID).Int("rows", len(rs)).Msg("flattened table")

		rows = append(rows, rs...)
	}

	name := medallion.SilverObject(dstDataset, rt.Now)
	err = medallion.Put(ctx, rt.Store, name, func(w io.Writer) error {
		return writeStatRows(w, rows)
	})
	if err != nil {
		return err
	}

	log.Ctx(ctx).Info().Str("object", name).Int("rows", len(rows)).Msg("wrote silver")

	return nil
}

func statRows(t *DSTTable, tbl *jsonstat.Table, now time.Time) ([]StatRow, error) {
	col := func(ids ...string) int {
		for _, id := range ids {
			if i := tbl.Column(id); i >= 0 {
				return i
			}
		}
		return -1
	}

	region := col("OMRÅDE")
	crop := col("AFGRØDE")
	unit := col("MÆNGDE4", "TAL", "ENHED")
	usage := col("ANVENDELSE")
	contents := col("ContentsCode")
	year := col("Tid")
	if crop < 0 || year < 0 {
		return nil, xerrors.Errorf("%w: %s has no AFGRØDE or Tid dimension", jsonstat.ErrInvalid, t.ID)
	}

	label := func(r jsonstat.Row, i int) *string {
		if i < 0 {
			return nil
		}
		s := r.Labels[i]
		return &s
	}

	ts := now.UnixMicro()
	rows := make([]StatRow, 0, len(tbl.Rows))
	for _, r := range tbl.Rows {
		y, err := parseYear(r.Labels[year])
		if err != nil {
			return nil, err
		}

		row := StatRow{
			TableSource:     t.ID,
			Region:          t.Region,
			CropType:        r.Labels[crop],
			CropCategory:    t.Category(r.Labels[crop]),
			MeasurementUnit: label(r, unit),
			UsageType:       label(r, usage),
			ContentsCode:    label(r, contents),
			Year:            y,
			Value:           r.Value,
			ProcessedAt:     ts,
			SourceSystem:    dstSourceSystem,
		}
		if region >= 0 {
			row.Region = r.Labels[region]
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// parseYear reads the year of a Tid label such as "2023" or "2023K1".
func parseYear(s string) (int32, error) {
	if len(s) > 4 {
		s = s[:4]
	}
	y, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, xerrors.Errorf("invalid year %q: %w", s, err)
	}
	return int32(y), nil
}

func writeStatRows(w io.Writer, rows []StatRow) error {
	pw, err := writer.NewParquetWriterFromWriter(w, new(StatRow), 1)
	if err != nil {
		return xerrors.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			return xerrors.Errorf("failed to write row %d: %w", i, err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return xerrors.Errorf("failed to finish parquet file: %w", err)
	}

	return nil
}
