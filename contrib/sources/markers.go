package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/envelope"
	"github.com/landbrugsdata/medallion/geo"
	"github.com/landbrugsdata/medallion/geoparquet"
	"github.com/landbrugsdata/medallion/gml"
	"github.com/landbrugsdata/medallion/wfs"
)

const (
	markersDataset = "jordbrugsanalyser_markers"
	markersSource  = "Danish Jordbrugsanalyser Markers"

	DefaultMarkersFirstYear = 2012
	DefaultMarkersLastYear  = 2024
)

// ErrNoMarkers is returned when no year of the marker layers could be landed.
var ErrNoMarkers = errors.New("no marker year landed")

// MarkersConfig selects the marker years. Zero values use the defaults.
type MarkersConfig struct {
	FirstYear int
	LastYear  int
}

func (c MarkersConfig) years() []int {
	first, last := c.FirstYear, c.LastYear
	if first == 0 {
		first = DefaultMarkersFirstYear
	}
	if last == 0 {
		last = DefaultMarkersLastYear
	}

	var ys []int
	for y := first; y <= last; y++ {
		ys = append(ys, y)
	}
	return ys
}

// MarkerLayer is the feature type of one year, e.g. Marker24 for 2024.
func MarkerLayer(year int) string {
	return fmt.Sprintf("Jordbrugsanalyser:%s", markerType(year))
}

func markerType(year int) string {
	return fmt.Sprintf("Marker%02d", year%100)
}

// markersSchema is fixed so every year streams into the same file.
var markersSchema = geoparquet.Schema{
	{Name: "year", Type: geoparquet.Int64},
	{Name: "crop_category", Type: geoparquet.String},
	{Name: "crop_name", Type: geoparquet.String},
	{Name: "crop_code", Type: geoparquet.Int64},
	{Name: "owner_number", Type: geoparquet.Int64},
	{Name: "area_ha", Type: geoparquet.Float64},
	{Name: "total_area_ha", Type: geoparquet.Float64},
	{Name: "field_block", Type: geoparquet.String},
	{Name: "field_number", Type: geoparquet.String},
	{Name: "centroid_x", Type: geoparquet.Float64},
	{Name: "centroid_y", Type: geoparquet.Float64},
}

// markerFields maps the lowercased service fields to silver columns.
var markerFields = map[string]string{
	"afgkat":   "crop_category",
	"afgnavn":  "crop_name",
	"afgnr":    "crop_code",
	"ejernr":   "owner_number",
	"ha":       "area_ha",
	"haialt":   "total_area_ha",
	"markblok": "field_block",
	"marknr":   "field_number",
	"x":        "centroid_x",
	"y":        "centroid_y",
}

// Markers lands the yearly agricultural field layers of Jordbrugsanalyser.
// Each year is one unpaged request; the server answers large single requests
// far faster than pages. Bronze keeps one envelope file per year under the
// run directory and silver streams every year into one file with a year
// column.
func Markers(o Options, c MarkersConfig) *medallion.Job {
	years := c.years()
	url := o.url(fvmWFS)

	bronze := func(ctx context.Context, rt *medallion.Runtime) error {
		return markersBronze(ctx, rt, o, url, years)
	}

	return newJob(o, "jordbrugsanalyser", markersDataset, bronze, markersSilver)
}

func markersBronze(ctx context.Context, rt *medallion.Runtime, o Options, url string, years []int) error {
	l := log.Ctx(ctx)

	var (
		landed int
		errs   []error
	)
	for _, y := range years {
		c := &wfs.Client{
			URL:        url,
			TypeNames:  MarkerLayer(y),
			Unpaged:    true,
			Retry:      o.Retry,
			HTTPClient: rt.HTTPClient,
		}

		pages, err := c.FetchAll(ctx)
		if err != nil {
			l.Error().Err(err).Int("year", y).Msg("failed to fetch marker year")
			errs = append(errs, xerrors.Errorf("year %d: %w", y, err))
			continue
		}
		if pages[0].Returned == 0 {
			l.Warn().Int("year", y).Msg("no markers for year")
			continue
		}

		es := envelope.New(markersSource, rt.Now, wfs.Bodies(pages)...)
		name := medallion.BronzeDir(markersDataset, rt.Day(), strconv.Itoa(y)+".parquet")
		if err := putEnvelopesAt(ctx, rt, name, es); err != nil {
			return err
		}
		landed++
	}

	l.Info().Int("years", len(years)).Int("landed", landed).Int("failed", len(errs)).Msg("fetched marker years")

	switch {
	case landed > 0:
		return nil
	case len(errs) > 0:
		return xerrors.Errorf("%w: %v", ErrNoMarkers, errors.Join(errs...))
	default:
		return xerrors.Errorf("%w: every year was empty", ErrNoMarkers)
	}
}

func markersSilver(ctx context.Context, rt *medallion.Runtime) error {
	l := log.Ctx(ctx)

	day, err := medallion.LatestBronze(ctx, rt.Store, markersDataset)
	if err != nil {
		return err
	}

	years, err := bronzeYears(ctx, rt, day)
	if err != nil {
		return err
	}

	name := medallion.SilverObject(markersDataset, rt.Now)
	total := 0
	err = medallion.Put(ctx, rt.Store, name, func(w io.Writer) error {
		pw, err := geoparquet.NewWriter(w, markersSchema, false)
		if err != nil {
			return err
		}

		for _, y := range years {
			fs, err := markerYear(ctx, rt, day, y)
			if err != nil {
				_ = pw.Close()
				return err
			}
			if err := pw.Write(fs); err != nil {
				_ = pw.Close()
				return err
			}
			total += len(fs)
		}

		return pw.Close()
	})
	if err != nil {
		return err
	}

	l.Info().Str("object", name).Int("years", len(years)).Int("rows", total).Msg("wrote silver")

	return nil
}

// bronzeYears lists the years landed in the bronze run directory of day.
func bronzeYears(ctx context.Context, rt *medallion.Runtime, day string) ([]int, error) {
	prefix := medallion.BronzeDir(markersDataset, day, "")
	names, err := rt.Store.List(ctx, prefix+"/")
	if err != nil {
		return nil, err
	}

	var years []int
	for _, n := range names {
		base := strings.TrimSuffix(n[strings.LastIndex(n, "/")+1:], ".parquet")
		y, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		years = append(years, y)
	}
	sort.Ints(years)

	return years, nil
}

func markerYear(ctx context.Context, rt *medallion.Runtime, day string, year int) ([]geo.Feature, error) {
	es, err := readEnvelopes(ctx, rt, medallion.BronzeDir(markersDataset, day, strconv.Itoa(year)+".parquet"))
	if err != nil {
		return nil, err
	}

	parsed, err := decodeAll(payloads(es), markerType(year))
	if err != nil {
		return nil, xerrors.Errorf("year %d: %w", year, err)
	}

	fs := make([]geo.Feature, 0, len(parsed))
	for _, p := range parsed {
		if p.Geometry == nil {
			continue
		}
		fs = append(fs, geo.Feature{Properties: markerProperties(ctx, p, year), Geometry: p.Geometry})
	}

	valid := geo.Validate(ctx, fmt.Sprintf("silver.%s.%d", markersDataset, year), fs)
	logMarkerStatistics(ctx, year, valid)

	return valid, nil
}

func markerProperties(ctx context.Context, p gml.Feature, year int) map[string]any {
	props := map[string]any{"year": int64(year)}
	for _, f := range markersSchema[1:] {
		props[f.Name] = nil
	}

	for k, v := range p.Properties {
		col, ok := markerFields[k]
		if !ok {
			continue
		}
		cv, err := parseMarkerValue(strings.TrimSpace(v), markersSchema[markersSchema.Index(col)].Type)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("id", p.ID).Str("field", k).Str("value", v).Msg("failed to convert marker value")
		}
		props[col] = cv
	}

	return props
}

// parseMarkerValue returns nil for empty values.
func parseMarkerValue(v string, t geoparquet.Type) (any, error) {
	if v == "" {
		return nil, nil
	}

	switch t {
	case geoparquet.Int64:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case geoparquet.Float64:
		f, err := strconv.ParseFloat(strings.Replace(v, ",", ".", 1), 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	return v, nil
}

func logMarkerStatistics(ctx context.Context, year int, fs []geo.Feature) {
	area := 0.0
	crops := map[any]bool{}
	blocks := map[any]bool{}
	for _, f := range fs {
		if a, ok := f.Properties["area_ha"].(float64); ok {
			area += a
		}
		if c := f.Properties["crop_code"]; c != nil {
			crops[c] = true
		}
		if b := f.Properties["field_block"]; b != nil {
			blocks[b] = true
		}
	}

	log.Ctx(ctx).Info().
		Int("year", year).
		Int("features", len(fs)).
		Float64("area_ha", area).
		Int("crop_codes", len(crops)).
		Int("field_blocks", len(blocks)).
		Msg("marker year statistics")
}
