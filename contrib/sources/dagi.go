package sources

import (
	"context"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/envelope"
	"github.com/landbrugsdata/medallion/fetch"
	"github.com/landbrugsdata/medallion/geo"
)

const (
	dagiDataset = "dagi"
	dagiSource  = "Danish Administrative Geographic Division"
	dagiURL     = "https://api.dataforsyningen.dk"

	dagiMaxConcurrent = 5
)

// DAGILayers are the administrative divisions fetched from DAWA.
var DAGILayers = []string{"kommuner", "regioner", "landsdele", "postnumre"}

// dagiColumns renames the DAWA properties kept in silver. Every layer has
// its own key column and the first one present becomes code.
var dagiColumns = []struct{ from, to string }{
	{"kode", "code"},
	{"nr", "code"},
	{"nuts3", "code"},
	{"navn", "name"},
	{"regionskode", "region_code"},
	{"dagi_id", "dagi_id"},
}

// DAGI lands municipalities, regions, provinces and postcodes. Bronze holds
// one GeoJSON envelope per layer; silver unions the layers with a
// layer_type column and one row per code.
func DAGI(o Options) *medallion.Job {
	base := strings.TrimRight(o.url(dagiURL), "/")

	bronze := func(ctx context.Context, rt *medallion.Runtime) error {
		return dagiBronze(ctx, rt, o, base)
	}

	return newJob(o, "dagi", dagiDataset, bronze, dagiSilver)
}

func dagiBronze(ctx context.Context, rt *medallion.Runtime, o Options, base string) error {
	d := &fetch.Doer{Client: rt.HTTPClient, Retry: fetch.DefaultRetry}
	if o.Retry != nil {
		d.Retry = *o.Retry
	}

	q := url.Values{}
	q.Set("format", "geojson")
	q.Set("srid", "25832")

	es := make([]envelope.Envelope, len(DAGILayers))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(dagiMaxConcurrent)
	for i, layer := range DAGILayers {
		i, layer := i, layer
		eg.Go(func() error {
			u := base + "/" + layer + "?" + q.Encode()
			body, err := d.Do(egCtx, func(ctx context.Context) (*http.Request, error) {
				return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			})
			if err != nil {
				return xerrors.Errorf("layer %s: %w", layer, err)
			}

			e := envelope.New(dagiSource, rt.Now, string(body))[0]
			e.Layer = layer
			es[i] = e

			log.Ctx(ctx).Info().Str("layer", layer).Int("bytes", len(body)).Msg("fetched dagi layer")
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	return putEnvelopes(ctx, rt, dagiDataset, es)
}

func dagiSilver(ctx context.Context, rt *medallion.Runtime) error {
	es, err := latestEnvelopes(ctx, rt, dagiDataset)
	if err != nil {
		return err
	}

	var fs []geo.Feature
	for _, e := range es {
		layer, err := dagiLayer(ctx, e)
		if err != nil {
			return err
		}
		fs = append(fs, layer...)
	}

	return putGeo(ctx, rt, dagiDataset, geo.Validate(ctx, "silver."+dagiDataset, fs))
}

func dagiLayer(ctx context.Context, e envelope.Envelope) ([]geo.Feature, error) {
	l := log.Ctx(ctx).With().Str("layer", e.Layer).Logger()

	fc, err := geojson.UnmarshalFeatureCollection([]byte(e.Payload))
	if err != nil {
		return nil, xerrors.Errorf("failed to parse dagi layer %s: %w", e.Layer, err)
	}

	seen := map[string]bool{}
	out := make([]geo.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}

		props := dagiProperties(f.Properties)
		if c, ok := props["code"].(string); ok {
			if seen[c] {
				l.Warn().Str("code", c).Msg("dropped duplicate code")
				continue
			}
			seen[c] = true
		}

		centroid, area := planar.CentroidArea(f.Geometry)
		props["layer_type"] = e.Layer
		props["data_source"] = "dagi_dawa_api"
		props["area_m2"] = math.Abs(area)
		props["centroid_x"] = centroid.X()
		props["centroid_y"] = centroid.Y()

		out = append(out, geo.Feature{Properties: props, Geometry: f.Geometry})
	}

	l.Info().Int("features", len(fc.Features)).Int("kept", len(out)).Msg("parsed dagi layer")

	return out, nil
}

func dagiProperties(p geojson.Properties) map[string]any {
	props := map[string]any{}
	for _, c := range dagiColumns {
		if _, done := props[c.to]; done {
			continue
		}
		switch v := p[c.from].(type) {
		case string:
			props[c.to] = strings.TrimSpace(v)
		case float64:
			props[c.to] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return props
}
