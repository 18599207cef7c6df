package sources

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/arcgis"
	"github.com/landbrugsdata/medallion/envelope"
	"github.com/landbrugsdata/medallion/geo"
	"github.com/landbrugsdata/medallion/gml"
	"github.com/landbrugsdata/medallion/wfs"
)

const (
	waterProjectsDataset = "water_projects"
	waterProjectsSource  = "Danish Water Projects Map"

	fvmWFS = "https://geodata.fvm.dk/geoserver/wfs"
	mimWFS = "https://wfs2-miljoegis.mim.dk/vandprojekter/wfs"
	nstArc = "https://gis.nst.dk/server/rest/services/autonom/Klima_lavbund_demarkation___offentlige_projekter/FeatureServer"
)

// Layer is one water project layer. ArcGIS layers are named
// <service>:<layer id>.
type Layer struct {
	Name   string
	URL    string
	ArcGIS bool
}

// WaterProjectLayers are the layers fetched by default.
var WaterProjectLayers = []Layer{
	{Name: "N2000_projekter:Hydrologi_E", URL: fvmWFS},
	{Name: "N2000_projekter:Hydrologi_F", URL: fvmWFS},
	{Name: "Ovrige_projekter:Vandloebsrestaurering_E", URL: fvmWFS},
	{Name: "Ovrige_projekter:Vandloebsrestaurering_F", URL: fvmWFS},
	{Name: "Vandprojekter:Fosfor_E_samlet", URL: fvmWFS},
	{Name: "Vandprojekter:Fosfor_F_samlet", URL: fvmWFS},
	{Name: "Vandprojekter:Kvaelstof_E_samlet", URL: fvmWFS},
	{Name: "Vandprojekter:Kvaelstof_F_samlet", URL: fvmWFS},
	{Name: "Vandprojekter:Lavbund_E_samlet", URL: fvmWFS},
	{Name: "Vandprojekter:Lavbund_F_samlet", URL: fvmWFS},
	{Name: "Vandprojekter:Private_vaadomraader", URL: fvmWFS},
	{Name: "Vandprojekter:Restaurering_af_aadale_2024", URL: fvmWFS},
	{Name: "vandprojekter:kla_projektforslag", URL: mimWFS},
	{Name: "vandprojekter:kla_projektomraader", URL: mimWFS},
	{Name: "Klima_lavbund_demarkation___offentlige_projekter:0", URL: nstArc, ArcGIS: true},
}

// WaterProjects lands the restoration, wetland and lowland project layers.
// Bronze holds one envelope per page tagged with its layer; silver unions
// every layer with a layer column. Options.URL replaces the URL of every
// WFS layer.
func WaterProjects(o Options, layers ...Layer) *medallion.Job {
	if len(layers) == 0 {
		layers = WaterProjectLayers
		if o.URL != "" {
			layers = make([]Layer, len(WaterProjectLayers))
			copy(layers, WaterProjectLayers)
			for i := range layers {
				if !layers[i].ArcGIS {
					layers[i].URL = o.URL
				}
			}
		}
	}

	bronze := func(ctx context.Context, rt *medallion.Runtime) error {
		return waterProjectsBronze(ctx, rt, o, layers)
	}

	return newJob(o, "water_projects", waterProjectsDataset, bronze, waterProjectsSilver)
}

func waterProjectsBronze(ctx context.Context, rt *medallion.Runtime, o Options, layers []Layer) error {
	pages := make([][]envelope.Envelope, len(layers))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(wfs.DefaultMaxConcurrent)

	for i, layer := range layers {
		i, layer := i, layer
		eg.Go(func() error {
			bodies, err := fetchLayer(egCtx, rt, o, layer)
			if err != nil {
				return xerrors.Errorf("layer %s: %w", layer.Name, err)
			}

			es := envelope.New(waterProjectsSource, rt.Now, bodies...)
			for j := range es {
				es[j].Layer = layer.Name
			}
			pages[i] = es

			log.Ctx(ctx).Info().Str("layer", layer.Name).Int("pages", len(es)).Msg("fetched layer")
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	var all []envelope.Envelope
	for _, es := range pages {
		all = append(all, es...)
	}

	return putEnvelopes(ctx, rt, waterProjectsDataset, all)
}

func fetchLayer(ctx context.Context, rt *medallion.Runtime, o Options, layer Layer) ([]string, error) {
	if layer.ArcGIS {
		id := 0
		if i := strings.LastIndex(layer.Name, ":"); i >= 0 {
			n, err := strconv.Atoi(layer.Name[i+1:])
			if err != nil {
				return nil, xerrors.Errorf("bad arcgis layer name %q: %w", layer.Name, err)
			}
			id = n
		}

		c := &arcgis.Client{URL: layer.URL, Layer: id, Retry: o.Retry, HTTPClient: rt.HTTPClient}
		bodies, err := c.FetchAll(ctx)
		if err != nil {
			return nil, err
		}

		out := make([]string, len(bodies))
		for i, b := range bodies {
			out[i] = string(b)
		}
		return out, nil
	}

	c := &wfs.Client{
		URL:        layer.URL,
		TypeNames:  layer.Name,
		Count:      100,
		Retry:      o.Retry,
		HTTPClient: rt.HTTPClient,
	}
	pages, err := c.FetchAll(ctx)
	if err != nil {
		return nil, err
	}

	return wfs.Bodies(pages), nil
}

func waterProjectsSilver(ctx context.Context, rt *medallion.Runtime) error {
	es, err := latestEnvelopes(ctx, rt, waterProjectsDataset)
	if err != nil {
		return err
	}

	var fs []geo.Feature
	for i, e := range es {
		var (
			page []geo.Feature
			err  error
		)
		if strings.HasPrefix(strings.TrimSpace(e.Payload), "{") {
			page, err = arcgisProjects(e.Payload, e.Layer)
		} else {
			page, err = wfsProjects(ctx, e.Payload, e.Layer)
		}
		if err != nil {
			return xerrors.Errorf("failed to process page %d of %s: %w", i, e.Layer, err)
		}
		fs = append(fs, page...)
	}
	log.Ctx(ctx).Info().Int("features", len(fs)).Msg("extracted water project features")

	return putGeo(ctx, rt, waterProjectsDataset, geo.Validate(ctx, "silver."+waterProjectsDataset, fs))
}

func wfsProjects(ctx context.Context, payload, layer string) ([]geo.Feature, error) {
	parsed, err := gml.Decode(strings.NewReader(payload), "")
	if err != nil {
		return nil, err
	}

	out := make([]geo.Feature, 0, len(parsed))
	for _, p := range parsed {
		if p.Geometry == nil {
			continue
		}

		props := map[string]any{
			"layer":   layer,
			"area_ha": geo.AreaHectares(p.Geometry),
		}
		for k, v := range p.Properties {
			cv, err := convertProjectValue(k, v)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("field", k).Str("value", v).Msg("failed to convert value")
				props[k] = nil
				continue
			}
			props[k] = cv
		}

		out = append(out, geo.Feature{Properties: props, Geometry: p.Geometry})
	}

	return out, nil
}

func convertProjectValue(key, v string) (any, error) {
	switch key {
	case "area", "budget":
		digits := strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == '.' {
				return r
			}
			return -1
		}, v)
		return strconv.ParseFloat(digits, 64)
	case "startaar", "tilsagnsaa", "slutaar":
		return strconv.ParseInt(v, 10, 64)
	case "startdato", "slutdato":
		return parseDayFirst(v)
	}
	return v, nil
}

// parseDayFirst parses dates written day first, as Danish services do, and
// falls back to ISO dates.
func parseDayFirst(s string) (time.Time, error) {
	var err error
	for _, layout := range []string{"02-01-2006", "02.01.2006", "02/01/2006", "2-1-2006", "2006-01-02", "2006-01-02Z07:00", time.RFC3339} {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}

func arcgisProjects(payload, layer string) ([]geo.Feature, error) {
	fc, err := arcgis.Decode([]byte(payload))
	if err != nil {
		return nil, err
	}

	out := make([]geo.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		out = append(out, geo.Feature{Properties: arcgisProperties(f, layer), Geometry: f.Geometry})
	}

	return out, nil
}

func arcgisProperties(f *geojson.Feature, layer string) map[string]any {
	p := f.Properties
	props := map[string]any{
		"layer":         layer,
		"area_ha":       geo.AreaHectares(f.Geometry),
		"projektnavn":   stringOrNil(p["projektnavn"]),
		"enhedskontakt": stringOrNil(p["enhedskontakt"]),
		"status":        stringOrNil(p["status"]),
		"global_id":     stringOrNil(p["GlobalID"]),
		"startdato":     epochMillis(p["projektstart"]),
		"slutdato":      epochMillis(p["projektslut"]),
		"object_id":     nil,
	}
	if n, ok := p["OBJECTID"].(float64); ok {
		props["object_id"] = int64(n)
	}
	return props
}

func stringOrNil(v any) any {
	if s, ok := v.(string); ok {
		return s
	}
	return nil
}

func epochMillis(v any) any {
	ms, ok := v.(float64)
	if !ok || ms == 0 {
		return nil
	}
	return time.UnixMilli(int64(ms)).UTC()
}
