package sources

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/geo"
	"github.com/landbrugsdata/medallion/gml"
	"github.com/landbrugsdata/medallion/wfs"
)

const (
	soilTypesDataset = "soil_types"
	soilTypesURL     = "https://arld-extgeo.miljoeportal.dk/geoserver/wfs"
)

// SoilTypes lands the agricultural soil classification map DJF_FGJOR.
func SoilTypes(o Options) *medallion.Job {
	c := &wfs.Client{
		URL:       o.url(soilTypesURL),
		TypeNames: "landbrugsdrift:DJF_FGJOR",
		Retry:     o.Retry,
	}

	return newJob(o, "soil_types", soilTypesDataset, wfsBronze(c, soilTypesDataset, "Danish Soil Types"), soilTypesSilver)
}

func soilTypesSilver(ctx context.Context, rt *medallion.Runtime) error {
	es, err := latestEnvelopes(ctx, rt, soilTypesDataset)
	if err != nil {
		return err
	}

	parsed, err := decodeAll(payloads(es), "DJF_FGJOR")
	if err != nil {
		return err
	}

	var (
		fs            []geo.Feature
		noDescription int
		noCode        int
	)
	codes := map[int64]bool{}
	for _, p := range parsed {
		if p.Geometry == nil {
			continue
		}

		f := soilFeature(p)
		if f.Properties["soil_description"] == nil {
			noDescription++
		}
		if c, ok := f.Properties["soil_code"].(int64); ok {
			codes[c] = true
		} else {
			noCode++
		}
		fs = append(fs, f)
	}

	log.Ctx(ctx).Info().
		Int("features", len(fs)).
		Int("missing_description", noDescription).
		Int("missing_code", noCode).
		Int("codes", len(codes)).
		Msg("parsed soil types")

	return putGeo(ctx, rt, soilTypesDataset, geo.Validate(ctx, "silver."+soilTypesDataset, fs))
}

func soilFeature(p gml.Feature) geo.Feature {
	text := func(k string) any {
		if v := strings.TrimSpace(p.Properties[k]); v != "" {
			return v
		}
		return nil
	}

	props := map[string]any{
		"soil_description": text("jord_tekst"),
		"theme_name":       text("temanavn"),
		"soil_height":      nil,
		"soil_code":        nil,
		"area_ha":          geo.AreaHectares(p.Geometry),
	}
	if p.ID != "" {
		props["gml_id"] = p.ID
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(p.Properties["jordht"]), 64); err == nil {
		props["soil_height"] = f
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(p.Properties["kode"]), 10, 64); err == nil {
		props["soil_code"] = n
	}

	return geo.Feature{Properties: props, Geometry: p.Geometry}
}
