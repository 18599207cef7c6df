package sources

import (
	"context"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/geo"
	"github.com/landbrugsdata/medallion/gml"
	"github.com/landbrugsdata/medallion/wfs"
)

const (
	bnboDataset = "bnbo_status"
	bnboURL     = "https://arealeditering-dist-geo.miljoeportal.dk/geoserver/wfs"

	ActionRequired = "Action Required"
	Completed      = "Completed"
	Unknown        = "Unknown"
)

// BNBOStatusCategories maps municipal BNBO review states to categories.
var BNBOStatusCategories = map[string]string{
	"Frivillig aftale tilbudt (UDGÅET)":             ActionRequired,
	"Gennemgået, indsats nødvendig":                 ActionRequired,
	"Ikke gennemgået (default værdi)":               ActionRequired,
	"Gennemgået, indsats ikke nødvendig":            Completed,
	"Indsats gennemført":                            Completed,
	"Ingen erhvervsmæssig anvendelse af pesticider": Completed,
}

// BNBOCategory returns the category of a status, Unknown when unmapped.
func BNBOCategory(status string) string {
	if c, ok := BNBOStatusCategories[strings.TrimSpace(status)]; ok {
		return c
	}
	return Unknown
}

// BNBO lands the review status of well-near protection areas. Silver also
// writes bnbo_status_dissolved with one row per category.
func BNBO(o Options) *medallion.Job {
	c := &wfs.Client{
		URL:       o.url(bnboURL),
		TypeNames: "dai:status_bnbo",
		Count:     100,
		Retry:     o.Retry,
	}

	return newJob(o, "bnbo", bnboDataset, wfsBronze(c, bnboDataset, "Danish BNBO Status"), bnboSilver)
}

func bnboSilver(ctx context.Context, rt *medallion.Runtime) error {
	es, err := latestEnvelopes(ctx, rt, bnboDataset)
	if err != nil {
		return err
	}

	parsed, err := decodeAll(payloads(es), "status_bnbo")
	if err != nil {
		return err
	}

	var fs []geo.Feature
	for _, p := range parsed {
		if p.Geometry == nil {
			continue
		}
		fs = append(fs, bnboFeature(p))
	}
	log.Ctx(ctx).Info().Int("features", len(fs)).Msg("parsed bnbo features")

	valid := geo.Validate(ctx, "silver."+bnboDataset, fs)
	if err := putGeo(ctx, rt, bnboDataset, valid); err != nil {
		return err
	}

	dissolved := geo.Validate(ctx, "silver."+bnboDataset+"_dissolved", dissolveByCategory(fs))
	return putGeo(ctx, rt, bnboDataset+"_dissolved", dissolved)
}

func bnboFeature(p gml.Feature) geo.Feature {
	props := make(map[string]any, len(p.Properties)+3)
	for k, v := range p.Properties {
		props[k] = v
	}
	props["area_ha"] = geo.AreaHectares(p.Geometry)
	if s, ok := p.Properties["status_bnbo"]; ok {
		props["status_category"] = BNBOCategory(s)
	}
	if p.ID != "" {
		props["gml_id"] = p.ID
	}

	return geo.Feature{Properties: props, Geometry: p.Geometry}
}

// dissolveByCategory collects the distinct polygons of each known category
// into one multipolygon. A polygon present in both categories stays Action
// Required.
func dissolveByCategory(fs []geo.Feature) []geo.Feature {
	var required, completed orb.MultiPolygon
	seenRequired := map[string]bool{}
	seenCompleted := map[string]bool{}

	for _, f := range fs {
		for _, p := range polygons(f.Geometry) {
			k := polygonKey(p)
			switch f.Properties["status_category"] {
			case ActionRequired:
				if !seenRequired[k] {
					seenRequired[k] = true
					required = append(required, p)
				}
			case Completed:
				if !seenCompleted[k] {
					seenCompleted[k] = true
					completed = append(completed, p)
				}
			}
		}
	}

	var remaining orb.MultiPolygon
	for _, p := range completed {
		if !seenRequired[polygonKey(p)] {
			remaining = append(remaining, p)
		}
	}

	var out []geo.Feature
	for _, g := range []struct {
		category string
		mp       orb.MultiPolygon
	}{
		{ActionRequired, required},
		{Completed, remaining},
	} {
		if len(g.mp) == 0 {
			continue
		}
		out = append(out, geo.Feature{
			Properties: map[string]any{"status_category": g.category, "area_ha": geo.AreaHectares(g.mp)},
			Geometry:   g.mp,
		})
	}

	return out
}

func polygons(g orb.Geometry) []orb.Polygon {
	switch g := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{g}
	case orb.MultiPolygon:
		return g
	}
	return nil
}

func polygonKey(p orb.Polygon) string {
	return string(wkb.MustMarshal(p))
}

// decodeAll parses every page with the feature name.
func decodeAll(pages []string, featureName string) ([]gml.Feature, error) {
	var out []gml.Feature
	for i, payload := range pages {
		fs, err := gml.Decode(strings.NewReader(payload), featureName)
		if err != nil {
			return nil, xerrors.Errorf("failed to parse page %d: %w", i, err)
		}
		out = append(out, fs...)
	}
	return out, nil
}
