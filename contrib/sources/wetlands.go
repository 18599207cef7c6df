package sources

import (
	"context"
	"math"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog/log"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/geo"
	"github.com/landbrugsdata/medallion/wfs"
)

const (
	wetlandsDataset = "wetlands"
	wetlandsURL     = "https://wfs2-miljoegis.mim.dk/natur/wfs"

	// wetlandMinSharedEdge is one grid cell side in metres.
	wetlandMinSharedEdge = 10
)

// Wetlands lands the carbon-rich lowland grid of natur:kulstof2022. Silver
// also writes wetlands_dissolved with adjacent cells grouped.
func Wetlands(o Options) *medallion.Job {
	c := &wfs.Client{
		URL:           o.url(wetlandsURL),
		TypeNames:     "natur:kulstof2022",
		Count:         10000,
		MaxConcurrent: 3,
		Retry:         o.Retry,
	}

	return newJob(o, "wetlands", wetlandsDataset, wfsBronze(c, wetlandsDataset, "Danish Wetlands Map"), wetlandsSilver)
}

func wetlandsSilver(ctx context.Context, rt *medallion.Runtime) error {
	l := log.Ctx(ctx)

	es, err := latestEnvelopes(ctx, rt, wetlandsDataset)
	if err != nil {
		return err
	}

	parsed, err := decodeAll(payloads(es), "kulstof2022")
	if err != nil {
		return err
	}

	var (
		fs    []geo.Feature
		cells []orb.Polygon
	)
	for _, p := range parsed {
		poly, ok := p.Geometry.(orb.Polygon)
		if !ok {
			continue
		}

		gridcode, err := strconv.Atoi(p.Properties["gridcode"])
		if err != nil {
			l.Error().Str("id", p.ID).Msg("missing gridcode in feature")
			continue
		}
		toerv, ok := p.Properties["toerv_pct"]
		if !ok {
			l.Error().Str("id", p.ID).Msg("missing toerv_pct in feature")
			continue
		}

		fs = append(fs, geo.Feature{
			Properties: map[string]any{
				"id":        p.ID,
				"gridcode":  int64(gridcode),
				"toerv_pct": toerv,
			},
			Geometry: poly,
		})
		cells = append(cells, poly)
	}
	l.Info().Int("features", len(fs)).Msg("parsed wetland cells")
	logGridStatistics(ctx, cells)

	dissolved := dissolveCells(cells)
	l.Info().Int("groups", len(dissolved)).Int("cells", len(cells)).Msg("grouped adjacent cells")

	if err := putGeo(ctx, rt, wetlandsDataset, geo.Validate(ctx, "silver."+wetlandsDataset, fs)); err != nil {
		return err
	}

	return putGeo(ctx, rt, wetlandsDataset+"_dissolved", geo.Validate(ctx, "silver."+wetlandsDataset+"_dissolved", dissolved))
}

// dissolveCells groups cells sharing an edge and numbers the groups from 1.
func dissolveCells(cells []orb.Polygon) []geo.Feature {
	groups := geo.GroupAdjacent(cells, wetlandMinSharedEdge)

	out := make([]geo.Feature, 0, len(groups))
	for i, g := range groups {
		var geom orb.Geometry
		if len(g) == 1 {
			geom = cells[g[0]]
		} else {
			mp := make(orb.MultiPolygon, 0, len(g))
			for _, idx := range g {
				mp = append(mp, cells[idx])
			}
			geom = mp
		}

		out = append(out, geo.Feature{
			Properties: map[string]any{
				"wetland_id": int64(i + 1),
				"cell_count": int64(len(g)),
				"area_ha":    geo.AreaHectares(geom),
			},
			Geometry: geom,
		})
	}

	return out
}

func logGridStatistics(ctx context.Context, cells []orb.Polygon) {
	type dim struct{ w, h float64 }

	dims := map[dim]int{}
	unaligned := 0
	area := 0.0
	for _, c := range cells {
		b := c.Bound()
		w, h := b.Max.X()-b.Min.X(), b.Max.Y()-b.Min.Y()
		dims[dim{w, h}]++
		area += w * h
		if !gridAligned(c) {
			unaligned++
		}
	}

	l := log.Ctx(ctx)
	for d, n := range dims {
		l.Debug().Float64("width", d.w).Float64("height", d.h).Int("count", n).Msg("cell dimension")
	}
	l.Info().
		Int("cells", len(cells)).
		Int("dimensions", len(dims)).
		Int("unaligned", unaligned).
		Float64("area_km2", area/1e6).
		Msg("grid statistics")
}

func gridAligned(p orb.Polygon) bool {
	if len(p) == 0 {
		return false
	}
	for _, pt := range p[0] {
		for _, v := range []float64{pt.X(), pt.Y()} {
			if math.Abs(math.Round(v/10)*10-v) >= 0.01 {
				return false
			}
		}
	}
	return true
}
