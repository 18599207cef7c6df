// Package geo holds the geometry handling shared by the spatial sources.
package geo

import (
	"context"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/rs/zerolog/log"
)

// Feature is a geometry with its attribute values.
type Feature struct {
	Properties map[string]any
	Geometry   orb.Geometry
}

// AreaHectares returns the planar area of g in hectares. g must be in a
// metric projection.
func AreaHectares(g orb.Geometry) float64 {
	if g == nil {
		return 0
	}
	return math.Abs(planar.Area(g)) / 10000
}

// Clean repairs what can be repaired without a topology engine: repeated
// positions are removed, rings are closed and oriented, degenerate rings and
// empty parts are dropped. It reports false when nothing valid remains.
func Clean(g orb.Geometry) (orb.Geometry, bool) {
	switch g := g.(type) {
	case orb.Point:
		return g, finite(g)
	case orb.Polygon:
		p, ok := cleanPolygon(g)
		if !ok {
			return nil, false
		}
		return p, true
	case orb.MultiPolygon:
		var mp orb.MultiPolygon
		for _, p := range g {
			if c, ok := cleanPolygon(p); ok {
				mp = append(mp, c)
			}
		}
		switch len(mp) {
		case 0:
			return nil, false
		case 1:
			return mp[0], true
		}
		return mp, true
	}

	return nil, false
}

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}

func cleanPolygon(p orb.Polygon) (orb.Polygon, bool) {
	if len(p) == 0 {
		return nil, false
	}

	ext, ok := cleanRing(p[0], orb.CCW)
	if !ok {
		return nil, false
	}

	out := orb.Polygon{ext}
	for _, r := range p[1:] {
		if hole, ok := cleanRing(r, orb.CW); ok {
			out = append(out, hole)
		}
	}

	return out, true
}

func cleanRing(r orb.Ring, o orb.Orientation) (orb.Ring, bool) {
	out := make(orb.Ring, 0, len(r)+1)
	for _, pt := range r {
		if !finite(pt) {
			return nil, false
		}
		if len(out) > 0 && out[len(out)-1] == pt {
			continue
		}
		out = append(out, pt)
	}

	if len(out) > 0 && out[0] != out[len(out)-1] {
		out = append(out, out[0])
	}
	if len(out) < 4 || planar.Area(out) == 0 {
		return nil, false
	}

	if out.Orientation() != o {
		out.Reverse()
	}

	return out, true
}

// Validate cleans every feature, reprojects it from EPSG:25832 to EPSG:4326
// and drops what is invalid or empty. name labels the log lines.
func Validate(ctx context.Context, name string, fs []Feature) []Feature {
	l := log.Ctx(ctx)

	valid := make([]Feature, 0, len(fs))
	for _, f := range fs {
		if f.Geometry == nil {
			continue
		}
		g, ok := Clean(f.Geometry)
		if !ok {
			continue
		}
		f.Geometry = Project(g, UTM32ToWGS84)
		valid = append(valid, f)
	}

	l.Info().
		Str("dataset", name).
		Int("initial", len(fs)).
		Int("valid", len(valid)).
		Int("removed", len(fs)-len(valid)).
		Msg("validated geometries")

	return valid
}
