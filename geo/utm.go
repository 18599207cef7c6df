package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// GRS80 on ETRS89 / UTM zone 32N (EPSG:25832).
const (
	grs80A       = 6378137.0
	grs80F       = 1 / 298.257222101
	utmK0        = 0.9996
	utmFalseEast = 500000.0
	utm32Lon0    = 9.0
)

// UTM32ToWGS84 converts an EPSG:25832 easting/northing to lon/lat degrees.
func UTM32ToWGS84(p orb.Point) orb.Point {
	e2 := grs80F * (2 - grs80F)
	ep2 := e2 / (1 - e2)

	x := p[0] - utmFalseEast
	m := p[1] / utmK0

	mu := m / (grs80A * (1 - e2/4 - 3*e2*e2/64 - 5*e2*e2*e2/256))
	e1 := (1 - math.Sqrt(1-e2)) / (1 + math.Sqrt(1-e2))

	phi1 := mu +
		(3*e1/2-27*math.Pow(e1, 3)/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*math.Pow(e1, 4)/32)*math.Sin(4*mu) +
		(151*math.Pow(e1, 3)/96)*math.Sin(6*mu) +
		(1097*math.Pow(e1, 4)/512)*math.Sin(8*mu)

	sin, cos, tan := math.Sin(phi1), math.Cos(phi1), math.Tan(phi1)

	n1 := grs80A / math.Sqrt(1-e2*sin*sin)
	t1 := tan * tan
	c1 := ep2 * cos * cos
	r1 := grs80A * (1 - e2) / math.Pow(1-e2*sin*sin, 1.5)
	d := x / (n1 * utmK0)

	lat := phi1 - (n1*tan/r1)*(d*d/2-
		(5+3*t1+10*c1-4*c1*c1-9*ep2)*math.Pow(d, 4)/24+
		(61+90*t1+298*c1+45*t1*t1-252*ep2-3*c1*c1)*math.Pow(d, 6)/720)

	lon := (d - (1+2*t1+c1)*math.Pow(d, 3)/6 +
		(5-2*c1+28*t1-3*c1*c1+8*ep2+24*t1*t1)*math.Pow(d, 5)/120) / cos

	return orb.Point{utm32Lon0 + lon*180/math.Pi, lat * 180 / math.Pi}
}

// Project returns a projected copy of g.
func Project(g orb.Geometry, fn orb.Projection) orb.Geometry {
	if g == nil {
		return nil
	}
	return project.Geometry(orb.Clone(g), fn)
}
