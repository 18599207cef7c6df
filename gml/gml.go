// Package gml decodes features of WFS 2.0 GetFeature responses.
package gml

import (
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/xerrors"
)

// ErrBadCoordinates is returned for coordinate lists that do not split into
// whole positions.
var ErrBadCoordinates = errors.New("malformed coordinate list")

// Feature is one feature member of a collection.
type Feature struct {
	// Type is the local name of the feature element, e.g. "status_bnbo".
	Type string

	// ID is the gml:id attribute.
	ID string

	// Properties holds the non-empty simple values keyed by lowercased local
	// element name. Nested elements are flattened to their leaves.
	Properties map[string]string

	// Geometry is nil when the feature has no usable geometry.
	Geometry orb.Geometry
}

// Decoder reads features one at a time.
type Decoder struct {
	dec  *xml.Decoder
	name string
}

// NewDecoder returns a decoder for features with the local name featureName.
// An empty featureName accepts every feature.
func NewDecoder(r io.Reader, featureName string) *Decoder {
	d := xml.NewDecoder(r)
	d.CharsetReader = charsetReader
	return &Decoder{dec: d, name: featureName}
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, xerrors.Errorf("unsupported charset %q: %w", label, err)
	}
	if enc == nil {
		return input, nil
	}
	return enc.NewDecoder().Reader(input), nil
}

// Decode reads every matching feature from r.
func Decode(r io.Reader, featureName string) ([]Feature, error) {
	d := NewDecoder(r, featureName)

	var fs []Feature
	for {
		f, err := d.Next()
		if errors.Is(err, io.EOF) {
			return fs, nil
		}
		if err != nil {
			return nil, err
		}
		fs = append(fs, *f)
	}
}

// Next returns the next matching feature or io.EOF.
func (d *Decoder) Next() (*Feature, error) {
	inMember := false

	for {
		tok, err := d.dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, xerrors.Errorf("failed to read gml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if isMember(t.Name.Local) {
				inMember = true
				continue
			}
			if !inMember {
				continue
			}
			inMember = false

			if d.name != "" && t.Name.Local != d.name {
				if err := d.dec.Skip(); err != nil {
					return nil, xerrors.Errorf("failed to skip %s: %w", t.Name.Local, err)
				}
				continue
			}

			return d.feature(t)
		case xml.EndElement:
			inMember = false
		}
	}
}

func isMember(local string) bool {
	return local == "member" || local == "featureMember"
}

func isGeometry(local string) bool {
	switch local {
	case "Point", "Polygon", "PolygonPatch", "Surface", "MultiSurface", "MultiPolygon":
		return true
	}
	return false
}

func (d *Decoder) feature(start xml.StartElement) (*Feature, error) {
	f := &Feature{Type: start.Name.Local, Properties: map[string]string{}}
	for _, a := range start.Attr {
		if a.Name.Local == "id" {
			f.ID = a.Value
		}
	}

	for {
		tok, err := d.dec.Token()
		if err != nil {
			return nil, xerrors.Errorf("failed to read feature %s: %w", f.Type, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "boundedBy":
				if err := d.dec.Skip(); err != nil {
					return nil, xerrors.Errorf("failed to skip boundedBy: %w", err)
				}
			case isGeometry(t.Name.Local):
				if err := d.setGeometry(t, f); err != nil {
					return nil, err
				}
			default:
				if err := d.property(t, f); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			return f, nil
		}
	}
}

func (d *Decoder) setGeometry(start xml.StartElement, f *Feature) error {
	g, err := d.geometry(start, 2)
	if err != nil {
		return xerrors.Errorf("feature %s: %w", f.ID, err)
	}
	if f.Geometry == nil && g != nil {
		f.Geometry = g
	}
	return nil
}

func (d *Decoder) property(start xml.StartElement, f *Feature) error {
	var (
		text   strings.Builder
		nested bool
	)

	for {
		tok, err := d.dec.Token()
		if err != nil {
			return xerrors.Errorf("failed to read property %s: %w", start.Name.Local, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			nested = true
			if isGeometry(t.Name.Local) {
				if err := d.setGeometry(t, f); err != nil {
					return err
				}
				continue
			}
			if err := d.property(t, f); err != nil {
				return err
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if v := strings.TrimSpace(text.String()); !nested && v != "" {
				f.Properties[strings.ToLower(start.Name.Local)] = v
			}
			return nil
		}
	}
}

func srsDimension(start xml.StartElement, dim int) int {
	for _, a := range start.Attr {
		if a.Name.Local == "srsDimension" {
			if n, err := strconv.Atoi(a.Value); err == nil && n > 0 {
				return n
			}
		}
	}
	return dim
}

func (d *Decoder) geometry(start xml.StartElement, dim int) (orb.Geometry, error) {
	dim = srsDimension(start, dim)

	switch start.Name.Local {
	case "Point":
		pts, err := d.points(start, dim)
		if err != nil {
			return nil, err
		}
		if len(pts) == 0 {
			return nil, nil
		}
		return pts[0], nil
	case "Polygon", "PolygonPatch":
		p, err := d.polygon(start, dim)
		if err != nil || p == nil {
			return nil, err
		}
		return p, nil
	}

	mp, err := d.multiPolygon(start, dim)
	if err != nil {
		return nil, err
	}
	switch len(mp) {
	case 0:
		return nil, nil
	case 1:
		return mp[0], nil
	}
	return mp, nil
}

func (d *Decoder) multiPolygon(start xml.StartElement, dim int) (orb.MultiPolygon, error) {
	var (
		mp    orb.MultiPolygon
		depth int
	)

	for {
		tok, err := d.dec.Token()
		if err != nil {
			return nil, xerrors.Errorf("failed to read %s: %w", start.Name.Local, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "Polygon" || t.Name.Local == "PolygonPatch" {
				p, err := d.polygon(t, srsDimension(t, dim))
				if err != nil {
					return nil, err
				}
				if p != nil {
					mp = append(mp, p)
				}
				continue
			}
			depth++
		case xml.EndElement:
			if depth == 0 {
				return mp, nil
			}
			depth--
		}
	}
}

// polygon returns nil when the exterior ring is unusable.
func (d *Decoder) polygon(start xml.StartElement, dim int) (orb.Polygon, error) {
	var (
		exterior  orb.Ring
		interiors []orb.Ring
		depth     int
	)

	for {
		tok, err := d.dec.Token()
		if err != nil {
			return nil, xerrors.Errorf("failed to read polygon: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "exterior", "outerBoundaryIs", "interior", "innerBoundaryIs":
				pts, err := d.points(t, dim)
				if err != nil {
					return nil, err
				}
				ring, ok := closeRing(pts)
				if !ok {
					continue
				}
				if t.Name.Local == "exterior" || t.Name.Local == "outerBoundaryIs" {
					exterior = ring
				} else {
					interiors = append(interiors, ring)
				}
			default:
				depth++
			}
		case xml.EndElement:
			if depth > 0 {
				depth--
				continue
			}
			if exterior == nil {
				return nil, nil
			}
			return append(orb.Polygon{exterior}, interiors...), nil
		}
	}
}

// closeRing closes an open ring. Rings with fewer than four positions after
// closing are rejected.
func closeRing(pts []orb.Point) (orb.Ring, bool) {
	if len(pts) == 0 {
		return nil, false
	}
	if pts[0] != pts[len(pts)-1] {
		pts = append(pts, pts[0])
	}
	if len(pts) < 4 {
		return nil, false
	}
	return orb.Ring(pts), true
}

// points collects every pos and posList below start.
func (d *Decoder) points(start xml.StartElement, dim int) ([]orb.Point, error) {
	var (
		pts   []orb.Point
		depth int
	)

	for {
		tok, err := d.dec.Token()
		if err != nil {
			return nil, xerrors.Errorf("failed to read %s: %w", start.Name.Local, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "pos", "posList":
				s, err := d.text(t)
				if err != nil {
					return nil, err
				}
				ps, err := ParsePositions(s, srsDimension(t, dim))
				if err != nil {
					return nil, err
				}
				pts = append(pts, ps...)
			default:
				dim = srsDimension(t, dim)
				depth++
			}
		case xml.EndElement:
			if depth == 0 {
				return pts, nil
			}
			depth--
		}
	}
}

func (d *Decoder) text(start xml.StartElement) (string, error) {
	var b strings.Builder
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return "", xerrors.Errorf("failed to read %s: %w", start.Name.Local, err)
		}

		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.StartElement:
			if err := d.dec.Skip(); err != nil {
				return "", err
			}
		case xml.EndElement:
			return b.String(), nil
		}
	}
}

// ParsePositions parses a whitespace separated list of coordinates with dim
// ordinates per position. Ordinates past the second are dropped.
func ParsePositions(s string, dim int) ([]orb.Point, error) {
	if dim < 2 {
		dim = 2
	}

	fields := strings.Fields(s)
	if len(fields)%dim != 0 {
		return nil, xerrors.Errorf("%w: %d values for dimension %d", ErrBadCoordinates, len(fields), dim)
	}

	pts := make([]orb.Point, 0, len(fields)/dim)
	for i := 0; i < len(fields); i += dim {
		x, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, xerrors.Errorf("%w: %v", ErrBadCoordinates, err)
		}
		y, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return nil, xerrors.Errorf("%w: %v", ErrBadCoordinates, err)
		}
		pts = append(pts, orb.Point{x, y})
	}

	return pts, nil
}

// Counts reads numberMatched and numberReturned from the collection root.
// numberMatched may be "unknown" or "*".
func Counts(r io.Reader) (matched, returned string, err error) {
	d := xml.NewDecoder(r)
	d.CharsetReader = charsetReader

	for {
		tok, err := d.Token()
		if err != nil {
			return "", "", xerrors.Errorf("failed to find collection root: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		for _, a := range start.Attr {
			switch a.Name.Local {
			case "numberMatched":
				matched = a.Value
			case "numberReturned":
				returned = a.Value
			}
		}

		return matched, returned, nil
	}
}
