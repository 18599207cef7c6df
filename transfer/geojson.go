package transfer

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion/geo"
)

// ErrNotFeatureCollection is returned for documents that are not a GeoJSON
// FeatureCollection object.
var ErrNotFeatureCollection = errors.New("not a geojson feature collection")

// FeatureReader decodes the features of a FeatureCollection one at a time.
// Members other than features are skipped.
type FeatureReader struct {
	dec     *json.Decoder
	started bool
	done    bool
	n       int
}

func NewFeatureReader(r io.Reader) *FeatureReader {
	return &FeatureReader{dec: json.NewDecoder(r)}
}

// Next returns the next feature or io.EOF after the last one.
func (fr *FeatureReader) Next() (*geojson.Feature, error) {
	if fr.done {
		return nil, io.EOF
	}
	if !fr.started {
		if err := fr.seek(); err != nil {
			return nil, err
		}
		if fr.done {
			return nil, io.EOF
		}
	}

	if !fr.dec.More() {
		if _, err := fr.dec.Token(); err != nil {
			return nil, xerrors.Errorf("failed to read end of features: %w", err)
		}
		fr.done = true
		return nil, io.EOF
	}

	var raw json.RawMessage
	if err := fr.dec.Decode(&raw); err != nil {
		return nil, xerrors.Errorf("failed to read feature %d: %w", fr.n, err)
	}
	f, err := geojson.UnmarshalFeature(raw)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode feature %d: %w", fr.n, err)
	}
	fr.n++

	return f, nil
}

// seek moves the decoder into the features array.
func (fr *FeatureReader) seek() error {
	fr.started = true

	tok, err := fr.dec.Token()
	if err != nil {
		return xerrors.Errorf("%w: %v", ErrNotFeatureCollection, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return ErrNotFeatureCollection
	}

	for fr.dec.More() {
		tok, err := fr.dec.Token()
		if err != nil {
			return xerrors.Errorf("failed to read member name: %w", err)
		}
		key, _ := tok.(string)

		if key != "features" {
			var skip json.RawMessage
			if err := fr.dec.Decode(&skip); err != nil {
				return xerrors.Errorf("failed to skip member %q: %w", key, err)
			}
			continue
		}

		tok, err = fr.dec.Token()
		if err != nil {
			return xerrors.Errorf("failed to read features: %w", err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return xerrors.Errorf("%w: features is not an array", ErrNotFeatureCollection)
		}
		return nil
	}

	fr.done = true
	return nil
}

// toFeature keeps scalar properties and encodes nested ones as JSON text.
func toFeature(f *geojson.Feature) geo.Feature {
	props := make(map[string]any, len(f.Properties))
	for k, v := range f.Properties {
		switch v := v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				props[k] = nil
				continue
			}
			props[k] = string(b)
		default:
			props[k] = v
		}
	}

	return geo.Feature{Properties: props, Geometry: f.Geometry}
}
