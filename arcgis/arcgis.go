// Package arcgis pages through ArcGIS FeatureServer layer queries.
package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion/fetch"
)

const (
	DefaultPageSize = 1000
	DefaultOutSR    = "25832"
)

// Client queries one layer of a FeatureServer.
type Client struct {
	// URL is the FeatureServer root, without the layer id.
	URL   string
	Layer int

	PageSize int
	OutSR    string

	Retry      *fetch.Retry
	HTTPClient *http.Client
}

type pageProperties struct {
	ExceededTransferLimit bool `json:"exceededTransferLimit"`
}

type serviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type page struct {
	Features              []json.RawMessage `json:"features"`
	ExceededTransferLimit bool              `json:"exceededTransferLimit"`
	Properties            pageProperties    `json:"properties"`
	Error                 *serviceError     `json:"error"`
}

// Query returns the query of the page at offset.
func (c *Client) Query(offset int) url.Values {
	size := c.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	sr := c.OutSR
	if sr == "" {
		sr = DefaultOutSR
	}

	v := url.Values{}
	v.Set("where", "1=1")
	v.Set("outFields", "*")
	v.Set("f", "geojson")
	v.Set("returnGeometry", "true")
	v.Set("geometryPrecision", "6")
	v.Set("outSR", sr)
	v.Set("resultOffset", strconv.Itoa(offset))
	v.Set("resultRecordCount", strconv.Itoa(size))
	return v
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/%d/query", strings.TrimSuffix(c.URL, "/"), c.Layer)
}

// FetchAll returns the raw GeoJSON of every page.
func (c *Client) FetchAll(ctx context.Context) ([][]byte, error) {
	l := log.Ctx(ctx).With().Str("layer", c.endpoint()).Logger()

	d := &fetch.Doer{Client: c.HTTPClient, Retry: fetch.DefaultRetry}
	if c.Retry != nil {
		d.Retry = *c.Retry
	}

	var (
		pages  [][]byte
		offset int
	)
	for {
		q := c.Query(offset)
		body, err := d.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint()+"?"+q.Encode(), nil)
		})
		if err != nil {
			return nil, xerrors.Errorf("failed to query %s at %d: %w", c.endpoint(), offset, err)
		}

		var p page
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, xerrors.Errorf("failed to decode %s at %d: %w", c.endpoint(), offset, err)
		}
		if p.Error != nil {
			return nil, xerrors.Errorf("arcgis error %d at %d: %s", p.Error.Code, offset, p.Error.Message)
		}

		if len(p.Features) > 0 || len(pages) == 0 {
			pages = append(pages, body)
		}
		offset += len(p.Features)

		l.Debug().Int("offset", offset).Int("features", len(p.Features)).Msg("fetched page")

		if len(p.Features) == 0 || !(p.ExceededTransferLimit || p.Properties.ExceededTransferLimit) {
			break
		}
	}

	l.Info().Int("features", offset).Int("pages", len(pages)).Msg("fetched layer")

	return pages, nil
}

// Decode parses one page.
func Decode(body []byte) (*geojson.FeatureCollection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		return nil, xerrors.Errorf("failed to decode geojson: %w", err)
	}
	return fc, nil
}
