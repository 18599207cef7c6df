// Package wfs pages through OGC WFS 2.0 GetFeature responses.
package wfs

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion/fetch"
	"github.com/landbrugsdata/medallion/gml"
)

const (
	DefaultCount         = 10000
	DefaultSRSName       = "urn:ogc:def:crs:EPSG::25832"
	DefaultMaxConcurrent = 3
)

// Client fetches every feature of one feature type.
type Client struct {
	URL       string
	TypeNames string

	// Count is the page size. Defaults to DefaultCount.
	Count int

	// Unpaged asks for the whole feature type in one request, without
	// STARTINDEX and COUNT.
	Unpaged bool

	// SRSName defaults to EPSG:25832.
	SRSName string

	// Extra is added to every request, e.g. credentials.
	Extra url.Values

	// Header defaults to a User-Agent of fetch.UserAgent.
	Header http.Header

	// MaxConcurrent bounds parallel page requests. Defaults to DefaultMaxConcurrent.
	MaxConcurrent int

	// RequestsPerSecond limits the request rate when positive.
	RequestsPerSecond float64

	// Retry defaults to fetch.DefaultRetry.
	Retry *fetch.Retry

	HTTPClient *http.Client
}

// Page is one raw GetFeature response.
type Page struct {
	StartIndex int
	Returned   int
	Body       []byte
}

func (c *Client) count() int {
	if c.Count > 0 {
		return c.Count
	}
	return DefaultCount
}

func (c *Client) doer() *fetch.Doer {
	d := &fetch.Doer{Client: c.HTTPClient, Retry: fetch.DefaultRetry}
	if c.Retry != nil {
		d.Retry = *c.Retry
	}
	if c.RequestsPerSecond > 0 {
		d.Limiter = rate.NewLimiter(rate.Limit(c.RequestsPerSecond), 1)
	}
	return d
}

// Params returns the query of the page starting at start.
func (c *Client) Params(start int) url.Values {
	srs := c.SRSName
	if srs == "" {
		srs = DefaultSRSName
	}

	v := url.Values{}
	v.Set("SERVICE", "WFS")
	v.Set("REQUEST", "GetFeature")
	v.Set("VERSION", "2.0.0")
	v.Set("TYPENAMES", c.TypeNames)
	if !c.Unpaged {
		v.Set("STARTINDEX", strconv.Itoa(start))
		v.Set("COUNT", strconv.Itoa(c.count()))
	}
	v.Set("SRSNAME", srs)
	for k, vs := range c.Extra {
		for _, s := range vs {
			v.Add(k, s)
		}
	}

	return v
}

func (c *Client) fetch(ctx context.Context, d *fetch.Doer, start int) (*Page, string, error) {
	body, err := d.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"?"+c.Params(start).Encode(), nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range c.Header {
			req.Header[k] = vs
		}
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", fetch.UserAgent)
		}
		return req, nil
	})
	if err != nil {
		return nil, "", xerrors.Errorf("failed to fetch %s at %d: %w", c.TypeNames, start, err)
	}

	matched, returned, err := gml.Counts(bytes.NewReader(body))
	if err != nil {
		return nil, "", xerrors.Errorf("failed to parse %s at %d: %w", c.TypeNames, start, err)
	}

	n, err := strconv.Atoi(returned)
	if err != nil {
		return nil, "", xerrors.Errorf("invalid numberReturned %q for %s at %d: %w", returned, c.TypeNames, start, err)
	}

	return &Page{StartIndex: start, Returned: n, Body: body}, matched, nil
}

// FetchAll fetches the first page, then every remaining page. When the server
// reports numberMatched the remaining pages are fetched concurrently,
// otherwise they are fetched one by one until a short page. Pages are
// returned by start index. Unpaged clients return the single response.
func (c *Client) FetchAll(ctx context.Context) ([]Page, error) {
	l := log.Ctx(ctx).With().Str("typenames", c.TypeNames).Logger()
	d := c.doer()
	count := c.count()

	first, matched, err := c.fetch(ctx, d, 0)
	if err != nil {
		return nil, err
	}
	pages := []Page{*first}

	if c.Unpaged {
		l.Info().Str("number_matched", matched).Int("returned", first.Returned).Msg("fetched whole feature type")
		return pages, nil
	}

	total, err := strconv.Atoi(matched)
	if err != nil {
		l.Info().Str("number_matched", matched).Msg("total unknown, paging sequentially")

		last := first
		for last.Returned >= count {
			next, _, err := c.fetch(ctx, d, last.StartIndex+last.Returned)
			if err != nil {
				return nil, err
			}
			pages = append(pages, *next)
			last = next
		}

		return pages, nil
	}

	l.Info().Int("total", total).Int("first", first.Returned).Msg("fetching features")

	if first.Returned == 0 {
		return pages, nil
	}

	var starts []int
	for s := first.Returned; s < total; s += count {
		starts = append(starts, s)
	}

	rest := make([]Page, len(starts))

	limit := c.MaxConcurrent
	if limit < 1 {
		limit = DefaultMaxConcurrent
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for i, s := range starts {
		i, s := i, s
		eg.Go(func() error {
			p, _, err := c.fetch(egCtx, d, s)
			if err != nil {
				return err
			}
			rest[i] = *p
			l.Debug().Int("start", s).Int("returned", p.Returned).Msg("fetched page")
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	pages = append(pages, rest...)

	fetched := 0
	for _, p := range pages {
		fetched += p.Returned
	}
	l.Info().Int("fetched", fetched).Int("total", total).Msg("fetched all pages")

	return pages, nil
}

// Bodies returns the raw bodies of pages.
func Bodies(pages []Page) []string {
	bs := make([]string, len(pages))
	for i, p := range pages {
		bs[i] = string(p.Body)
	}
	return bs
}
