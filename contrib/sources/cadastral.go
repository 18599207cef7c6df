package sources

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/geo"
	"github.com/landbrugsdata/medallion/gml"
	"github.com/landbrugsdata/medallion/wfs"
)

const (
	cadastralDataset = "cadastral"
	cadastralURL     = "https://wfs.datafordeler.dk/MATRIKLEN2/MatGaeldendeOgForeloebigWFS/1.0.0/WFS"

	// DefaultCadastralRequestsPerSecond is the Datafordeler rate limit.
	DefaultCadastralRequestsPerSecond = 2
)

// CadastralConfig holds the Datafordeler credentials.
type CadastralConfig struct {
	Username string
	Password string

	// RequestsPerSecond defaults to DefaultCadastralRequestsPerSecond.
	RequestsPerSecond float64
}

type fieldKind int

const (
	textField fieldKind = iota
	intField
	boolField
	timeField
)

type cadastralField struct {
	column string
	kind   fieldKind
}

// cadastralFields maps lowercased element names to columns.
var cadastralFields = map[string]cadastralField{
	"bfenummer":                          {"bfe_number", intField},
	"forretningshaendelse":               {"business_event", textField},
	"forretningsproces":                  {"business_process", textField},
	"senestesaglokalid":                  {"latest_case_id", textField},
	"id_lokalid":                         {"id_local", textField},
	"id_namespace":                       {"id_namespace", textField},
	"registreringfra":                    {"registration_from", timeField},
	"virkningfra":                        {"effect_from", timeField},
	"virkningsaktoer":                    {"authority", textField},
	"arbejderbolig":                      {"is_worker_housing", boolField},
	"erfaelleslod":                       {"is_common_lot", boolField},
	"hovedejendomopdeltiejerlejligheder": {"has_owner_apartments", boolField},
	"udskiltvej":                         {"is_separated_road", boolField},
	"landbrugsnotering":                  {"agricultural_notation", textField},
}

// Cadastral lands the current joint properties (samlet fast ejendom) of the
// Danish cadastre.
func Cadastral(o Options, c CadastralConfig) *medallion.Job {
	rps := c.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultCadastralRequestsPerSecond
	}

	client := &wfs.Client{
		URL:               o.url(cadastralURL),
		TypeNames:         "mat:SamletFastEjendom_Gaeldende",
		Count:             10000,
		SRSName:           "EPSG:25832",
		Extra:             url.Values{"username": {c.Username}, "password": {c.Password}},
		MaxConcurrent:     5,
		RequestsPerSecond: rps,
		Retry:             o.Retry,
	}

	return newJob(o, "cadastral", cadastralDataset, wfsBronze(client, cadastralDataset, "Danish Cadastral"), cadastralSilver)
}

func cadastralSilver(ctx context.Context, rt *medallion.Runtime) error {
	es, err := latestEnvelopes(ctx, rt, cadastralDataset)
	if err != nil {
		return err
	}

	parsed, err := decodeAll(payloads(es), "SamletFastEjendom_Gaeldende")
	if err != nil {
		return err
	}

	fs := make([]geo.Feature, 0, len(parsed))
	for _, p := range parsed {
		f, ok := cadastralFeature(ctx, p)
		if !ok {
			continue
		}
		fs = append(fs, f)
	}
	log.Ctx(ctx).Info().Int("parsed", len(parsed)).Int("kept", len(fs)).Msg("mapped cadastral features")

	return putGeo(ctx, rt, cadastralDataset, geo.Validate(ctx, "silver."+cadastralDataset, fs))
}

// cadastralFeature maps the known fields. Features without a BFE number or
// geometry are dropped.
func cadastralFeature(ctx context.Context, p gml.Feature) (geo.Feature, bool) {
	l := log.Ctx(ctx)

	props := map[string]any{}
	for key, fld := range cadastralFields {
		raw, ok := p.Properties[key]
		if !ok {
			continue
		}

		v, err := convertField(raw, fld.kind)
		if err != nil {
			l.Warn().Err(err).Str("field", key).Msg("failed to convert field")
			continue
		}
		props[fld.column] = v
	}

	if _, ok := props["bfe_number"]; !ok {
		l.Warn().Str("id", p.ID).Msg("missing required field: bfe_number")
		return geo.Feature{}, false
	}
	if p.Geometry == nil {
		l.Warn().Str("id", p.ID).Msg("missing required field: geometry")
		return geo.Feature{}, false
	}

	return geo.Feature{Properties: props, Geometry: p.Geometry}, true
}

func convertField(raw string, kind fieldKind) (any, error) {
	switch kind {
	case intField:
		return strconv.ParseInt(raw, 10, 64)
	case boolField:
		return strings.EqualFold(raw, "true"), nil
	case timeField:
		return parseTimestamp(raw)
	}
	return raw, nil
}

// parseTimestamp parses ISO 8601 timestamps with or without a zone. Values
// without a zone are UTC.
func parseTimestamp(s string) (time.Time, error) {
	var err error
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02"} {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}
