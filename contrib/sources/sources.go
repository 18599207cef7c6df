// Package sources builds the medallion jobs of the Danish open-data sources.
package sources

import (
	"context"
	"io"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/envelope"
	"github.com/landbrugsdata/medallion/fetch"
	"github.com/landbrugsdata/medallion/geo"
	"github.com/landbrugsdata/medallion/geoparquet"
	"github.com/landbrugsdata/medallion/wfs"
)

// Options are shared by every source.
type Options struct {
	Notifier medallion.Notifier

	// Project and BQDataset name the BigQuery destination. Silver objects
	// are loaded into a table named after the dataset when BQDataset is set.
	Project   string
	BQDataset string

	// URL replaces the default endpoint of the source.
	URL string

	// Retry replaces fetch.DefaultRetry.
	Retry *fetch.Retry
}

func (o Options) url(def string) string {
	if o.URL != "" {
		return o.URL
	}
	return def
}

func newJob(o Options, name, dataset string, bronze, silver medallion.Step) *medallion.Job {
	j := &medallion.Job{
		Name:     name,
		Dataset:  dataset,
		Bronze:   bronze,
		Silver:   silver,
		Notifier: o.Notifier,
	}

	if o.BQDataset != "" {
		j.Project = o.Project
		j.BQDataset = o.BQDataset
		j.Table = dataset
	}

	return j
}

// Config selects and configures the sources returned by Jobs.
type Config struct {
	Options

	Cadastral CadastralConfig
	Drive     DriveConfig
	Markers   MarkersConfig
}

// Jobs returns every source that can run with c. Cadastral needs
// credentials and Drive needs a folder; both are left out otherwise.
func Jobs(c Config) []*medallion.Job {
	o := c.Options
	o.URL = ""

	jobs := []*medallion.Job{
		BNBO(o),
		Wetlands(o),
		WaterProjects(o),
		DST(o),
		Markers(o, c.Markers),
		DAGI(o),
		SoilTypes(o),
	}

	if c.Cadastral.Username != "" && c.Cadastral.Password != "" {
		jobs = append(jobs, Cadastral(o, c.Cadastral))
	}
	if c.Drive.FolderID != "" {
		jobs = append(jobs, Drive(o, c.Drive))
	}

	return jobs
}

// wfsBronze fetches every page of c into one envelope file.
func wfsBronze(c *wfs.Client, dataset, source string) medallion.Step {
	return func(ctx context.Context, rt *medallion.Runtime) error {
		cc := *c
		if cc.HTTPClient == nil {
			cc.HTTPClient = rt.HTTPClient
		}

		pages, err := cc.FetchAll(ctx)
		if err != nil {
			return xerrors.Errorf("failed to fetch %s: %w", c.TypeNames, err)
		}

		es := envelope.New(source, rt.Now, wfs.Bodies(pages)...)
		return putEnvelopes(ctx, rt, dataset, es)
	}
}

func putEnvelopes(ctx context.Context, rt *medallion.Runtime, dataset string, es []envelope.Envelope) error {
	return putEnvelopesAt(ctx, rt, medallion.BronzeObject(dataset, rt.Now), es)
}

func putEnvelopesAt(ctx context.Context, rt *medallion.Runtime, name string, es []envelope.Envelope) error {
	err := medallion.Put(ctx, rt.Store, name, func(w io.Writer) error {
		return envelope.Write(w, es)
	})
	if err != nil {
		return err
	}

	log.Ctx(ctx).Info().Str("object", name).Int("pages", len(es)).Msg("wrote bronze envelopes")

	return nil
}

// latestEnvelopes reads the newest bronze envelope file of dataset.
func latestEnvelopes(ctx context.Context, rt *medallion.Runtime, dataset string) ([]envelope.Envelope, error) {
	day, err := medallion.LatestBronze(ctx, rt.Store, dataset)
	if err != nil {
		return nil, err
	}

	return readEnvelopes(ctx, rt, medallion.BronzeObjectFor(dataset, day))
}

func readEnvelopes(ctx context.Context, rt *medallion.Runtime, name string) ([]envelope.Envelope, error) {
	rc, err := rt.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	es, err := envelope.ReadFrom(rc)
	if err != nil {
		return nil, xerrors.Errorf("failed to read %s: %w", name, err)
	}

	log.Ctx(ctx).Info().Str("object", name).Int("pages", len(es)).Msg("read bronze envelopes")

	return es, nil
}

// putGeo writes fs as the GeoParquet silver object of dataset.
func putGeo(ctx context.Context, rt *medallion.Runtime, dataset string, fs []geo.Feature) error {
	f := &geoparquet.Frame{Schema: geoparquet.Infer(fs), Features: fs}
	return putFrame(ctx, rt, medallion.SilverObject(dataset, rt.Now), f)
}

func putFrame(ctx context.Context, rt *medallion.Runtime, name string, f *geoparquet.Frame) error {
	err := medallion.Put(ctx, rt.Store, name, func(w io.Writer) error {
		return geoparquet.Write(w, f)
	})
	if err != nil {
		return err
	}

	log.Ctx(ctx).Info().Str("object", name).Int("rows", len(f.Features)).Msg("wrote silver")

	return nil
}

func payloads(es []envelope.Envelope) []string {
	out := make([]string, len(es))
	for i := range es {
		out[i] = es[i].Payload
	}
	return out
}
