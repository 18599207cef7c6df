package medallion

import (
	"context"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// loader loads silver objects into a destination such as BigQuery.
type loader interface {
	load(ctx context.Context, uri string) error
}

type defaultLoader struct {
	table *bigquery.Table
}

func newDefaultLoader(ctx context.Context, project, dataset, table string) (loader, error) {
	bq, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, xerrors.Errorf("failed to build bigquery client for %s: %w", project, err)
	}

	t := bq.Dataset(dataset).Table(table)

	return &defaultLoader{table: t}, nil
}

func (l *defaultLoader) load(ctx context.Context, uri string) error {
	lg := log.Ctx(ctx)

	ref := bigquery.NewGCSReference(uri)
	ref.SourceFormat = bigquery.Parquet

	ld := l.table.LoaderFrom(ref)
	ld.WriteDisposition = bigquery.WriteTruncate
	ld.CreateDisposition = bigquery.CreateIfNeeded

	job, err := ld.Run(ctx)
	if err != nil {
		return xerrors.Errorf("failed to run bigquery load job: %w", err)
	}
	lg.Debug().Str("bq_job", job.ID()).Str("uri", uri).Msg("load job started")

	status, err := job.Wait(ctx)
	if err != nil {
		return xerrors.Errorf("failed to wait job %s: %w", job.ID(), err)
	}

	if status.Err() != nil {
		lg.Error().Interface("errors", status.Errors).Msg("load job reported errors")
		return xerrors.Errorf("load job %s failed: %w", job.ID(), status.Err())
	}

	return nil
}
