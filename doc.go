/*

Package medallion runs fetch, transform and write jobs for Danish open data
and lands their output on object storage in two layers.

The bronze layer holds raw source responses under bronze/<dataset>/<date>.
The silver layer holds the reshaped Parquet or GeoParquet under
silver/<dataset>/<date>.parquet. A silver step always reads the newest bronze
date of its dataset.

Getting started

Register jobs on a pipeline and run them by source name and stage.

	package main

	import (
		"context"
		"os"

		"github.com/landbrugsdata/medallion"
		"github.com/landbrugsdata/medallion/contrib/sources"
	)

	func main() {
		ctx := context.Background()

		store, err := medallion.NewGCSStore(ctx, os.Getenv("GCS_BUCKET"))
		if err != nil {
			panic(err)
		}

		p, err := medallion.New(medallion.WithStore(store), medallion.WithConcurrency(2))
		if err != nil {
			panic(err)
		}

		n := &medallion.SlackNotifier{
			Token:   os.Getenv("SLACK_TOKEN"),
			Channel: os.Getenv("SLACK_CHANNEL"),
		}

		p.MustAddJob(ctx, sources.BNBO(sources.Options{Notifier: n}))
		p.MustAddJob(ctx, sources.Wetlands(sources.Options{Notifier: n}))

		if err := p.Run(ctx, medallion.AllSources, medallion.StageAll); err != nil {
			panic(err)
		}
	}

Silver objects of jobs with a BigQuery table are loaded by Handle, which is
meant to be triggered by Cloud Storage finalize events.

Command line

cmd/medallion builds the same pipeline from a config file and the
environment, and adds the SFTP transfer of package transfer:

	medallion run -s bnbo -j all
	medallion transfer --dataset sftp_marker

*/
package medallion
