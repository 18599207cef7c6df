package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/landbrugsdata/medallion"
	"github.com/landbrugsdata/medallion/config"
)

func newRunCmd(a *app) *cobra.Command {
	var source, stage, env string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bronze and silver stages of one or every source",
		Example: `  medallion run -s bnbo -j bronze
  medallion run -s all -j all -e prod`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := medallion.ParseStage(stage)
			if err != nil {
				return err
			}

			if env != "" {
				a.cfg.Environment = config.Environment(env)
				if err := a.cfg.Validate(); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			p, err := a.cfg.Pipeline(ctx)
			if err != nil {
				return err
			}

			if err := p.Run(ctx, source, st); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s finished\n", source, st)
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", medallion.AllSources, "source to run, or all")
	cmd.Flags().StringVarP(&stage, "stage", "j", string(medallion.StageAll), "bronze, silver or all")
	cmd.Flags().StringVarP(&env, "env", "e", "", "local, dev or prod (overrides ENVIRONMENT)")

	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.cfg.Pipeline(cmd.Context())
			if err != nil {
				return err
			}

			for _, name := range p.Jobs() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newLoadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "load <object>",
		Short:   "Load a silver object of the bucket into BigQuery",
		Example: `  medallion load silver/bnbo_status/2024-05-17.parquet`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Bucket == "" {
				return xerrors.Errorf("%w: load needs GCS_BUCKET", config.ErrInvalid)
			}

			ctx := cmd.Context()
			p, err := a.cfg.Pipeline(ctx)
			if err != nil {
				return err
			}

			return p.Handle(ctx, medallion.Event{Bucket: a.cfg.Bucket, Name: args[0]})
		},
	}
}
