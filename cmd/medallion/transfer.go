package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/landbrugsdata/medallion/redact"
	"github.com/landbrugsdata/medallion/transfer"
)

func newTransferCmd(a *app) *cobra.Command {
	var (
		dataset   string
		batchSize int
		noDetect  bool
	)

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Copy the SFTP drop directory to bronze and its GeoJSON files to silver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			l := log.Ctx(ctx)

			sc, err := a.cfg.SFTPConfig()
			if err != nil {
				return err
			}
			if dataset == "" {
				dataset = a.cfg.SFTP.Dataset
			}
			if batchSize == 0 {
				batchSize = a.cfg.SFTP.BatchSize
			}

			store, err := a.cfg.Store(ctx)
			if err != nil {
				return err
			}

			src, err := transfer.DialSFTP(ctx, sc)
			if err != nil {
				return err
			}
			defer src.Close()

			t := &transfer.Transfer{
				Source:    src,
				Store:     store,
				Dataset:   dataset,
				BatchSize: batchSize,
				Action:    redact.Action(a.cfg.SFTP.Redact),
			}
			if !noDetect {
				t.Detector = &redact.Detector{}
			}

			res, err := t.Run(ctx)
			if errors.Is(err, transfer.ErrNoFiles) {
				l.Warn().Str("dir", sc.Dir).Msg("remote directory is empty")
				fmt.Fprintln(cmd.OutOrStdout(), "no files")
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d files, %d features", res.Files, res.Features)
			if res.Silver != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " -> %s", store.URI(res.Silver))
			}
			fmt.Fprintln(cmd.OutOrStdout())

			return nil
		},
	}

	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset name (overrides SFTP_DATASET)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "features per intermediate batch (overrides SFTP_BATCH_SIZE)")
	cmd.Flags().BoolVar(&noDetect, "no-detect", false, "do not redact detected personal data")

	return cmd
}
