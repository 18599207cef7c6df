// Command medallion runs the bronze and silver jobs, the SFTP transfer and
// manual BigQuery loads.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/landbrugsdata/medallion/config"
)

type app struct {
	configPath string
	envFile    string
	logLevel   string
	pretty     bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "medallion",
		Short:         "Land Danish open data in bronze and silver layers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&a.pretty, "pretty", false, "human friendly logs")

	root.AddCommand(
		newRunCmd(a),
		newListCmd(a),
		newTransferCmd(a),
		newLoadCmd(a),
	)

	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, a.envFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.pretty {
		cfg.PrettyLogging = true
	}
	a.cfg = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	var l zerolog.Logger
	if cfg.PrettyLogging {
		l = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
	} else {
		l = zerolog.New(cmd.ErrOrStderr())
	}
	l = l.Level(level).With().Timestamp().Str("env", string(cfg.Environment)).Logger()

	cmd.SetContext(l.WithContext(cmd.Context()))

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("medallion failed")
		stop()
		os.Exit(1)
	}
}
