package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/roomlink/internal/config"
)

var (
	configPath string
	pretty     bool
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:           "roomlink",
	Short:         "roomlink joins rooms of a multi-user room service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath == "" {
			cfg = config.Default()
		} else if cfg, err = config.Load(configPath); err != nil {
			return err
		}

		level, err := cfg.Level()
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		if pretty {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "human readable logs")

	rootCmd.AddCommand(newConnectCommand())
	rootCmd.AddCommand(newDevServerCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(errors.WithStack(err)).Msg("roomlink failed")
		os.Exit(1)
	}
}
