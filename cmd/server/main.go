package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/org/secretapproval/internal/config"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "secretapprovald",
	Short:        "Secret change approval engine",
	Long:         "Runs the secret approval engine and administers approval policies and requests.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := checkOutputFormat(outputFormat); err != nil {
			return err
		}
		path := configFile
		if path == "" {
			path = os.Getenv(config.EnvPrefix + "CONFIG")
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded

		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default $APPROVALS_CONFIG or config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(requestCmd())
}
