package main

import (
	"fmt"
	"os"
	"time"

	"github.com/flynn/opentoken/cmd/cobracmd"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "opentoken",
	Short: "Manage OpenToken security keys",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := cmd.Flags().GetString("log-level")
		if err != nil {
			return err
		}
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}

		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			Level(lvl).
			With().
			Timestamp().
			Logger()
		cmd.SetContext(logger.WithContext(cmd.Context()))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(cobracmd.Reset())
	rootCmd.AddCommand(cobracmd.List())
	rootCmd.AddCommand(cobracmd.Info())
	rootCmd.AddCommand(cobracmd.Ping())
	rootCmd.AddCommand(cobracmd.APDU())
	rootCmd.AddCommand(cobracmd.Sim())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
