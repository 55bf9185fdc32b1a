package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are shared by every command
type globalFlags struct {
	configPath string
	idmg       string
	verbose    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mgmessages",
		Short: "Send and receive MilleGrilles messages",
		Long: `mgmessages connects to the MilleGrilles broker with the configured client certificate.
It can run a consumer, send a request and print the reply, or emit an event.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.idmg, "idmg", "", "MilleGrille id, overrides the configuration")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newRunCommand(flags),
		newRequestCommand(flags),
		newEventCommand(flags),
	)
	return rootCmd
}

func (f *globalFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
