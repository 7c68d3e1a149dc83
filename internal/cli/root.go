// Package cli implements the docuforge command-line interface using Cobra.
package cli

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ricochet1k/docuforge/internal/config"
	"github.com/ricochet1k/docuforge/internal/logging"
)

var (
	cfgFile string
	verbose bool

	appConfig *config.Config
	logger    = zerolog.Nop()
	logCloser io.Closer
)

// flagKeys maps config keys to the flags that may override them. Flags a
// command does not define are skipped.
var flagKeys = map[string]string{
	"server.base_url":   "server",
	"logging.level":     "log-level",
	"logging.format":    "log-format",
	"logging.file":      "log-file",
	"relay.listen_addr": "listen",
	"relay.data_dir":    "data-dir",
}

var rootCmd = &cobra.Command{
	Use:   "docuforge",
	Short: "Realtime sync client for docuforge documents",
	Long: `docuforge keeps a local projection of a docuforge document in sync with
the server over a websocket, reconnecting with backoff, and can drive the
agent chat stream against it.

Run 'docuforge relay' for a local stand-in server.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

// Execute runs the root command.
func Execute(version, commit, date string) error {
	rootCmd.Version = formatVersion(version, commit, date)
	return rootCmd.Execute()
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(watchCmd, relayCmd, versionCmd)
}

func addGlobalFlags(flags *pflag.FlagSet) {
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/docuforge/config.yaml)")
	flags.String("server", "", "docuforge server base URL")
	flags.String("log-level", "", "override logging level (debug, info, warn, error)")
	flags.String("log-format", "", "override logging format (json, console)")
	flags.String("log-file", "", "also write logs to this file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// initConfig loads configuration with precedence
// defaults < config file < env vars < CLI flags, then sets up logging.
func initConfig(cmd *cobra.Command) error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}
	for key, name := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := loader.BindFlag(key, f); err != nil {
			return err
		}
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if verbose && !cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = "debug"
	}
	appConfig = cfg

	closer, err := logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		File:         cfg.Logging.File,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logCloser = closer
	logger = logging.Component("cli")

	if used := loader.ConfigFileUsed(); used != "" {
		logger.Debug().Str("config_file", used).Msg("loaded config file")
	}
	return nil
}

func formatVersion(version, commit, date string) string {
	return version + " (commit: " + commit + ", built: " + date + ")"
}
