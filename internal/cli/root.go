// Package cli defines the synapse command tree.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fluentloop/synapse/internal/config"
	"github.com/fluentloop/synapse/internal/logging"
)

var version = "0.1.0"

type app struct {
	cfgPath string
	cfg     *config.Config
	log     zerolog.Logger
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	a := &app{}

	root := &cobra.Command{
		Use:   "synapse",
		Short: "Synapse - adaptive learner modelling platform",
		Long: `Synapse serves the learner models behind an adaptive language app:
knowledge tracing, cognitive load tracking, activity routing, story word
selection, churn prediction, session complexity planning, cold start
clustering and LLM feedback, all behind a single HTTP process.

Run the server:       synapse serve
Inspect config:       synapse config show
Trigger a retrain:    synapse train dkt`,
		PersistentPreRunE: a.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file path (default ~/.synapse/config.yaml)")

	root.AddCommand(a.serveCmd())
	root.AddCommand(a.configCmd())
	root.AddCommand(a.trainCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "synapse v%s\n", version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the process logger before any
// subcommand runs.
func (a *app) setup(_ *cobra.Command, _ []string) error {
	var (
		cfg *config.Config
		err error
	)
	if a.cfgPath != "" {
		cfg, err = config.LoadFromPath(a.cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a.cfg = cfg
	a.log = logging.New(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(a.log)
	return nil
}

func (a *app) configPath() string {
	if a.cfgPath != "" {
		return a.cfgPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".synapse", "config.yaml")
}
