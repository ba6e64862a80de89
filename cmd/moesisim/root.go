package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sarchlab/moesisim/timing/config"
)

type app struct {
	out     io.Writer
	logger  *log.Logger
	envFile string
	config  string
}

func newRootCmd(out io.Writer, logger *log.Logger) *cobra.Command {
	a := &app{out: out, logger: logger}

	root := &cobra.Command{
		Use:   "moesisim",
		Short: "Cycle-accurate MOESI cache coherence simulator.",
		Long: `moesisim models private caches kept coherent by the MOESI ` +
			`protocol over a shared snooping bus. It runs random stress ` +
			`traffic, directed protocol scenarios and reports performance ` +
			`metrics.`,
		SilenceUsage: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&a.envFile, "env", ".env",
		"Environment file loaded before MOESISIM_* variables are applied")
	root.PersistentFlags().StringVar(&a.config, "config", "",
		"Path to a system configuration JSON file")

	root.AddCommand(
		a.runCmd(),
		a.scenarioCmd(),
		a.metricsCmd(),
		a.configCmd(),
	)

	return root
}

// loadConfig resolves the system configuration: defaults, then the config
// file, then the environment.
func (a *app) loadConfig() (*config.SystemConfig, error) {
	if a.envFile != "" {
		err := godotenv.Load(a.envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", a.envFile, err)
		}
	}

	cfg := config.DefaultSystemConfig()
	if a.config != "" {
		var err error
		cfg, err = config.LoadConfig(a.config)
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}
