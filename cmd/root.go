// Package cmd holds the cutout command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaos-io/cutout/config"
	"github.com/chaos-io/cutout/logging"
)

type globalOptions struct {
	configFile string
	envFile    string
}

// load resolves the configuration for cmd and configures logging from it.
func (o *globalOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(config.Options{
		File:   o.configFile,
		DotEnv: o.envFile,
		Flags:  cmd.Flags(),
	})
	if err != nil {
		return config.Config{}, err
	}
	if err := logging.Configure(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		return config.Config{}, fmt.Errorf("configure logging: %w", err)
	}
	return cfg, nil
}

func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "cutout",
		Short:         "Batch background removal",
		Long:          "cutout removes image backgrounds in batches, optionally placing the cut-outs on a colour or photo.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "cutout.yaml", "YAML config file (skipped when missing)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before CUTOUT_* variables")
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCommand(opts),
		newProcessCommand(opts),
		newJobsCommand(opts),
	)
	return root
}
