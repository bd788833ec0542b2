package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/i5heu/suit-platform/internal/config"
	"github.com/i5heu/suit-platform/pkg/logging"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "suitctl",
	Short: "suitctl drives the SUIT platform: compression, in-place updateable components and copies.",
	Long: `suitctl drives the SUIT platform outside of a device. It produces LZMA2 ` +
		`payloads, decompresses them through the decompression filter and runs ` +
		`copy directives against a simulated memory map described by a YAML file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML platform configuration (built-in layout when empty)")
	rootCmd.PersistentFlags().String("log-level", "", "overrides logLevel from the configuration")
}

// loadConfig reads the --config file and sets up logging from it.
func loadConfig(cmd *cobra.Command) (config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	c := config.Default()
	if path != "" {
		var err error
		c, err = config.Load(path)
		if err != nil {
			return config.Config{}, nil, err
		}
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		c.LogLevel = level
	}

	log, err := logging.New(c.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	log.SetOutput(cmd.ErrOrStderr())
	return c, log, nil
}
