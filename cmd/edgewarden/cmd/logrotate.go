package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/logging"
)

var logrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate configuration for the daemon's log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		fmt.Print(logging.GenerateLogrotateConfig(cfg.LogDir))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logrotateCmd)
}
