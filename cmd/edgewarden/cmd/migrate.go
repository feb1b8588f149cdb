package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/logging"
	"github.com/edgewarden/edgewarden/pkg/telemetry"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Import legacy per-payload JSON files into the sqlite buffer",
	Long: `Earlier releases buffered undelivered telemetry as one JSON file per
payload next to the buffer database. migrate imports those files into the
sqlite queue and removes them; unreadable files are moved to a .quarantine
directory instead of being deleted. Run this while the daemon is stopped.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), false)

	buffer, err := telemetry.NewBuffer(cfg.BufferPath(), cfg.BufferMaxRows, logger)
	if err != nil {
		return fmt.Errorf("failed to open telemetry buffer: %w", err)
	}
	defer buffer.Close()

	report, err := telemetry.MigrateV1Files(buffer, logger)
	if err != nil {
		return err
	}

	fmt.Printf("Migrated %d payload(s), quarantined %d file(s)\n", report.Migrated, report.Quarantined)
	return nil
}
