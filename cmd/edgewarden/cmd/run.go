package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgewarden/edgewarden/internal/runtime"
	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/logging"
	"github.com/edgewarden/edgewarden/pkg/shutdown"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the edgewarden daemon",
	Long: `Starts the supervisor, health monitor, telemetry client and local API,
then blocks until SIGTERM or SIGINT.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewComponentLogger(cfg.LogDir, "edgewarden", logging.ParseLevel(cfg.LogLevel), true)
	if err != nil {
		logger = logging.NewLogger(logging.ParseLevel(cfg.LogLevel), true)
	}
	defer logger.Close()

	logger.Info("Starting edgewarden", map[string]interface{}{
		"device_id": cfg.DeviceID,
		"data_dir":  cfg.DataDir,
		"workers":   len(cfg.Workers),
	})

	rt, err := runtime.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	if err := rt.Start(); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	mgr := shutdown.New(30 * time.Second)
	mgr.Register(func(ctx context.Context) error {
		rt.Stop(ctx)
		return nil
	})

	mgr.Wait()
	mgr.Shutdown()
	return nil
}
