package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	apiAddr      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "edgewarden",
	Short: "Edge device runtime supervisor",
	Long: `edgewarden keeps worker processes alive on an edge device, throttles
them when the hardware overheats and ships telemetry through a
crash-safe store-and-forward buffer.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is environment only)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://127.0.0.1:9480", "address of a running daemon's API")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// GetAPIAddr returns the daemon API base URL with trailing slashes removed
func GetAPIAddr() string {
	addr := apiAddr
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}
