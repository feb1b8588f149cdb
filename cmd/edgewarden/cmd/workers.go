package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Control workers of a running daemon",
}

var pauseCmd = &cobra.Command{
	Use:   "pause <name>",
	Short: "Pause a non-essential worker (SIGSTOP)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postWorkerAction(args[0], "pause")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Resume a paused worker (SIGCONT)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postWorkerAction(args[0], "resume")
	},
}

func init() {
	workersCmd.AddCommand(pauseCmd)
	workersCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(workersCmd)
}

func postWorkerAction(name, action string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("%s/workers/%s/%s", GetAPIAddr(), name, action)

	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", GetAPIAddr(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s failed: %s", action, apiErr.Error)
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("Worker %s: %s OK\n", name, action)
	return nil
}
