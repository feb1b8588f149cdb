package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/edgewarden/edgewarden/pkg/supervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workers, health and telemetry of a running daemon",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusResponse mirrors the daemon's GET /status payload.
type statusResponse struct {
	DeviceID string                       `json:"device_id"`
	Workers  map[string]supervisor.Status `json:"workers"`
	Health   struct {
		Status string `json:"status"`
		Stat   *struct {
			CPUPercent    float64 `json:"cpu_percent"`
			MemoryPercent float64 `json:"memory_percent"`
			DiskPercent   float64 `json:"disk_usage_percent"`
			Temperature   float64 `json:"temperature_celsius"`
		} `json:"stat"`
	} `json:"health"`
	Telemetry struct {
		CircuitState     string `json:"circuit_state"`
		BufferedPayloads int    `json:"buffered_payloads"`
		Counters         struct {
			SentOK     int64 `json:"sent_ok"`
			SendFailed int64 `json:"send_failed"`
			Flushed    int64 `json:"flushed"`
		} `json:"counters"`
	} `json:"telemetry"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(GetAPIAddr() + "/status")
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", GetAPIAddr(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result statusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Device: %s\n", result.DeviceID)
	fmt.Printf("Health: %s", result.Health.Status)
	if s := result.Health.Stat; s != nil {
		fmt.Printf("  (cpu %.1f%%, mem %.1f%%, disk %.1f%%, temp %.1f°C)",
			s.CPUPercent, s.MemoryPercent, s.DiskPercent, s.Temperature)
	}
	fmt.Println()
	fmt.Printf("Telemetry: circuit %s, %d buffered, %d sent, %d failed, %d flushed\n\n",
		result.Telemetry.CircuitState,
		result.Telemetry.BufferedPayloads,
		result.Telemetry.Counters.SentOK,
		result.Telemetry.Counters.SendFailed,
		result.Telemetry.Counters.Flushed)

	if len(result.Workers) == 0 {
		fmt.Println("No workers registered")
		return nil
	}

	names := make([]string, 0, len(result.Workers))
	for name := range result.Workers {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Worker", "State", "PID", "Restarts", "Essential")
	for _, name := range names {
		w := result.Workers[name]
		pid := "-"
		if w.PID > 0 {
			pid = fmt.Sprintf("%d", w.PID)
		}
		essential := "no"
		if w.Essential {
			essential = "yes"
		}
		table.Append(name, string(w.State), pid, fmt.Sprintf("%d", w.RestartCount), essential)
	}
	table.Render()
	return nil
}
