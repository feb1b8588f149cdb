// sensor-reader is a sample worker for the supervisor: it emits a simulated
// sensor reading as one JSON line per interval and keeps its heartbeat file
// fresh so the watchdog can tell it apart from a hung process.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgewarden/edgewarden/pkg/sdk"
)

type reading struct {
	Sensor      string  `json:"sensor"`
	Temperature float64 `json:"temperature_celsius"`
	Humidity    float64 `json:"humidity_percent"`
	Timestamp   float64 `json:"timestamp"`
}

func main() {
	interval := flag.Duration("interval", 5*time.Second, "seconds between readings")
	sensor := flag.String("sensor", "ambient", "sensor name to report")
	flag.Parse()

	w := sdk.NewWorker("sensor-reader")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	enc := json.NewEncoder(os.Stdout)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	w.Heartbeat()
	for w.ShouldRun() {
		select {
		case <-sigCh:
			w.Stop()
		case <-ticker.C:
			w.Heartbeat()
			r := reading{
				Sensor:      *sensor,
				Temperature: 20.0 + rand.Float64()*10.0,
				Humidity:    40.0 + rand.Float64()*20.0,
				Timestamp:   float64(time.Now().UnixNano()) / 1e9,
			}
			if err := enc.Encode(r); err != nil {
				fmt.Fprintln(os.Stderr, "encode:", err)
			}
		}
	}
}
