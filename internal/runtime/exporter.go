package runtime

import (
	"bytes"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/edgewarden/edgewarden/pkg/metrics"
	"github.com/edgewarden/edgewarden/pkg/supervisor"
	"github.com/edgewarden/edgewarden/pkg/telemetry"
)

// namespace prefixes every exported metric name.
const namespace = "edgewarden"

var workerStates = []supervisor.WorkerState{
	supervisor.StateStopped,
	supervisor.StateRunning,
	supervisor.StatePaused,
	supervisor.StateRestarting,
	supervisor.StateFailed,
}

// Exporter exposes runtime metrics in Prometheus text format: the internal
// counter/gauge sink, per-worker state and restart counts, and the
// telemetry buffer depth.
type Exporter struct {
	sink     *metrics.Collector
	sup      *supervisor.Supervisor
	client   *telemetry.Client
	registry *promclient.Registry
}

// NewExporter builds an exporter backed by a private registry so the
// process never leaks client library defaults into the scrape output.
func NewExporter(sink *metrics.Collector, sup *supervisor.Supervisor, client *telemetry.Client) *Exporter {
	e := &Exporter{
		sink:     sink,
		sup:      sup,
		client:   client,
		registry: promclient.NewRegistry(),
	}
	e.registry.MustRegister(e)
	return e
}

// Describe implements prometheus.Collector. The metric set is dynamic
// (counters appear as the runtime touches them), so the exporter is
// registered unchecked.
func (e *Exporter) Describe(ch chan<- *promclient.Desc) {}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- promclient.Metric) {
	counters, gauges := e.sink.Snapshot()

	for name, value := range counters {
		desc := promclient.NewDesc(
			namespace+"_"+name+"_total",
			"Runtime counter "+name,
			nil, nil,
		)
		ch <- promclient.MustNewConstMetric(desc, promclient.CounterValue, float64(value))
	}
	for name, value := range gauges {
		desc := promclient.NewDesc(
			namespace+"_"+name,
			"Runtime gauge "+name,
			nil, nil,
		)
		ch <- promclient.MustNewConstMetric(desc, promclient.GaugeValue, value)
	}

	stateDesc := promclient.NewDesc(
		namespace+"_worker_state",
		"Worker lifecycle state (1 for the current state, 0 otherwise)",
		[]string{"worker", "state"}, nil,
	)
	restartDesc := promclient.NewDesc(
		namespace+"_worker_restart_count",
		"Restarts performed for the worker since registration",
		[]string{"worker"}, nil,
	)
	for name, status := range e.sup.StatusAll() {
		for _, state := range workerStates {
			v := 0.0
			if status.State == state {
				v = 1.0
			}
			ch <- promclient.MustNewConstMetric(stateDesc, promclient.GaugeValue, v, name, string(state))
		}
		ch <- promclient.MustNewConstMetric(restartDesc, promclient.GaugeValue, float64(status.RestartCount), name)
	}

	bufferDesc := promclient.NewDesc(
		namespace+"_buffer_rows",
		"Telemetry payloads waiting in the store-and-forward buffer",
		nil, nil,
	)
	ch <- promclient.MustNewConstMetric(bufferDesc, promclient.GaugeValue, float64(e.client.BufferedCount()))
}

// ServeHTTP renders the registry in the Prometheus text exposition format.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	families, err := e.registry.Gather()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error gathering metrics: %v", err), http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			http.Error(w, fmt.Sprintf("Error encoding metric %s: %v", mf.GetName(), err), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write(buf.Bytes())
}
