package runtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/edgewarden/edgewarden/pkg/supervisor"
)

// apiServer exposes the local control surface. It binds to loopback by
// default and carries no authentication; remote exposure is a deployment
// decision, not something this daemon encourages.
type apiServer struct {
	rt *Runtime
}

func newAPIServer(rt *Runtime) *apiServer {
	return &apiServer{rt: rt}
}

// router wires all HTTP routes.
func (a *apiServer) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.handleHealth).Methods("GET")
	r.HandleFunc("/status", a.handleStatus).Methods("GET")
	r.HandleFunc("/stats", a.handleStats).Methods("GET")
	r.HandleFunc("/workers/{name}/pause", a.handlePause).Methods("POST")
	r.HandleFunc("/workers/{name}/resume", a.handleResume).Methods("POST")
	r.Handle("/metrics", a.rt.exporter).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// GET /health
func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rt.monitor.GetReport())
}

// StatusResponse is the full device snapshot returned by GET /status.
type StatusResponse struct {
	DeviceID  string                       `json:"device_id"`
	Workers   map[string]supervisor.Status `json:"workers"`
	Health    interface{}                  `json:"health"`
	Telemetry interface{}                  `json:"telemetry"`
}

// GET /status
func (a *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		DeviceID:  a.rt.cfg.DeviceID,
		Workers:   a.rt.sup.StatusAll(),
		Health:    a.rt.monitor.GetReport(),
		Telemetry: a.rt.client.Stats(),
	})
}

// GET /stats
func (a *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rt.client.Stats())
}

// POST /workers/{name}/pause
func (a *apiServer) handlePause(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := a.rt.sup.Pause(name); err != nil {
		writeError(w, supervisorErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker": name, "state": string(supervisor.StatePaused)})
}

// POST /workers/{name}/resume
func (a *apiServer) handleResume(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := a.rt.sup.Resume(name); err != nil {
		writeError(w, supervisorErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker": name, "state": string(supervisor.StateRunning)})
}

func supervisorErrorStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrEssentialWorker), errors.Is(err, supervisor.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
