package metrics

import (
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/averonhq/agentupdate/scheduler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusReporter reports the outcome of the latest update check.
type StatusReporter interface {
	LastResult() scheduler.Status
}

// ReadyServer serves HTTP 200 while the scheduler is running and its latest check did not
// fail. Intended for k8s readiness checks.
type ReadyServer struct {
	reporter StatusReporter
}

// NewReadyServer initializes a ReadyServer over the scheduler status.
func NewReadyServer(reporter StatusReporter) *ReadyServer {
	return &ReadyServer{reporter: reporter}
}

type body struct {
	Status    int        `json:"status"`
	Running   bool       `json:"running"`
	LastCheck *time.Time `json:"lastCheck,omitempty"`
}

// ServeHTTP responds with HTTP 200 if the scheduler is healthy.
func (rs *ReadyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := rs.reporter.LastResult()
	statusCode := makeResponse(status)
	writeJSON(w, statusCode, body{
		Status:    statusCode,
		Running:   status.Running,
		LastCheck: status.LastCheck,
	})
}

// StatusHandler responds with the full status of the latest check.
func (rs *ReadyServer) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rs.reporter.LastResult())
}

// This is the bulk of the logic for ServeHTTP, broken into its own pure function
// to make unit testing easy.
func makeResponse(status scheduler.Status) int {
	if !status.Running || status.Error != "" {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	msg, err := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error": "%s"}`, err)
		return
	}
	w.WriteHeader(statusCode)
	_, _ = w.Write(msg)
}
