package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averonhq/agentupdate/scheduler"
)

type staticReporter scheduler.Status

func (r staticReporter) LastResult() scheduler.Status {
	return scheduler.Status(r)
}

func TestReadyServer_makeResponse(t *testing.T) {
	lastCheck := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		status scheduler.Status
		wantOK bool
	}{
		{
			name:   "Running without errors => HTTP 200",
			status: scheduler.Status{Running: true, LastCheck: &lastCheck},
			wantOK: true,
		},
		{
			name:   "Running before the first check => HTTP 200",
			status: scheduler.Status{Running: true},
			wantOK: true,
		},
		{
			name:   "Stopped => no HTTP 200",
			status: scheduler.Status{LastCheck: &lastCheck},
		},
		{
			name:   "Latest check failed => no HTTP 200",
			status: scheduler.Status{Running: true, LastCheck: &lastCheck, Error: "connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStatusCode := makeResponse(tt.status)
			if tt.wantOK {
				assert.Equal(t, http.StatusOK, gotStatusCode)
			} else {
				assert.Equal(t, http.StatusServiceUnavailable, gotStatusCode)
			}
		})
	}
}

func TestReadyServerServeHTTP(t *testing.T) {
	lastCheck := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rs := NewReadyServer(staticReporter{Running: true, LastCheck: &lastCheck, TargetVersion: "2.0.0"})

	rec := httptest.NewRecorder()
	rs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":200,"running":true,"lastCheck":"2026-03-01T12:00:00Z"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	rs.StatusHandler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"running":true,"interval":0,"lastCheck":"2026-03-01T12:00:00Z","targetVersion":"2.0.0"}`, rec.Body.String())
}
