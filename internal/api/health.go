package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/transcript-engine/internal/ingest"
	"github.com/snarg/transcript-engine/internal/pipeline"
)

type HealthResponse struct {
	Status        string                `json:"status"`
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Checks        map[string]string     `json:"checks"`
	Queue         *pipeline.QueueStats  `json:"queue,omitempty"`
	Watcher       *ingest.WatcherStatus `json:"watcher,omitempty"`
}

// Pinger is satisfied by the database and the summary cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Connector reports broker connectivity.
type Connector interface {
	IsConnected() bool
}

// HealthDeps lists what the health endpoint reports on. Nil entries are
// shown as not_configured.
type HealthDeps struct {
	Database Pinger
	Cache    Pinger
	MQTT     Connector
	Queue    func() pipeline.QueueStats
	Watcher  func() ingest.WatcherStatus
}

type HealthHandler struct {
	deps      HealthDeps
	version   string
	startTime time.Time
}

func NewHealthHandler(deps HealthDeps, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{deps: deps, version: version, startTime: startTime}
}

// ServeHTTP answers 503 only when the job store is unreachable; a lost
// cache or broker degrades the service but jobs still run.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.deps.Database != nil {
		if err := h.deps.Database.Ping(ctx); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "memory"
	}

	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(ctx); err != nil {
			checks["cache"] = "error"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["cache"] = "ok"
		}
	} else {
		checks["cache"] = "memory"
	}

	if h.deps.MQTT != nil {
		if h.deps.MQTT.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.deps.Queue != nil {
		q := h.deps.Queue()
		resp.Queue = &q
	}
	if h.deps.Watcher != nil {
		ws := h.deps.Watcher()
		resp.Watcher = &ws
		checks["file_watcher"] = ws.Status
	} else {
		checks["file_watcher"] = "not_configured"
	}

	WriteJSON(w, httpStatus, resp)
}
