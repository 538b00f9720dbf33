package api

import (
	"net/http"
	"time"

	"github.com/iflabx/opencane-gateway/internal/store"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	rt        Runtime
	lifelog   *store.LifelogStore
	version   string
	startTime time.Time
}

func NewHealthHandler(rt Runtime, lifelog *store.LifelogStore, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		rt:        rt,
		lifelog:   lifelog,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Lifelog store check
	if h.lifelog == nil {
		checks["lifelog_store"] = "not_configured"
		status = "degraded"
	} else if _, err := h.lifelog.Timeline(store.TimelineQuery{Limit: 1}); err != nil {
		checks["lifelog_store"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["lifelog_store"] = "ok"
	}

	// Runtime loop check
	if h.rt == nil {
		checks["runtime"] = "not_configured"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		snapshot := h.rt.RuntimeStatus()
		if running, _ := snapshot["running"].(bool); running {
			checks["runtime"] = "ok"
		} else {
			checks["runtime"] = "stopped"
			if status == "healthy" {
				status = "degraded"
			}
		}
		if adapter, _ := snapshot["adapter"].(string); adapter != "" {
			checks["adapter"] = adapter
		}
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
