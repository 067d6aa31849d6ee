package handlers

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/linuxmuster/lmn-authority/pkg/authority/devices"
	"github.com/linuxmuster/lmn-authority/pkg/authority/startconf"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string     `json:"status"`
	Version       string     `json:"version"`
	UptimeSeconds int64      `json:"uptimeSeconds"`
	HostCount     int        `json:"hostCount"`
	ConfigCount   int        `json:"configCount"`
	LastChange    *time.Time `json:"lastChange"`
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	devices   *devices.Adapter
	startconf *startconf.Adapter
	version   string
	startedAt time.Time
}

// NewHealthHandler creates a health handler. startedAt anchors the uptime
// counter.
func NewHealthHandler(dev *devices.Adapter, sc *startconf.Adapter, version string) *HealthHandler {
	return &HealthHandler{
		devices:   dev,
		startconf: sc,
		version:   version,
		startedAt: time.Now(),
	}
}

// Health handles GET /health. The service is degraded when it holds no
// hosts and no configs at all, which usually means both sources failed to
// load.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	hostCount := h.devices.Len()
	configCount := h.startconf.Len()

	status := "ok"
	if hostCount == 0 && configCount == 0 {
		status = "degraded"
	}

	var lastChange *time.Time
	latest := h.devices.LastModified()
	if sc := h.startconf.LastModified(); sc.After(latest) {
		latest = sc
	}
	if !latest.IsZero() {
		lastChange = &latest
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		HostCount:     hostCount,
		ConfigCount:   configCount,
		LastChange:    lastChange,
	})
}

// Ready handles GET /ready. Readiness requires both filesystem sources to
// exist; a 503 names what is missing.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	var missing []string
	if _, err := os.Stat(h.devices.Path()); err != nil {
		missing = append(missing, "devices.csv not found at "+h.devices.Path())
	}
	if info, err := os.Stat(h.startconf.Dir()); err != nil || !info.IsDir() {
		missing = append(missing, "start.conf directory not found at "+h.startconf.Dir())
	}

	if len(missing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Ready:  false,
			Reason: strings.Join(missing, "; "),
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Ready: true})
}
