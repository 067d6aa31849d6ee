package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/linuxmuster/lmn-authority/pkg/authority/devices"
)

// macPattern accepts only the canonical colon-separated form on the wire.
var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// HostPolicies carries the boot policy defaults for PXE-enabled hosts.
type HostPolicies struct {
	BootDefault string `json:"bootDefault"`
	Timeout     int    `json:"timeout"`
	HiddenMenu  bool   `json:"hiddenMenu"`
}

// HostResponse is a host record plus derived boot policies. Policies are
// only present for PXE-enabled hosts.
type HostResponse struct {
	devices.HostRecord
	Policies *HostPolicies `json:"policies"`
}

// BatchHostsRequest is the body of POST /hosts:batch.
type BatchHostsRequest struct {
	MACs []string `json:"macs" validate:"required,min=1,max=500"`
}

// BatchHostsResponse lists the found hosts; unknown MACs are omitted.
type BatchHostsResponse struct {
	Hosts []HostResponse `json:"hosts"`
}

// HostsHandler serves host lookups from the devices adapter.
type HostsHandler struct {
	devices *devices.Adapter
}

// NewHostsHandler creates a hosts handler.
func NewHostsHandler(dev *devices.Adapter) *HostsHandler {
	return &HostsHandler{devices: dev}
}

func hostResponse(rec devices.HostRecord) HostResponse {
	resp := HostResponse{HostRecord: rec}
	if rec.PXEEnabled {
		resp.Policies = &HostPolicies{BootDefault: "sync", Timeout: 5}
	}
	return resp
}

// Batch handles POST /api/v1/linbo/hosts:batch.
func (h *HostsHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var body BatchHostsRequest
	if !decodeBody(w, r, &body) {
		return
	}

	for _, mac := range body.MACs {
		if !macPattern.MatchString(mac) {
			writeValidationError(w, fmt.Sprintf("Invalid MAC format: %s", mac))
			return
		}
	}

	hosts := []HostResponse{}
	for _, mac := range body.MACs {
		if rec, ok := h.devices.Get(strings.ToUpper(mac)); ok {
			hosts = append(hosts, hostResponse(rec))
		}
	}

	writeJSON(w, http.StatusOK, BatchHostsResponse{Hosts: hosts})
}

// Get handles GET /api/v1/linbo/host?mac=AA:BB:CC:DD:EE:FF.
func (h *HostsHandler) Get(w http.ResponseWriter, r *http.Request) {
	mac := r.URL.Query().Get("mac")
	if !macPattern.MatchString(mac) {
		writeValidationError(w, "mac must be in format AA:BB:CC:DD:EE:FF")
		return
	}

	mac = strings.ToUpper(mac)
	rec, ok := h.devices.Get(mac)
	if !ok {
		writeNotFound(w, fmt.Sprintf("No host found with MAC %s", mac))
		return
	}

	writeJSON(w, http.StatusOK, hostResponse(rec))
}
