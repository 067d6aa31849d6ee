package handlers

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/linuxmuster/lmn-authority/pkg/authority/startconf"
)

// idPattern restricts config ids to word characters, dots and dashes.
var idPattern = regexp.MustCompile(`^[\w._-]+$`)

// BatchStartConfsRequest is the body of POST /startconfs:batch.
type BatchStartConfsRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=100"`
}

// BatchStartConfsResponse lists the found raw configs.
type BatchStartConfsResponse struct {
	StartConfs []startconf.RawRecord `json:"startConfs"`
}

// BatchConfigsRequest is the body of POST /configs:batch.
type BatchConfigsRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=100"`
}

// BatchConfigsResponse lists the found parsed configs.
type BatchConfigsResponse struct {
	Configs []startconf.ParsedRecord `json:"configs"`
}

// StartConfsHandler serves raw and parsed start.conf lookups.
type StartConfsHandler struct {
	startconf *startconf.Adapter
}

// NewStartConfsHandler creates a start.conf handler.
func NewStartConfsHandler(sc *startconf.Adapter) *StartConfsHandler {
	return &StartConfsHandler{startconf: sc}
}

func validateIDs(w http.ResponseWriter, ids []string) bool {
	for _, id := range ids {
		if !idPattern.MatchString(id) {
			writeValidationError(w, fmt.Sprintf("Invalid config ID format: %s", id))
			return false
		}
	}
	return true
}

// Batch handles POST /api/v1/linbo/startconfs:batch.
func (h *StartConfsHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var body BatchStartConfsRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if !validateIDs(w, body.IDs) {
		return
	}

	confs := []startconf.RawRecord{}
	for _, id := range body.IDs {
		if rec, ok := h.startconf.GetRaw(id); ok {
			confs = append(confs, rec)
		}
	}

	writeJSON(w, http.StatusOK, BatchStartConfsResponse{StartConfs: confs})
}

// Get handles GET /api/v1/linbo/startconf?id=<group>.
func (h *StartConfsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if !idPattern.MatchString(id) {
		writeValidationError(w, fmt.Sprintf("Invalid config ID format: %s", id))
		return
	}

	rec, ok := h.startconf.GetRaw(id)
	if !ok {
		writeNotFound(w, fmt.Sprintf("No start.conf found with id '%s'", id))
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// BatchConfigs handles POST /api/v1/linbo/configs:batch, serving the
// parsed representation.
func (h *StartConfsHandler) BatchConfigs(w http.ResponseWriter, r *http.Request) {
	var body BatchConfigsRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if !validateIDs(w, body.IDs) {
		return
	}

	configs := []startconf.ParsedRecord{}
	for _, id := range body.IDs {
		if rec, ok := h.startconf.GetParsed(id); ok {
			configs = append(configs, rec)
		}
	}

	writeJSON(w, http.StatusOK, BatchConfigsResponse{Configs: configs})
}
