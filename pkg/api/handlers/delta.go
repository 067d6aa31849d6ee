package handlers

import (
	"net/http"
	"regexp"

	"github.com/linuxmuster/lmn-authority/internal/logger"
	"github.com/linuxmuster/lmn-authority/pkg/authority/changelog"
)

// cursorPattern matches the "timestamp:sequence" cursor form.
var cursorPattern = regexp.MustCompile(`^\d+:\d+$`)

// DeltaHandler serves the incremental change feed.
type DeltaHandler struct {
	changelog *changelog.Store
}

// NewDeltaHandler creates a delta feed handler.
func NewDeltaHandler(cl *changelog.Store) *DeltaHandler {
	return &DeltaHandler{changelog: cl}
}

// Changes handles GET /api/v1/linbo/changes?since=<cursor>. An empty
// cursor yields a full snapshot.
func (h *DeltaHandler) Changes(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if since != "" && !cursorPattern.MatchString(since) {
		writeValidationError(w,
			"Cursor must be in format 'timestamp:sequence' or empty for full snapshot")
		return
	}

	resp, err := h.changelog.GetChanges(since)
	if err != nil {
		logger.Error("delta feed query failed", logger.KeyError, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to compute changes")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
