package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nerrad567/coap-gateway/internal/bridges/coap"
	"github.com/nerrad567/coap-gateway/internal/history"
)

// historyResponse is the body of GET /api/v1/history.
type historyResponse struct {
	Resource string          `json:"resource,omitempty"`
	Count    int             `json:"count"`
	Entries  []history.Entry `json:"entries"`
}

// handleListHistory returns stored readings newest first.
//
// Query parameters: resource (optional, one of LED, temp, tempVar) and
// limit (1..200, default 50).
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "history is disabled")
		return
	}

	resource := r.URL.Query().Get("resource")
	if resource != "" && !coap.Resource(resource).Valid() {
		writeBadRequest(w, "unknown resource")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, err := s.history.List(r.Context(), resource, limit)
	if err != nil {
		s.logger.Error("listing history failed", "resource", resource, "error", err)
		writeInternalError(w, "failed to list history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Resource: resource,
		Count:    len(entries),
		Entries:  entries,
	})
}

// parseHistoryLimit parses the limit query parameter.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return history.DefaultLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > history.MaxLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}

	return limit, nil
}
