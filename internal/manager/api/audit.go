package api

import (
	"net/http"

	"github.com/vulcan-sh/vulcan/internal/model"
)

type listAuditResponse struct {
	Entries []*model.AuditLog `json:"entries"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// handleListAudit serves the append-only audit trail, admin-only.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(parseIntQuery(r, "limit", defaultListLimit))
	offset := parseIntQuery(r, "offset", 0)
	entries, err := s.store.ListAudit(r.Context(), limit, offset)
	if err != nil {
		s.handleErr(w, err, "list audit log")
		return
	}
	if entries == nil {
		entries = []*model.AuditLog{}
	}
	s.writeJSON(w, http.StatusOK, listAuditResponse{Entries: entries, Limit: limit, Offset: offset})
}
