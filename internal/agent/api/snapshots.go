package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vulcan-sh/vulcan/internal/rpc"
)

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")
	var req rpc.CreateSnapshotRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, "decode create_snapshot request")
		return
	}
	result, err := s.vmm.CreateSnapshot(r.Context(), vmID, req.Kind)
	if err != nil {
		writeErr(w, err, "create snapshot")
		return
	}
	writeResult(w, result)
}
