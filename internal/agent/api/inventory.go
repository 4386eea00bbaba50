package api

import "net/http"

// handleInventory reports every VM this Agent currently tracks, used
// exclusively by the Manager's reconciler to detect drift against
// persisted state (spec.md §4.3).
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	inv := s.vmm.Inventory(s.hostID)
	writeResult(w, inv)
}
