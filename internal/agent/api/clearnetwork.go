package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vulcan-sh/vulcan/internal/agent/guestagent"
	"github.com/vulcan-sh/vulcan/internal/apierr"
)

// handleClearNetwork relays a lease-drop request to the guest-init daemon,
// used by the snapshot-creation pipeline so a restored clone of a paused
// VM acquires a fresh DHCP lease instead of inheriting the original's
// (spec.md §4.4 step 3).
func (s *Server) handleClearNetwork(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")

	udsPath, err := s.vmm.VsockPath(vmID)
	if err != nil {
		writeErr(w, err, "resolve vsock path")
		return
	}

	conn, err := guestagent.Dial(r.Context(), udsPath, guestagent.DefaultPort)
	if err != nil {
		writeErr(w, apierr.New(apierr.HostLocalError, "dial guest agent", err), "clear guest network")
		return
	}
	defer conn.Close()

	if err := conn.ClearNetwork(); err != nil {
		writeErr(w, apierr.New(apierr.HostLocalError, "clear guest network", err), "clear guest network")
		return
	}
	writeResult(w, nil)
}
