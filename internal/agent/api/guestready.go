package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vulcan-sh/vulcan/internal/agent/guestagent"
	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/rpc"
)

// handleGuestReady relays a readiness probe to the guest-init daemon over
// its vsock bridge (spec.md §4.4 restore-path step 4 and the
// snapshot-creation pipeline's guest-ready poll).
func (s *Server) handleGuestReady(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")

	udsPath, err := s.vmm.VsockPath(vmID)
	if err != nil {
		writeErr(w, err, "resolve vsock path")
		return
	}

	conn, err := guestagent.Dial(r.Context(), udsPath, guestagent.DefaultPort)
	if err != nil {
		// Not yet listening is the common case just after boot; report
		// not-ready rather than surfacing it as a Host-local failure.
		writeResult(w, rpc.GuestReadyResponse{Ready: false})
		return
	}
	defer conn.Close()

	ping, err := conn.Ping()
	if err != nil {
		writeErr(w, apierr.New(apierr.HostLocalError, "ping guest agent", err), "guest ready")
		return
	}
	writeResult(w, rpc.GuestReadyResponse{
		Ready:          ping.Ready,
		ContainerReady: ping.ContainerReady,
		GuestIP:        ping.GuestIP,
	})
}
