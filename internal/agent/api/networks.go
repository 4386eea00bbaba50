package api

import (
	"net/http"

	"github.com/vulcan-sh/vulcan/internal/agent/netctl"
	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/rpc"
)

// handleProgramVXLAN installs or refreshes the VTEP/FDB entries for a
// VXLAN overlay Network on this Host (spec.md's resolved Network-types
// Open Question). Safe to call repeatedly as a Network's peer set grows.
func (s *Server) handleProgramVXLAN(w http.ResponseWriter, r *http.Request) {
	var req rpc.ProgramVXLANRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, "decode program_vxlan request")
		return
	}
	if err := netctl.EnsureVXLAN(req.VNI, req.BridgeName, req.LocalVTEP, req.Peers); err != nil {
		writeErr(w, apierr.New(apierr.HostLocalError, "program vxlan", err), "program vxlan")
		return
	}
	writeResult(w, nil)
}
