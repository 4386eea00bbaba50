package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vulcan-sh/vulcan/internal/agent/netctl"
	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/rpc"
)

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req rpc.CreateVMRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, "decode create_vm request")
		return
	}
	result, err := s.vmm.CreateVM(r.Context(), req)
	if err != nil {
		writeErr(w, err, "create vm")
		return
	}
	writeResult(w, result)
}

func (s *Server) handleRestoreVM(w http.ResponseWriter, r *http.Request) {
	var req rpc.RestoreVMRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, "decode restore_vm request")
		return
	}
	result, err := s.vmm.RestoreVM(r.Context(), req)
	if err != nil {
		writeErr(w, err, "restore vm")
		return
	}
	writeResult(w, result)
}

func (s *Server) handleUpdateVMState(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")
	var req rpc.UpdateVMStateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, "decode update_vm_state request")
		return
	}
	if err := s.vmm.UpdateState(r.Context(), vmID, req.Action); err != nil {
		writeErr(w, err, "update vm state")
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")
	if err := s.vmm.DeleteVM(r.Context(), vmID); err != nil {
		writeErr(w, err, "delete vm")
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleAttachDrive(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")
	var req rpc.AttachDriveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, "decode attach_drive request")
		return
	}
	if err := s.vmm.AttachDrive(r.Context(), vmID, req.Drive); err != nil {
		writeErr(w, err, "attach drive")
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleDetachDrive(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")
	driveID := chi.URLParam(r, "driveID")
	if err := s.vmm.DetachDrive(r.Context(), vmID, driveID); err != nil {
		writeErr(w, err, "detach drive")
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleAttachNIC(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")
	var req rpc.AttachNICRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, "decode attach_nic request")
		return
	}
	if err := s.vmm.AttachNIC(r.Context(), vmID, req.NIC); err != nil {
		writeErr(w, err, "attach nic")
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleDetachNIC(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")
	ifaceID := chi.URLParam(r, "ifaceID")
	if err := s.vmm.DetachNIC(r.Context(), vmID, ifaceID); err != nil {
		writeErr(w, err, "detach nic")
		return
	}
	writeResult(w, nil)
}

// portForwardRuleID names the iptables comment tag identifying a single
// rule so Unprogram can remove exactly it later (netctl has no native
// rule-ID concept to key off of).
func portForwardRuleID(vmID, protocol string, hostPort int) string {
	return fmt.Sprintf("vulcan-%s-%s-%d", vmID, protocol, hostPort)
}

func (s *Server) handleCreatePortForward(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")
	var req rpc.ProgramPortForwardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err, "decode port forward request")
		return
	}

	guestIP, err := s.vmm.GuestIP(vmID)
	if err != nil {
		writeErr(w, err, "resolve guest ip")
		return
	}
	if err := netctl.EnsureChain(); err != nil {
		writeErr(w, apierr.New(apierr.HostLocalError, "ensure port-forward chain", err), "program port forward")
		return
	}
	ruleID := portForwardRuleID(vmID, req.Protocol, req.HostPort)
	if err := netctl.Program(ruleID, req.HostPort, req.GuestPort, req.Protocol, guestIP); err != nil {
		writeErr(w, apierr.New(apierr.HostLocalError, "program nat rule", err), "program port forward")
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleDeletePortForward(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")
	protocol := chi.URLParam(r, "protocol")
	hostPort, err := strconv.Atoi(chi.URLParam(r, "hostPort"))
	if err != nil {
		writeErr(w, apierr.New(apierr.ValidationFailed, "invalid host port", err), "delete port forward")
		return
	}

	ruleID := portForwardRuleID(vmID, protocol, hostPort)
	if err := netctl.Unprogram(ruleID); err != nil {
		writeErr(w, apierr.New(apierr.HostLocalError, "unprogram nat rule", err), "delete port forward")
		return
	}
	writeResult(w, nil)
}
