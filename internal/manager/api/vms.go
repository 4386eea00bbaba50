package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/manager/auth"
	"github.com/vulcan-sh/vulcan/internal/manager/scheduler"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/rpc"
	"github.com/vulcan-sh/vulcan/internal/store"
)

// createVMRequest is the JSON body for POST /v1/vms.
type createVMRequest struct {
	Name             string               `json:"name"`
	VCPUs            int                  `json:"vcpus"`
	MemMiB           int                  `json:"mem_mib"`
	KernelPath       string               `json:"kernel_path"`
	RootfsPath       string               `json:"rootfs_path"`
	Drives           []rpc.DriveSpec      `json:"drives"`
	NICs             []rpc.NICSpec        `json:"nics"`
	Tags             []string             `json:"tags,omitempty"`
	SourceTemplateID string               `json:"source_template_id,omitempty"`
	Credential       *rpc.CredentialSpec  `json:"credential,omitempty"`
}

type listVMsResponse struct {
	VMs    []*model.VM `json:"vms"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req createVMRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}

	if req.SourceTemplateID != "" {
		tmpl, err := s.store.GetTemplate(r.Context(), req.SourceTemplateID)
		if errors.Is(err, store.ErrNotFound) {
			s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "template not found", nil))
			return
		}
		if err != nil {
			s.handleErr(w, err, "get template")
			return
		}
		if req.VCPUs == 0 {
			req.VCPUs = tmpl.VCPUs
		}
		if req.MemMiB == 0 {
			req.MemMiB = tmpl.MemMiB
		}
		if req.KernelPath == "" {
			req.KernelPath = tmpl.KernelPath
		}
		if req.RootfsPath == "" {
			req.RootfsPath = tmpl.RootfsPath
		}
	}

	sreq := scheduler.Request{VCPUs: req.VCPUs, MemMiB: req.MemMiB}
	if len(req.NICs) > 0 {
		sreq.NetworkID = req.NICs[0].NetworkID
	}
	if err := s.scheduler.Validate(sreq); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, err.Error(), nil))
		return
	}

	host, err := s.scheduler.Select(r.Context(), sreq)
	if err != nil {
		s.handleErr(w, err, "schedule vm")
		return
	}

	for i, n := range req.NICs {
		resolved, err := resolveNIC(r.Context(), s.store, n)
		if err != nil {
			s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "network not found", err))
			return
		}
		req.NICs[i] = resolved
	}

	now := time.Now().UTC()
	vmID := model.NewID()
	vm := &model.VM{
		ID:         vmID,
		Name:       req.Name,
		HostID:     host.ID,
		VCPUs:      req.VCPUs,
		MemMiB:     req.MemMiB,
		KernelPath: req.KernelPath,
		RootfsPath: req.RootfsPath,
		State:      model.VMCreating,
		Tags:       req.Tags,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.SourceTemplateID != "" {
		vm.SourceTemplateID = &req.SourceTemplateID
	}
	if p, ok := auth.FromContext(r.Context()); ok {
		vm.CreatedByUserID = &p.UserID
	}

	if err := s.store.CreateVM(r.Context(), vm); err != nil {
		s.handleErr(w, err, "create vm")
		return
	}

	client := s.newClient(host)
	result, err := client.CreateVM(r.Context(), rpc.CreateVMRequest{
		VMID:       vmID,
		Name:       req.Name,
		VCPUs:      req.VCPUs,
		MemMiB:     req.MemMiB,
		KernelPath: req.KernelPath,
		RootfsPath: req.RootfsPath,
		Drives:     req.Drives,
		NICs:       req.NICs,
		Credential: req.Credential,
	})
	if err != nil {
		msg := apierr.Wrap(err, "agent create_vm failed").FaultMessage
		if uerr := s.store.UpdateVMState(r.Context(), vmID, model.VMError, msg); uerr != nil {
			s.logger.Error("mark vm create failure", "vm_id", vmID, "error", uerr)
		}
		s.handleErr(w, err, "agent create_vm failed")
		return
	}

	if err := s.store.SetVMRuntimeInfo(r.Context(), vmID, result.APISocketPath, firstOrEmpty(result.TAPNames), result.LogPath, result.SupervisionUnit); err != nil {
		s.logger.Error("set vm runtime info", "vm_id", vmID, "error", err)
	}
	if err := s.store.UpdateVMState(r.Context(), vmID, model.VMBooting, ""); err != nil {
		s.logger.Error("mark vm booting", "vm_id", vmID, "error", err)
	}

	for _, d := range req.Drives {
		_ = s.store.AddVMDrive(r.Context(), &model.VMDrive{
			ID: model.NewID(), VMID: vmID, DriveID: d.DriveID, HostPath: d.HostPath,
			IsRootDevice: d.IsRootDevice, ReadOnly: d.ReadOnly, SizeBytes: d.SizeBytes,
			CacheHint: d.CacheHint, IOEngine: d.IOEngine,
		})
	}
	for _, n := range req.NICs {
		_ = s.store.AddVMNIC(r.Context(), &model.VMNIC{
			ID: model.NewID(), VMID: vmID, IfaceID: n.IfaceID, HostDevName: n.BridgeName,
			GuestMAC: n.GuestMAC, RateLimiter: n.RateLimiter, NetworkID: n.NetworkID,
		})
	}

	vm, err = s.store.GetVM(r.Context(), vmID)
	if err != nil {
		s.handleErr(w, err, "reload created vm")
		return
	}
	s.writeJSON(w, http.StatusCreated, vm)
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	vm, err := s.store.GetVM(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "vm not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get vm")
		return
	}
	s.writeJSON(w, http.StatusOK, vm)
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(parseIntQuery(r, "limit", defaultListLimit))
	offset := parseIntQuery(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	p, _ := auth.FromContext(r.Context())
	vms, total, err := s.store.ListVMs(r.Context(), auth.FilterFor(p, limit, offset))
	if err != nil {
		s.handleErr(w, err, "list vms")
		return
	}
	if vms == nil {
		vms = []*model.VM{}
	}
	s.writeJSON(w, http.StatusOK, listVMsResponse{VMs: vms, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	vm, err := s.store.GetVM(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		// Idempotent: deleting an already-gone VM succeeds (spec.md §10).
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.handleErr(w, err, "get vm")
		return
	}

	host, err := s.store.GetHost(r.Context(), vm.HostID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.handleErr(w, err, "get host")
		return
	}
	if host != nil {
		client := s.newClient(host)
		if err := client.DeleteVM(r.Context(), id); err != nil {
			s.handleErr(w, err, "agent delete_vm failed")
			return
		}
	}

	if err := s.store.DeleteVM(r.Context(), id); err != nil {
		s.handleErr(w, err, "delete vm")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateVMStateRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleUpdateVMState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateVMStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}
	if !model.ValidVMAction(req.Action) {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "unrecognized action", nil))
		return
	}

	vm, err := s.store.GetVM(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "vm not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get vm")
		return
	}

	target, ok := vmTargetState(req.Action)
	if ok && vm.State == target {
		// stop/pause/resume/start are idempotent (spec.md §4.1, §8 scenario
		// 2): a VM already in the requested state is a no-op success, not a
		// transition-guard failure, and never reaches the Agent.
		s.writeJSON(w, http.StatusOK, vm)
		return
	}
	if ok && !model.ValidVMTransition(vm.State, target) {
		s.writeAPIError(w, apierr.New(apierr.PrecheckFailed, "invalid state transition for current vm state", nil))
		return
	}

	host, err := s.store.GetHost(r.Context(), vm.HostID)
	if err != nil {
		s.handleErr(w, err, "get host")
		return
	}
	client := s.newClient(host)
	if err := client.UpdateVMState(r.Context(), id, rpc.UpdateVMStateRequest{Action: req.Action}); err != nil {
		s.handleErr(w, err, "agent update_vm_state failed")
		return
	}

	if ok {
		if err := s.store.UpdateVMState(r.Context(), id, target, ""); err != nil {
			s.logger.Error("persist vm state transition", "vm_id", id, "error", err)
		}
	}

	vm, err = s.store.GetVM(r.Context(), id)
	if err != nil {
		s.handleErr(w, err, "reload vm")
		return
	}
	s.writeJSON(w, http.StatusOK, vm)
}

// vmTargetState maps a state-change action to the resulting VM state.
// flush_metrics and ctrl_alt_del don't change the persisted state machine.
func vmTargetState(action string) (string, bool) {
	switch action {
	case model.VMActionStart, model.VMActionResume:
		return model.VMRunning, true
	case model.VMActionStop:
		return model.VMStopped, true
	case model.VMActionPause:
		return model.VMPaused, true
	default:
		return "", false
	}
}

type attachDriveRequest struct {
	Drive rpc.DriveSpec `json:"drive"`
}

func (s *Server) handleAttachDrive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req attachDriveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}

	vm, err := s.store.GetVM(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "vm not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get vm")
		return
	}
	host, err := s.store.GetHost(r.Context(), vm.HostID)
	if err != nil {
		s.handleErr(w, err, "get host")
		return
	}
	if err := s.newClient(host).AttachDrive(r.Context(), id, rpc.AttachDriveRequest{Drive: req.Drive}); err != nil {
		s.handleErr(w, err, "agent attach_drive failed")
		return
	}
	if err := s.store.AddVMDrive(r.Context(), &model.VMDrive{
		ID: model.NewID(), VMID: id, DriveID: req.Drive.DriveID, HostPath: req.Drive.HostPath,
		IsRootDevice: req.Drive.IsRootDevice, ReadOnly: req.Drive.ReadOnly,
		SizeBytes: req.Drive.SizeBytes, CacheHint: req.Drive.CacheHint, IOEngine: req.Drive.IOEngine,
	}); err != nil {
		s.handleErr(w, err, "persist drive attachment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDetachDrive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	driveID := chi.URLParam(r, "driveID")

	vm, err := s.store.GetVM(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "vm not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get vm")
		return
	}
	host, err := s.store.GetHost(r.Context(), vm.HostID)
	if err != nil {
		s.handleErr(w, err, "get host")
		return
	}
	if err := s.newClient(host).DetachDrive(r.Context(), id, driveID); err != nil {
		s.handleErr(w, err, "agent detach_drive failed")
		return
	}
	if err := s.store.RemoveVMDrive(r.Context(), id, driveID); err != nil {
		s.handleErr(w, err, "persist drive detachment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attachNICRequest struct {
	NIC rpc.NICSpec `json:"nic"`
}

func (s *Server) handleAttachNIC(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req attachNICRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}

	vm, err := s.store.GetVM(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "vm not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get vm")
		return
	}

	resolved, err := resolveNIC(r.Context(), s.store, req.NIC)
	if err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "network not found", err))
		return
	}
	req.NIC = resolved

	host, err := s.store.GetHost(r.Context(), vm.HostID)
	if err != nil {
		s.handleErr(w, err, "get host")
		return
	}
	if err := s.newClient(host).AttachNIC(r.Context(), id, rpc.AttachNICRequest{NIC: req.NIC}); err != nil {
		s.handleErr(w, err, "agent attach_nic failed")
		return
	}
	if err := s.store.AddVMNIC(r.Context(), &model.VMNIC{
		ID: model.NewID(), VMID: id, IfaceID: req.NIC.IfaceID, HostDevName: req.NIC.BridgeName,
		GuestMAC: req.NIC.GuestMAC, RateLimiter: req.NIC.RateLimiter, NetworkID: req.NIC.NetworkID,
	}); err != nil {
		s.handleErr(w, err, "persist nic attachment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDetachNIC(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ifaceID := chi.URLParam(r, "ifaceID")

	vm, err := s.store.GetVM(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "vm not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get vm")
		return
	}
	host, err := s.store.GetHost(r.Context(), vm.HostID)
	if err != nil {
		s.handleErr(w, err, "get host")
		return
	}
	if err := s.newClient(host).DetachNIC(r.Context(), id, ifaceID); err != nil {
		s.handleErr(w, err, "agent detach_nic failed")
		return
	}
	if err := s.store.RemoveVMNIC(r.Context(), id, ifaceID); err != nil {
		s.handleErr(w, err, "persist nic detachment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createPortForwardRequest struct {
	HostPort  int    `json:"host_port"`
	GuestPort int    `json:"guest_port"`
	Protocol  string `json:"protocol"`
}

// handleCreatePortForward reserves (host_port, protocol) in the Manager's
// own store first (invariant I5), then asks the Agent to program the NAT
// rule as a second-line check.
func (s *Server) handleCreatePortForward(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req createPortForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}
	if req.Protocol != "tcp" && req.Protocol != "udp" {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "protocol must be tcp or udp", nil))
		return
	}

	vm, err := s.store.GetVM(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "vm not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get vm")
		return
	}

	pf := &model.PortForward{ID: model.NewID(), VMID: id, HostPort: req.HostPort, GuestPort: req.GuestPort, Protocol: req.Protocol}
	if err := s.store.CreatePortForward(r.Context(), pf); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.writeAPIError(w, apierr.New(apierr.Conflict, "host_port/protocol already in use", nil))
			return
		}
		s.handleErr(w, err, "create port forward")
		return
	}

	host, err := s.store.GetHost(r.Context(), vm.HostID)
	if err != nil {
		s.handleErr(w, err, "get host")
		return
	}
	if err := s.newClient(host).ProgramPortForward(r.Context(), id, rpc.ProgramPortForwardRequest{
		HostPort: req.HostPort, GuestPort: req.GuestPort, Protocol: req.Protocol,
	}); err != nil {
		_ = s.store.DeletePortForward(r.Context(), pf.ID)
		s.handleErr(w, err, "agent program_port_forward failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, pf)
}

func (s *Server) handleListPortForwards(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pfs, err := s.store.ListPortForwards(r.Context(), id)
	if err != nil {
		s.handleErr(w, err, "list port forwards")
		return
	}
	if pfs == nil {
		pfs = []*model.PortForward{}
	}
	s.writeJSON(w, http.StatusOK, pfs)
}

func (s *Server) handleDeletePortForward(w http.ResponseWriter, r *http.Request) {
	pfID := chi.URLParam(r, "pfID")
	pf, err := s.store.GetPortForward(r.Context(), pfID)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.handleErr(w, err, "get port forward")
		return
	}
	if err := s.store.DeletePortForward(r.Context(), pfID); err != nil {
		s.handleErr(w, err, "delete port forward")
		return
	}
	if vm, err := s.store.GetVM(r.Context(), pf.VMID); err == nil {
		if host, err := s.store.GetHost(r.Context(), vm.HostID); err == nil {
			if err := s.newClient(host).DeletePortForward(r.Context(), pf.VMID, pf.Protocol, pf.HostPort); err != nil {
				s.logger.Warn("agent unprogram port forward failed", "vm_id", pf.VMID, "error", err)
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type createSnapshotRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}
	if req.Kind == "" {
		req.Kind = rpc.SnapshotKindFull
	}

	vm, err := s.store.GetVM(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "vm not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get vm")
		return
	}
	if vm.State != model.VMPaused {
		s.writeAPIError(w, apierr.New(apierr.PrecheckFailed, "vm must be paused to snapshot", nil))
		return
	}

	host, err := s.store.GetHost(r.Context(), vm.HostID)
	if err != nil {
		s.handleErr(w, err, "get host")
		return
	}
	result, err := s.newClient(host).CreateSnapshot(r.Context(), id, rpc.CreateSnapshotRequest{Kind: req.Kind})
	if err != nil {
		s.handleErr(w, err, "agent create_snapshot failed")
		return
	}

	snap := &model.Snapshot{
		ID: model.NewID(), VMID: id, SnapshotPath: result.DiskPath, MemFilePath: result.MemoryPath,
		SizeBytes: result.DiskSizeB + result.MemorySizeB, State: model.SnapshotReady, CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateSnapshot(r.Context(), snap); err != nil {
		s.handleErr(w, err, "persist snapshot")
		return
	}
	s.writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snaps, err := s.store.ListSnapshotsByVM(r.Context(), id)
	if err != nil {
		s.handleErr(w, err, "list snapshots")
		return
	}
	if snaps == nil {
		snaps = []*model.Snapshot{}
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

// resolveNIC fills in any Network-derived fields a NICSpec omitted
// (bridge name, VLAN tag, VXLAN identifier, CIDR/gateway) by looking up
// the Network row, so the Agent always receives enough information to
// pick its provisioning mechanism without a second round trip.
func resolveNIC(ctx context.Context, st store.Store, n rpc.NICSpec) (rpc.NICSpec, error) {
	net, err := st.GetNetwork(ctx, n.NetworkID)
	if err != nil {
		return rpc.NICSpec{}, err
	}
	if n.BridgeName == "" {
		n.BridgeName = net.BridgeName
	}
	n.NetworkType = net.Type
	if n.VLANID == nil {
		n.VLANID = net.VLANID
	}
	if n.VNI == nil {
		n.VNI = net.VNI
	}
	n.CIDR = net.CIDR
	n.Gateway = net.Gateway
	return n, nil
}
