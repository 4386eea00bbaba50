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
	"github.com/vulcan-sh/vulcan/internal/manager/runtimesnapshot"
	"github.com/vulcan-sh/vulcan/internal/manager/scheduler"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/rpc"
	"github.com/vulcan-sh/vulcan/internal/store"
)

type createFunctionRequest struct {
	Name           string            `json:"name"`
	Runtime        string            `json:"runtime"`
	CodeBlob       []byte            `json:"code_blob"`
	Handler        string            `json:"handler"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	MemMiB         int               `json:"mem_mib"`
	VCPUs          int               `json:"vcpus"`
	Env            map[string]string `json:"env,omitempty"`
	KernelPath     string            `json:"kernel_path"`
	RootfsPath     string            `json:"rootfs_path"`
	NetworkID      string            `json:"network_id,omitempty"`
	BridgeName     string            `json:"bridge_name,omitempty"`
	VMMVersion     string            `json:"vmm_version"`
}

// handleCreateFunction registers the Function definition and immediately
// warms a backing VM for it from the runtime's golden RuntimeSnapshot,
// falling back to cold boot (spec.md §4.4), matching Container semantics.
func (s *Server) handleCreateFunction(w http.ResponseWriter, r *http.Request) {
	var req createFunctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}
	switch req.Runtime {
	case model.RuntimeNode, model.RuntimePython, model.RuntimeGo, model.RuntimeRust:
	default:
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "unrecognized runtime", nil))
		return
	}
	if req.VCPUs <= 0 || req.MemMiB <= 0 || req.Handler == "" {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "vcpus, mem_mib and handler are required", nil))
		return
	}

	now := time.Now().UTC()
	f := &model.Function{
		ID: model.NewID(), Name: req.Name, Runtime: req.Runtime, CodeBlob: req.CodeBlob, Handler: req.Handler,
		TimeoutSeconds: req.TimeoutSeconds, MemMiB: req.MemMiB, VCPUs: req.VCPUs, Env: req.Env,
		State: model.FunctionCreating, CreatedAt: now, UpdatedAt: now,
	}
	if p, ok := auth.FromContext(r.Context()); ok {
		f.CreatedByUserID = &p.UserID
	}

	host, err := s.scheduler.Select(r.Context(), scheduler.Request{VCPUs: req.VCPUs, MemMiB: req.MemMiB, NetworkID: req.NetworkID})
	if err != nil {
		s.handleErr(w, err, "schedule function")
		return
	}

	if err := s.store.CreateFunction(r.Context(), f); err != nil {
		s.handleErr(w, err, "create function")
		return
	}

	src := runtimesnapshot.ImageSource{
		RuntimeImage: req.Runtime, KernelPath: req.KernelPath, RootfsPath: req.RootfsPath,
		VCPUs: req.VCPUs, MemMiB: req.MemMiB, NetworkID: req.NetworkID, BridgeName: req.BridgeName,
	}
	var vmID, guestIP string
	restoreResult, err := s.snapshots.Restore(r.Context(), host, req.VMMVersion, src)
	switch {
	case err == nil:
		vmID, guestIP = restoreResult.VMID, restoreResult.GuestIP
	case errors.Is(err, runtimesnapshot.ErrColdFallback):
		vmID, err = s.coldBootFunctionVM(r.Context(), host, src, f)
		if err != nil {
			_ = s.store.UpdateFunctionState(r.Context(), f.ID, model.FunctionError)
			s.handleErr(w, err, "cold boot function vm failed")
			return
		}
	default:
		_ = s.store.UpdateFunctionState(r.Context(), f.ID, model.FunctionError)
		s.handleErr(w, err, "restore function failed")
		return
	}

	if err := s.store.BindFunctionVM(r.Context(), f.ID, vmID, guestIP, 0); err != nil {
		s.handleErr(w, err, "bind function vm")
		return
	}
	if err := s.store.UpdateFunctionState(r.Context(), f.ID, model.FunctionReady); err != nil {
		s.logger.Error("mark function ready", "function_id", f.ID, "error", err)
	}

	f, err = s.store.GetFunction(r.Context(), f.ID)
	if err != nil {
		s.handleErr(w, err, "reload function")
		return
	}
	s.writeJSON(w, http.StatusCreated, f)
}

func (s *Server) coldBootFunctionVM(ctx context.Context, host *model.Host, src runtimesnapshot.ImageSource, f *model.Function) (string, error) {
	vmID := model.NewID()
	vm := &model.VM{
		ID: vmID, Name: "function-" + f.ID, HostID: host.ID, VCPUs: src.VCPUs, MemMiB: src.MemMiB,
		KernelPath: src.KernelPath, RootfsPath: src.RootfsPath, State: model.VMCreating,
		Tags: []string{"type:function"}, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateVM(ctx, vm); err != nil {
		return "", err
	}

	client := s.newClient(host)
	nics := []rpc.NICSpec{}
	if src.NetworkID != "" {
		nic, err := resolveNIC(ctx, s.store, rpc.NICSpec{IfaceID: "eth0", NetworkID: src.NetworkID, BridgeName: src.BridgeName})
		if err != nil {
			return "", err
		}
		nics = append(nics, nic)
	}
	result, err := client.CreateVM(ctx, rpc.CreateVMRequest{
		VMID: vmID, Name: vm.Name, VCPUs: src.VCPUs, MemMiB: src.MemMiB,
		KernelPath: src.KernelPath, RootfsPath: src.RootfsPath, NICs: nics,
	})
	if err != nil {
		_ = s.store.UpdateVMState(ctx, vmID, model.VMError, apierr.Wrap(err, "create_vm failed").FaultMessage)
		return "", err
	}
	_ = s.store.SetVMRuntimeInfo(ctx, vmID, result.APISocketPath, firstOrEmpty(result.TAPNames), result.LogPath, result.SupervisionUnit)
	_ = s.store.UpdateVMState(ctx, vmID, model.VMBooting, "")
	return vmID, nil
}

func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.store.GetFunction(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "function not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get function")
		return
	}
	if err := s.store.TouchFunctionInvoked(r.Context(), id); err != nil {
		s.logger.Error("touch function invoked", "function_id", id, "error", err)
	}
	s.writeJSON(w, http.StatusOK, f)
}

type listFunctionsResponse struct {
	Functions []*model.Function `json:"functions"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(parseIntQuery(r, "limit", defaultListLimit))
	offset := parseIntQuery(r, "offset", 0)
	p, _ := auth.FromContext(r.Context())
	fns, total, err := s.store.ListFunctions(r.Context(), auth.FilterFor(p, limit, offset))
	if err != nil {
		s.handleErr(w, err, "list functions")
		return
	}
	if fns == nil {
		fns = []*model.Function{}
	}
	s.writeJSON(w, http.StatusOK, listFunctionsResponse{Functions: fns, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleDeleteFunction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.store.GetFunction(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.handleErr(w, err, "get function")
		return
	}

	if f.BackingVMID != nil {
		if vm, err := s.store.GetVM(r.Context(), *f.BackingVMID); err == nil {
			if host, err := s.store.GetHost(r.Context(), vm.HostID); err == nil {
				if err := s.newClient(host).DeleteVM(r.Context(), *f.BackingVMID); err != nil {
					s.handleErr(w, err, "agent delete_vm failed")
					return
				}
				_ = s.store.DeleteVM(r.Context(), *f.BackingVMID)
			}
		}
	}

	if err := s.store.DeleteFunction(r.Context(), id); err != nil {
		s.handleErr(w, err, "delete function")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
