package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/manager/auth"
	"github.com/vulcan-sh/vulcan/internal/manager/scheduler"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/rpc"
	"github.com/vulcan-sh/vulcan/internal/store"
)

type createTemplateRequest struct {
	Name       string   `json:"name"`
	VCPUs      int      `json:"vcpus"`
	MemMiB     int      `json:"mem_mib"`
	KernelPath string   `json:"kernel_path"`
	RootfsPath string   `json:"rootfs_path"`
	Tags       []string `json:"tags,omitempty"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}
	if req.Name == "" || req.VCPUs <= 0 || req.MemMiB <= 0 {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "name, vcpus and mem_mib are required", nil))
		return
	}

	t := &model.Template{
		ID: model.NewID(), Name: req.Name, VCPUs: req.VCPUs, MemMiB: req.MemMiB,
		KernelPath: req.KernelPath, RootfsPath: req.RootfsPath, Tags: strings.Join(req.Tags, ","),
		CreatedAt: time.Now().UTC(),
	}
	if p, ok := auth.FromContext(r.Context()); ok {
		t.CreatedByUserID = &p.UserID
	}
	if err := s.store.CreateTemplate(r.Context(), t); err != nil {
		s.handleErr(w, err, "create template")
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.GetTemplate(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "template not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get template")
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tmpls, err := s.store.ListTemplates(r.Context())
	if err != nil {
		s.handleErr(w, err, "list templates")
		return
	}
	if tmpls == nil {
		tmpls = []*model.Template{}
	}
	s.writeJSON(w, http.StatusOK, tmpls)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteTemplate(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.handleErr(w, err, "delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type instantiateTemplateRequest struct {
	Name string        `json:"name"`
	NICs []rpc.NICSpec `json:"nics,omitempty"`
}

// handleInstantiateTemplate clones a Template into a new VM row with
// source_template_id set (spec.md §6), scheduling and dispatching it
// exactly like POST /v1/vms.
func (s *Server) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req instantiateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}

	t, err := s.store.GetTemplate(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "template not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get template")
		return
	}

	sreq := scheduler.Request{VCPUs: t.VCPUs, MemMiB: t.MemMiB}
	if len(req.NICs) > 0 {
		sreq.NetworkID = req.NICs[0].NetworkID
	}
	host, err := s.scheduler.Select(r.Context(), sreq)
	if err != nil {
		s.handleErr(w, err, "schedule instantiated vm")
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
	name := req.Name
	if name == "" {
		name = t.Name + "-" + vmID
	}
	vm := &model.VM{
		ID: vmID, Name: name, HostID: host.ID, SourceTemplateID: &t.ID, VCPUs: t.VCPUs, MemMiB: t.MemMiB,
		KernelPath: t.KernelPath, RootfsPath: t.RootfsPath, State: model.VMCreating, CreatedAt: now, UpdatedAt: now,
	}
	if t.Tags != "" {
		vm.Tags = strings.Split(t.Tags, ",")
	}
	if p, ok := auth.FromContext(r.Context()); ok {
		vm.CreatedByUserID = &p.UserID
	}
	if err := s.store.CreateVM(r.Context(), vm); err != nil {
		s.handleErr(w, err, "create vm from template")
		return
	}

	client := s.newClient(host)
	result, err := client.CreateVM(r.Context(), rpc.CreateVMRequest{
		VMID: vmID, Name: name, VCPUs: t.VCPUs, MemMiB: t.MemMiB,
		KernelPath: t.KernelPath, RootfsPath: t.RootfsPath, NICs: req.NICs,
	})
	if err != nil {
		_ = s.store.UpdateVMState(r.Context(), vmID, model.VMError, apierr.Wrap(err, "create_vm failed").FaultMessage)
		s.handleErr(w, err, "agent create_vm failed")
		return
	}
	_ = s.store.SetVMRuntimeInfo(r.Context(), vmID, result.APISocketPath, firstOrEmpty(result.TAPNames), result.LogPath, result.SupervisionUnit)
	_ = s.store.UpdateVMState(r.Context(), vmID, model.VMBooting, "")
	for _, n := range req.NICs {
		_ = s.store.AddVMNIC(r.Context(), &model.VMNIC{
			ID: model.NewID(), VMID: vmID, IfaceID: n.IfaceID, HostDevName: n.BridgeName, NetworkID: n.NetworkID,
		})
	}

	vm, err = s.store.GetVM(r.Context(), vmID)
	if err != nil {
		s.handleErr(w, err, "reload instantiated vm")
		return
	}
	s.writeJSON(w, http.StatusCreated, vm)
}
