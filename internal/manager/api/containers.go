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

// createContainerRequest is the JSON body for POST /v1/containers. VCPUs/
// MemMiB/KernelPath/RootfsPath describe the cold-boot fallback VM shape and
// are passed to the warm restore as well; Restore does not compare them with
// the shape of the runtime image's golden RuntimeSnapshot.
type createContainerRequest struct {
	Name          string               `json:"name"`
	ImageRef      string               `json:"image_ref"`
	Command       []string             `json:"command,omitempty"`
	Args          []string             `json:"args,omitempty"`
	Env           map[string]string    `json:"env,omitempty"`
	VolumeMounts  []model.VolumeMount  `json:"volume_mounts,omitempty"`
	PortMappings  []model.PortMapping  `json:"port_mappings,omitempty"`
	CPUCap        int                  `json:"cpu_cap,omitempty"`
	MemCapMiB     int                  `json:"mem_cap_mib,omitempty"`
	RestartPolicy string               `json:"restart_policy,omitempty"`
	VCPUs         int                  `json:"vcpus"`
	MemMiB        int                  `json:"mem_mib"`
	KernelPath    string               `json:"kernel_path"`
	RootfsPath    string               `json:"rootfs_path"`
	NetworkID     string               `json:"network_id,omitempty"`
	BridgeName    string               `json:"bridge_name,omitempty"`
	VMMVersion    string               `json:"vmm_version"`
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	var req createContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}
	if req.ImageRef == "" || req.VCPUs <= 0 || req.MemMiB <= 0 {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "image_ref, vcpus and mem_mib are required", nil))
		return
	}

	now := time.Now().UTC()
	c := &model.Container{
		ID: model.NewID(), Name: req.Name, ImageRef: req.ImageRef, Command: req.Command, Args: req.Args,
		Env: req.Env, VolumeMounts: req.VolumeMounts, PortMappings: req.PortMappings, CPUCap: req.CPUCap,
		MemCapMiB: req.MemCapMiB, RestartPolicy: req.RestartPolicy, State: model.ContainerCreating,
		CreatedAt: now, UpdatedAt: now,
	}
	if p, ok := auth.FromContext(r.Context()); ok {
		c.CreatedByUserID = &p.UserID
	}

	src := runtimesnapshot.ImageSource{
		RuntimeImage: req.ImageRef, KernelPath: req.KernelPath, RootfsPath: req.RootfsPath,
		VCPUs: req.VCPUs, MemMiB: req.MemMiB, NetworkID: req.NetworkID, BridgeName: req.BridgeName,
	}
	host, err := s.scheduler.Select(r.Context(), scheduler.Request{VCPUs: req.VCPUs, MemMiB: req.MemMiB, NetworkID: req.NetworkID})
	if err != nil {
		s.handleErr(w, err, "schedule container")
		return
	}
	c.HostID = host.ID

	if err := s.store.CreateContainer(r.Context(), c); err != nil {
		s.handleErr(w, err, "create container")
		return
	}

	restoreResult, err := s.snapshots.Restore(r.Context(), host, req.VMMVersion, src)
	if err == nil {
		if err := s.store.SetContainerBoot(r.Context(), c.ID, restoreResult.VMID, model.BootWarm, model.ContainerRunning); err != nil {
			s.handleErr(w, err, "persist container warm boot")
			return
		}
	} else if errors.Is(err, runtimesnapshot.ErrColdFallback) {
		vmID, cerr := s.coldBootContainerVM(r.Context(), host, src, c)
		if cerr != nil {
			_ = s.store.UpdateContainerState(r.Context(), c.ID, model.ContainerError)
			s.handleErr(w, cerr, "cold boot container vm failed")
			return
		}
		if err := s.store.SetContainerBoot(r.Context(), c.ID, vmID, model.BootCold, model.ContainerBooting); err != nil {
			s.handleErr(w, err, "persist container cold boot")
			return
		}
	} else {
		_ = s.store.UpdateContainerState(r.Context(), c.ID, model.ContainerError)
		s.handleErr(w, err, "restore container failed")
		return
	}

	c, err = s.store.GetContainer(r.Context(), c.ID)
	if err != nil {
		s.handleErr(w, err, "reload container")
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

// coldBootContainerVM launches a fresh backing VM the ordinary way when no
// warm RuntimeSnapshot is usable (spec.md §4.4 "Failure semantics").
func (s *Server) coldBootContainerVM(ctx context.Context, host *model.Host, src runtimesnapshot.ImageSource, c *model.Container) (string, error) {
	vmID := model.NewID()
	vm := &model.VM{
		ID: vmID, Name: "container-" + c.ID, HostID: host.ID, VCPUs: src.VCPUs, MemMiB: src.MemMiB,
		KernelPath: src.KernelPath, RootfsPath: src.RootfsPath, State: model.VMCreating,
		Tags: []string{"type:container"}, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
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

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetContainer(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "container not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get container")
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

type listContainersResponse struct {
	Containers []*model.Container `json:"containers"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(parseIntQuery(r, "limit", defaultListLimit))
	offset := parseIntQuery(r, "offset", 0)
	p, _ := auth.FromContext(r.Context())
	containers, total, err := s.store.ListContainers(r.Context(), auth.FilterFor(p, limit, offset))
	if err != nil {
		s.handleErr(w, err, "list containers")
		return
	}
	if containers == nil {
		containers = []*model.Container{}
	}
	s.writeJSON(w, http.StatusOK, listContainersResponse{Containers: containers, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetContainer(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.handleErr(w, err, "get container")
		return
	}

	if c.VMID != "" {
		if vm, err := s.store.GetVM(r.Context(), c.VMID); err == nil {
			if host, err := s.store.GetHost(r.Context(), vm.HostID); err == nil {
				if err := s.newClient(host).DeleteVM(r.Context(), c.VMID); err != nil {
					s.handleErr(w, err, "agent delete_vm failed")
					return
				}
				_ = s.store.DeleteVM(r.Context(), c.VMID)
			}
		}
	}

	if err := s.store.DeleteContainer(r.Context(), id); err != nil {
		s.handleErr(w, err, "delete container")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
