package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/rpc"
	"github.com/vulcan-sh/vulcan/internal/store"
)

func rpcAttachDriveFromVolume(v *model.Volume, driveID string) rpc.AttachDriveRequest {
	return rpc.AttachDriveRequest{Drive: rpc.DriveSpec{
		DriveID: driveID, HostPath: v.HostPath, SizeBytes: &v.SizeBytes,
	}}
}

type createVolumeRequest struct {
	Name      string `json:"name"`
	HostID    string `json:"host_id"`
	HostPath  string `json:"host_path"`
	SizeBytes int64  `json:"size_bytes"`
	Type      string `json:"type"`
}

func (s *Server) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	var req createVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}
	switch req.Type {
	case model.VolumeRaw, model.VolumeQCOW2, model.VolumeExt4:
	default:
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "unrecognized volume type", nil))
		return
	}
	if req.HostID == "" || req.SizeBytes <= 0 {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "host_id and a positive size_bytes are required", nil))
		return
	}

	if _, err := s.store.GetHost(r.Context(), req.HostID); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "host not found", err))
		return
	}

	v := &model.Volume{
		ID: model.NewID(), Name: req.Name, HostID: req.HostID, HostPath: req.HostPath,
		SizeBytes: req.SizeBytes, Type: req.Type, Status: model.VolumeAvailable, CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateVolume(r.Context(), v); err != nil {
		s.handleErr(w, err, "create volume")
		return
	}
	s.writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := s.store.GetVolume(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "volume not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get volume")
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	hostID := r.URL.Query().Get("host_id")
	vols, err := s.store.ListVolumes(r.Context(), hostID)
	if err != nil {
		s.handleErr(w, err, "list volumes")
		return
	}
	if vols == nil {
		vols = []*model.Volume{}
	}
	s.writeJSON(w, http.StatusOK, vols)
}

func (s *Server) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := s.store.GetVolume(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.handleErr(w, err, "get volume")
		return
	}
	if v.Status == model.VolumeAttached {
		s.writeAPIError(w, apierr.New(apierr.PrecheckFailed, "volume is still attached", nil))
		return
	}
	if err := s.store.DeleteVolume(r.Context(), id); err != nil {
		s.handleErr(w, err, "delete volume")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attachVolumeRequest struct {
	VMID    string `json:"vm_id"`
	DriveID string `json:"drive_id"`
}

func (s *Server) handleAttachVolume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req attachVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}

	v, err := s.store.GetVolume(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "volume not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get volume")
		return
	}
	if v.Status == model.VolumeAttached {
		s.writeAPIError(w, apierr.New(apierr.Conflict, "volume already attached", nil))
		return
	}

	vm, err := s.store.GetVM(r.Context(), req.VMID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "vm not found", nil))
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
	if host.ID != v.HostID {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "volume and vm are on different hosts", nil))
		return
	}

	if err := s.newClient(host).AttachDrive(r.Context(), req.VMID, rpcAttachDriveFromVolume(v, req.DriveID)); err != nil {
		s.handleErr(w, err, "agent attach_drive failed")
		return
	}

	a := &model.VolumeAttachment{ID: model.NewID(), VolumeID: id, VMID: req.VMID, DriveID: req.DriveID}
	if err := s.store.AttachVolume(r.Context(), a); err != nil {
		s.handleErr(w, err, "persist volume attachment")
		return
	}
	if err := s.store.UpdateVolumeStatus(r.Context(), id, model.VolumeAttached); err != nil {
		s.logger.Error("update volume status", "volume_id", id, "error", err)
	}
	if err := s.store.AddVMDrive(r.Context(), &model.VMDrive{
		ID: model.NewID(), VMID: req.VMID, DriveID: req.DriveID, HostPath: v.HostPath, ReadOnly: false,
	}); err != nil {
		s.logger.Error("persist vm drive from volume attach", "vm_id", req.VMID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

type detachVolumeRequest struct {
	VMID string `json:"vm_id"`
}

func (s *Server) handleDetachVolume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req detachVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}

	v, err := s.store.GetVolume(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "volume not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get volume")
		return
	}

	vm, err := s.store.GetVM(r.Context(), req.VMID)
	if err == nil {
		host, herr := s.store.GetHost(r.Context(), vm.HostID)
		if herr == nil {
			attachments, _ := s.store.ListVolumeAttachments(r.Context(), id)
			for _, a := range attachments {
				if a.VMID == req.VMID {
					_ = s.newClient(host).DetachDrive(r.Context(), req.VMID, a.DriveID)
					_ = s.store.RemoveVMDrive(r.Context(), req.VMID, a.DriveID)
				}
			}
		}
	}

	if err := s.store.DetachVolume(r.Context(), id, req.VMID); err != nil {
		s.handleErr(w, err, "detach volume")
		return
	}
	if err := s.store.UpdateVolumeStatus(r.Context(), id, model.VolumeAvailable); err != nil {
		s.logger.Error("update volume status", "volume_id", id, "error", err)
	}
	_ = v
	w.WriteHeader(http.StatusNoContent)
}
