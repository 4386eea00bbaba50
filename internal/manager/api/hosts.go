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

type registerHostRequest struct {
	Name         string            `json:"name"`
	Address      string            `json:"address"`
	BridgeNames  []string          `json:"bridge_names,omitempty"`
	RuntimeDir   string            `json:"runtime_dir"`
	ImagesDir    string            `json:"images_dir"`
	CPUTotal     int               `json:"cpu_total"`
	MemTotalMiB  int               `json:"mem_total_mib"`
	DiskTotalMiB int               `json:"disk_total_mib"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

func (s *Server) handleRegisterHost(w http.ResponseWriter, r *http.Request) {
	var req registerHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}
	if req.Name == "" || req.Address == "" {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "name and address are required", nil))
		return
	}

	h := &model.Host{
		ID: model.NewID(), Name: req.Name, Address: req.Address, BridgeNames: req.BridgeNames,
		RuntimeDir: req.RuntimeDir, ImagesDir: req.ImagesDir, CPUTotal: req.CPUTotal,
		MemTotalMiB: req.MemTotalMiB, DiskTotalMiB: req.DiskTotalMiB, Capabilities: req.Capabilities,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateHost(r.Context(), h); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.writeAPIError(w, apierr.New(apierr.Conflict, "host name already registered", nil))
			return
		}
		s.handleErr(w, err, "register host")
		return
	}
	s.writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h, err := s.store.GetHost(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "host not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get host")
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListHosts(r.Context())
	if err != nil {
		s.handleErr(w, err, "list hosts")
		return
	}
	if hosts == nil {
		hosts = []*model.Host{}
	}
	s.writeJSON(w, http.StatusOK, hosts)
}

// handleHostHeartbeat is called by the Agent itself, not by an operator:
// the Manager never polls a Host (spec.md §4.3 note). The Agent carries an
// admin-scoped bearer token provisioned at registration time, same as any
// other caller.
func (s *Server) handleHostHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rpc.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}

	h, err := s.store.GetHost(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "host not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get host")
		return
	}

	h.CPUTotal = req.CPUTotal
	h.MemTotalMiB = req.MemTotalMiB
	h.DiskTotalMiB = req.DiskTotalMiB
	if err := s.store.UpdateHostHeartbeat(r.Context(), id, h); err != nil {
		s.handleErr(w, err, "update host heartbeat")
		return
	}
	if err := s.store.RecordHostMetrics(r.Context(), &model.HostMetrics{
		HostID: id, CPUUsedPct: req.CPUUsedPct, MemUsedMiB: req.MemUsedMiB,
		DiskUsedMiB: req.DiskUsedMiB, RecordedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Error("record host metrics", "host_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
