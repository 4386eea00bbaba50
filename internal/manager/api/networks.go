package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/rpc"
	"github.com/vulcan-sh/vulcan/internal/store"
)

type createNetworkRequest struct {
	Name        string `json:"name"`
	HostID      string `json:"host_id,omitempty"`
	Type        string `json:"type"`
	BridgeName  string `json:"bridge_name"`
	VLANID      *int   `json:"vlan_id,omitempty"`
	VNI         *int   `json:"vni,omitempty"`
	CIDR        string `json:"cidr,omitempty"`
	Gateway     string `json:"gateway,omitempty"`
	DHCPEnabled bool   `json:"dhcp_enabled"`
	DHCPRangeLo string `json:"dhcp_range_lo,omitempty"`
	DHCPRangeHi string `json:"dhcp_range_hi,omitempty"`
}

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var req createNetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "invalid JSON body", err))
		return
	}

	switch req.Type {
	case model.NetworkNAT, model.NetworkBridged, model.NetworkIsolated, model.NetworkVXLAN:
	default:
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "unrecognized network type", nil))
		return
	}
	if req.VLANID != nil && !model.ValidVLANID(*req.VLANID) {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "vlan_id out of range", nil))
		return
	}
	if req.Type == model.NetworkVXLAN {
		if req.VNI == nil || !model.ValidVNI(*req.VNI) {
			s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "vni out of range", nil))
			return
		}
	} else if req.HostID == "" {
		s.writeAPIError(w, apierr.New(apierr.ValidationFailed, "host_id is required for non-overlay networks", nil))
		return
	}

	n := &model.Network{
		ID: model.NewID(), Name: req.Name, Type: req.Type, BridgeName: req.BridgeName,
		VLANID: req.VLANID, VNI: req.VNI, CIDR: req.CIDR, Gateway: req.Gateway,
		DHCPEnabled: req.DHCPEnabled, DHCPRangeLo: req.DHCPRangeLo, DHCPRangeHi: req.DHCPRangeHi,
		Status: model.NetworkPending,
	}
	if req.HostID != "" {
		n.HostID = &req.HostID
	}
	if err := s.store.CreateNetwork(r.Context(), n); err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.writeAPIError(w, apierr.New(apierr.Conflict, "network name already exists", nil))
			return
		}
		s.handleErr(w, err, "create network")
		return
	}

	if n.Type == model.NetworkVXLAN {
		s.provisionVXLAN(r.Context(), n)
	} else {
		s.provisionHostLocalNetwork(r.Context(), n)
	}

	n, err := s.store.GetNetwork(r.Context(), n.ID)
	if err != nil {
		s.handleErr(w, err, "reload network")
		return
	}
	s.writeJSON(w, http.StatusCreated, n)
}

// provisionHostLocalNetwork activates a nat/bridged/isolated Network. Its
// bridge is brought up lazily by the owning Host's Agent on first NIC
// attach, so there is nothing to dispatch here beyond confirming the Host
// exists and flipping the Network to active.
func (s *Server) provisionHostLocalNetwork(ctx context.Context, n *model.Network) {
	if n.HostID == nil {
		return
	}
	if _, err := s.store.GetHost(ctx, *n.HostID); err != nil {
		s.markNetworkError(ctx, n.ID, "host not found: "+err.Error())
		return
	}
	_ = s.store.UpdateNetworkStatus(ctx, n.ID, model.NetworkActive, "")
}

// provisionVXLAN pushes VTEP/FDB entries to every participating Host.
func (s *Server) provisionVXLAN(ctx context.Context, n *model.Network) {
	hosts, err := s.store.ListNetworkHosts(ctx, n.ID)
	if err != nil {
		s.markNetworkError(ctx, n.ID, "list network hosts: "+err.Error())
		return
	}
	peers := make([]rpc.VXLANPeer, 0, len(hosts))
	for _, h := range hosts {
		peers = append(peers, rpc.VXLANPeer{HostID: h.HostID, VTEPIP: h.VTEPIP})
	}
	for _, h := range hosts {
		host, err := s.store.GetHost(ctx, h.HostID)
		if err != nil {
			continue
		}
		vni := 0
		if n.VNI != nil {
			vni = *n.VNI
		}
		if err := s.newClient(host).ProgramVXLAN(ctx, rpc.ProgramVXLANRequest{
			NetworkID: n.ID, VNI: vni, BridgeName: n.BridgeName, LocalVTEP: h.VTEPIP, Peers: peers,
		}); err != nil {
			s.markNetworkError(ctx, n.ID, "program_vxlan failed on host "+h.HostID+": "+err.Error())
			return
		}
	}
	_ = s.store.UpdateNetworkStatus(ctx, n.ID, model.NetworkActive, "")
}

func (s *Server) markNetworkError(ctx context.Context, id, msg string) {
	if err := s.store.UpdateNetworkStatus(ctx, id, model.NetworkError, msg); err != nil {
		s.logger.Error("mark network error", "network_id", id, "error", err)
	}
}

func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.store.GetNetwork(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeAPIError(w, apierr.New(apierr.NotFound, "network not found", nil))
		return
	}
	if err != nil {
		s.handleErr(w, err, "get network")
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	nets, err := s.store.ListNetworks(r.Context())
	if err != nil {
		s.handleErr(w, err, "list networks")
		return
	}
	if nets == nil {
		nets = []*model.Network{}
	}
	s.writeJSON(w, http.StatusOK, nets)
}

func (s *Server) handleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteNetwork(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.handleErr(w, err, "delete network")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
