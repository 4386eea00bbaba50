package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/store"
)

var clientUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var agentDialer = websocket.Dialer{}

// handleSerialProxy proxies a client's WebSocket connection through to the
// owning Host Agent's serial console endpoint (spec.md §3.2 "GET
// /v1/vms/{id}/serial"). The Manager never buffers console bytes; it just
// bridges two WebSocket connections.
func (s *Server) handleSerialProxy(w http.ResponseWriter, r *http.Request) {
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

	host, err := s.store.GetHost(r.Context(), vm.HostID)
	if err != nil {
		s.handleErr(w, err, "get host")
		return
	}

	agentURL := agentWebSocketURL(host.Address, id)
	agentConn, _, err := agentDialer.Dial(agentURL, nil)
	if err != nil {
		s.writeAPIError(w, apierr.New(apierr.Unavailable, "agent serial endpoint unreachable", err))
		return
	}
	defer agentConn.Close()

	clientConn, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("serial websocket upgrade failed", "vm_id", id, "error", err)
		return
	}
	defer clientConn.Close()

	done := make(chan struct{}, 2)
	go proxyWSMessages(agentConn, clientConn, done)
	go proxyWSMessages(clientConn, agentConn, done)
	<-done
}

// agentWebSocketURL rewrites an Agent's HTTP base address into the
// ws(s):// URL for its serial endpoint.
func agentWebSocketURL(agentAddress, vmID string) string {
	u := agentAddress
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/v1/vms/" + vmID + "/serial"
}

// proxyWSMessages copies messages from src to dst until either side closes
// or errors, then signals done exactly once.
func proxyWSMessages(dst, src *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}
