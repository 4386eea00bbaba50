package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var serialUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Proxied by the Manager, which already applied CORS and bearer-token
	// checks before dialing in here; the Agent never talks to a browser
	// directly.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSerial upgrades to a WebSocket and bridges raw bytes between the
// caller (the Manager's proxy) and the VM's serial console pty
// (spec.md §4.1 AttachSerial). One binary WebSocket message per chunk of
// console I/O; there is no framing beyond that.
func (s *Server) handleSerial(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")
	console, err := s.vmm.AttachSerial(vmID)
	if err != nil {
		writeErr(w, err, "attach serial console")
		return
	}

	conn, err := serialUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("serial websocket upgrade failed", "vm_id", vmID, "error", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := console.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if _, err := console.Write(data); err != nil {
			break
		}
	}

	<-done
}
