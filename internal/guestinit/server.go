package guestinit

import (
	"context"
	"log"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/vulcan-sh/vulcan/internal/agent/guestagent"
)

// containerRuntimeReadyMarker is the path the in-guest container runtime
// is expected to touch once it has finished starting; its presence is
// guestinit's only signal for GuestReadyResponse.ContainerReady.
const containerRuntimeReadyMarker = "/run/vulcan/container-runtime-ready"

// Server answers Ping and ClearNetwork requests from the Host Agent over
// vsock (spec.md §4.4). Firecracker's vsock device presents the guest side
// as a real AF_VSOCK socket; the Agent dials in through the host-side UDS
// bridge documented in internal/agent/guestagent.
type Server struct {
	iface string
	ln    net.Listener
}

// NewServer constructs a Server bound to guestagent.DefaultPort, ready for
// Serve to be called. iface is the network interface AcquireLease/
// ReleaseLease operate on.
func NewServer(iface string) *Server {
	return &Server{iface: iface}
}

// Serve listens on the well-known introspection vsock port and handles
// connections until the listener is closed.
func (s *Server) Serve() error {
	ln, err := vsock.Listen(guestagent.DefaultPort)
	if err != nil {
		return err
	}
	s.ln = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	for {
		env, err := guestagent.ReadEnvelope(conn)
		if err != nil {
			return
		}
		switch env.Type {
		case guestagent.TypePing:
			if err := guestagent.WriteEnvelope(conn, guestagent.TypePing, s.ping()); err != nil {
				return
			}
		case guestagent.TypeClearNetwork:
			if err := guestagent.WriteEnvelope(conn, guestagent.TypeClearNetwork, s.clearNetwork()); err != nil {
				return
			}
		default:
			return
		}
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}
}

func (s *Server) ping() guestagent.PingResponse {
	return guestagent.PingResponse{
		Ready:          true,
		ContainerReady: pathExists(containerRuntimeReadyMarker),
		GuestIP:        currentAddress(s.iface),
	}
}

func (s *Server) clearNetwork() guestagent.ClearNetworkResponse {
	if err := ReleaseLease(s.iface); err != nil {
		log.Printf("release lease on %s: %v", s.iface, err)
		return guestagent.ClearNetworkResponse{OK: false}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := AcquireLease(ctx, s.iface); err != nil {
		log.Printf("reacquire lease on %s: %v", s.iface, err)
		return guestagent.ClearNetworkResponse{OK: false}
	}
	return guestagent.ClearNetworkResponse{OK: true}
}

func pathExists(path string) bool {
	return exec.Command("test", "-e", path).Run() == nil
}

func currentAddress(iface string) string {
	out, err := exec.Command("sh", "-c", "ip -4 -o addr show dev "+iface+" | awk '{print $4}'").Output()
	if err != nil {
		return ""
	}
	addr := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(addr, '/'); idx >= 0 {
		addr = addr[:idx]
	}
	return addr
}
