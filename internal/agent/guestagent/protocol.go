// Package guestagent dials the in-guest introspection daemon over
// Firecracker's vsock Unix-socket bridge and speaks its length-prefixed
// JSON protocol.
package guestagent

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single framed payload.
const MaxMessageSize = 1 << 20

// Message types exchanged between the Host Agent and guestinit. Every
// frame carries one of these so the receiving side can tell PingRequest{}
// apart from ClearNetworkRequest{}, which otherwise both encode to "{}"
// (mirrors the teacher's own Type-discriminated vsock envelope,
// internal/backend/firecracker.GuestMessage).
const (
	TypePing         = "ping"
	TypeClearNetwork = "clear_network"
)

// Envelope is the wire frame for every message on this protocol.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PingRequest asks the guest-init daemon to report readiness.
type PingRequest struct{}

// PingResponse reports whether the guest's container runtime has started
// and the IP address the guest believes it holds (spec.md §4.4 step 2).
type PingResponse struct {
	Ready          bool   `json:"ready"`
	ContainerReady bool   `json:"container_runtime_ready"`
	GuestIP        string `json:"guest_ip,omitempty"`
}

// ClearNetworkRequest asks the guest to drop its current DHCP lease.
type ClearNetworkRequest struct{}

// ClearNetworkResponse acknowledges the lease drop.
type ClearNetworkResponse struct {
	OK bool `json:"ok"`
}

// WriteEnvelope writes a length-prefixed Envelope{Type, Payload} frame,
// where Payload is v's JSON encoding. Exported so guestinit's server side
// (a distinct package, running inside the guest) can use the same framing
// without duplicating it.
func WriteEnvelope(w io.Writer, msgType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(Envelope{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// ReadEnvelope reads one length-prefixed Envelope frame from r.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Envelope{}, fmt.Errorf("read length prefix: %w", err)
	}
	if length > MaxMessageSize {
		return Envelope{}, fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Envelope{}, fmt.Errorf("read payload: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// writeMessage is WriteEnvelope(w, msgType, v), used by the client
// side (Conn.Ping/ClearNetwork), which always knows what it's sending.
func writeMessage(w io.Writer, msgType string, v any) error {
	return WriteEnvelope(w, msgType, v)
}

// readMessage reads one envelope from r and decodes its payload into v,
// used by the client side, which always knows what response shape to
// expect for the request it just sent.
func readMessage(r io.Reader, v any) error {
	env, err := ReadEnvelope(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(env.Payload, v)
}
