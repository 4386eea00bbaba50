package vmm

import (
	"context"
	"io"
	"testing"

	"github.com/creack/pty"
)

func TestDeleteVMUnknownVMIsIdempotent(t *testing.T) {
	m := &Manager{vms: map[string]*vmState{}}

	if err := m.DeleteVM(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("DeleteVM on unknown vm id: %v, want nil (idempotent)", err)
	}
}

func TestAttachSerialUnknownVM(t *testing.T) {
	m := &Manager{vms: map[string]*vmState{}}

	if _, err := m.AttachSerial("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown vm id")
	}
}

func TestAttachSerialNoConsoleAttached(t *testing.T) {
	m := &Manager{vms: map[string]*vmState{
		"vm-1": {},
	}}

	if _, err := m.AttachSerial("vm-1"); err == nil {
		t.Fatal("expected error when vm has no serial console")
	}
}

func TestAttachSerialBridgesPTY(t *testing.T) {
	master, slave, err := pty.Open()
	if err != nil {
		t.Fatalf("pty.Open: %v", err)
	}
	defer slave.Close()

	m := &Manager{vms: map[string]*vmState{
		"vm-1": {serial: master},
	}}

	console, err := m.AttachSerial("vm-1")
	if err != nil {
		t.Fatalf("AttachSerial: %v", err)
	}

	const msg = "hello console\n"
	go func() {
		io.WriteString(slave, msg)
	}()

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(console, buf); err != nil {
		t.Fatalf("read from console: %v", err)
	}
	if string(buf) != msg {
		t.Errorf("read %q, want %q", buf, msg)
	}

	// Closing the returned handle must not close the underlying pty master:
	// DeleteVM, not a dropped websocket, owns that lifecycle.
	if err := console.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := master.Write([]byte("x")); err != nil {
		t.Errorf("master still usable after console.Close(): %v", err)
	}
}
