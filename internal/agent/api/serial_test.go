package api

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/vulcan-sh/vulcan/internal/agent/vmm"
	"github.com/vulcan-sh/vulcan/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestVMManager builds a real vmm.Manager against the host's systemd bus.
// Serial-console attach is wired through the VM lifecycle, which needs a
// working Supervisor; without a system bus (e.g. inside an unprivileged
// container) there is nothing this package can fake, so the test skips.
func newTestVMManager(t *testing.T) *vmm.Manager {
	t.Helper()
	cfg := config.AgentConfig{RuntimeDir: t.TempDir(), MaxConcurrentVMs: 4, VsockCIDBase: 1000}
	m, err := vmm.NewManager(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Skipf("vmm.NewManager unavailable in this environment: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestHandleSerialUnknownVMReturnsError(t *testing.T) {
	m := newTestVMManager(t)
	srv := NewServer("127.0.0.1:0", "host-1", m, discardLogger())

	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/vms/does-not-exist/serial"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown vm")
	}
	if resp == nil {
		t.Fatal("expected an HTTP response alongside the dial error")
	}
	if resp.StatusCode/100 == 2 {
		t.Errorf("status = %d, want non-2xx", resp.StatusCode)
	}
}
