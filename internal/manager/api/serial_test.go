package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vulcan-sh/vulcan/internal/manager/auth"
	"github.com/vulcan-sh/vulcan/internal/manager/scheduler"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSerialTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeAgentSerial upgrades every request on /v1/vms/{id}/serial and echoes
// back whatever it receives, standing in for a real Host Agent's serial
// console during the Manager-side proxy test.
func fakeAgentSerial(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
}

func TestHandleSerialProxyBridgesClientAndAgent(t *testing.T) {
	s := newSerialTestStore(t)
	agentSrv := fakeAgentSerial(t)
	defer agentSrv.Close()

	host := &model.Host{ID: model.NewID(), Name: "host-a", Address: agentSrv.URL, CreatedAt: time.Now().UTC()}
	if err := s.CreateHost(context.Background(), host); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	vm := &model.VM{
		ID: model.NewID(), Name: "vm-a", HostID: host.ID, VCPUs: 1, MemMiB: 512,
		KernelPath: "/img/vmlinux", RootfsPath: "/img/rootfs.ext4", State: model.VMRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateVM(context.Background(), vm); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	issuer := auth.NewIssuer("test-signing-key", s)
	adminUser := &model.User{ID: model.NewID(), Username: "admin", Role: model.RoleAdmin, CreatedAt: time.Now().UTC()}
	if err := s.CreateUser(context.Background(), adminUser); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := issuer.Issue(context.Background(), adminUser.ID, model.RoleAdmin, "test")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	sched := scheduler.New(s, time.Minute)
	srv := NewServer("127.0.0.1:0", s, issuer, sched, nil, nil, time.Second, time.Minute, discardLogger())

	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/vms/" + vm.ID + "/serial"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("echoed data = %q, want %q", data, "hello")
	}
}

func TestHandleSerialProxyUnknownVM(t *testing.T) {
	s := newSerialTestStore(t)
	issuer := auth.NewIssuer("test-signing-key", s)
	adminUser := &model.User{ID: model.NewID(), Username: "admin2", Role: model.RoleAdmin, CreatedAt: time.Now().UTC()}
	if err := s.CreateUser(context.Background(), adminUser); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := issuer.Issue(context.Background(), adminUser.ID, model.RoleAdmin, "test")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	sched := scheduler.New(s, time.Minute)
	srv := NewServer("127.0.0.1:0", s, issuer, sched, nil, nil, time.Second, time.Minute, discardLogger())

	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/vms/does-not-exist/serial"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected dial to fail for unknown vm")
	}
	if resp == nil || resp.StatusCode/100 == 2 {
		t.Errorf("expected non-2xx response, got %v", resp)
	}
}
