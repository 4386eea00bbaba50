package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vulcan-sh/vulcan/internal/manager/auth"
	"github.com/vulcan-sh/vulcan/internal/manager/runtimesnapshot"
	"github.com/vulcan-sh/vulcan/internal/manager/scheduler"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/rpc"
	"github.com/vulcan-sh/vulcan/internal/store"
)

// mustCreateHealthyHost creates a Host with a recent heartbeat and enough
// capacity for the test containers, fronted by addr (a fake Agent).
func mustCreateHealthyHost(t *testing.T, s store.Store, addr string) *model.Host {
	t.Helper()
	now := time.Now().UTC()
	host := &model.Host{
		ID: model.NewID(), Name: "host-" + model.NewID(), Address: addr,
		CPUTotal: 8, MemTotalMiB: 8192, DiskTotalMiB: 102400,
		LastSeenAt: &now, CreatedAt: now,
	}
	if err := s.CreateHost(context.Background(), host); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	return host
}

const testVMMVersion = "1.0.0-test"

// mustCreateReadyRuntimeSnapshot seeds a ready, healthy RuntimeSnapshot for
// runtimeImage so Cache.Restore takes the warm path.
func mustCreateReadyRuntimeSnapshot(t *testing.T, s store.Store, runtimeImage string) {
	t.Helper()
	rs := &model.RuntimeSnapshot{
		ID: model.NewID(), RuntimeImage: runtimeImage, SnapshotPath: "/snaps/" + runtimeImage,
		State: model.RuntimeSnapshotCreating, VMMVersion: testVMMVersion, CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRuntimeSnapshot(context.Background(), rs); err != nil {
		t.Fatalf("CreateRuntimeSnapshot: %v", err)
	}
	if err := s.PromoteRuntimeSnapshot(context.Background(), runtimeImage, rs.ID); err != nil {
		t.Fatalf("PromoteRuntimeSnapshot: %v", err)
	}
}

func newContainerTestServer(t *testing.T, s store.Store, issuer *auth.Issuer) *Server {
	t.Helper()
	sched := scheduler.New(s, time.Minute)
	newClient := func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, time.Second) }
	cache := runtimesnapshot.New(s, sched, newClient, discardLogger(), 0)
	return NewServer("127.0.0.1:0", s, issuer, sched, nil, cache, time.Second, time.Minute, discardLogger())
}

func TestHandleCreateContainerWarmBoot(t *testing.T) {
	s := newSerialTestStore(t)
	issuer := auth.NewIssuer("test-signing-key", s)

	var sawRestore, sawGuestReady bool
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/vms/restore":
			sawRestore = true
			json.NewEncoder(w).Encode(rpc.CreateVMResult{APISocketPath: "/run/vm.sock"})
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/guest-ready"):
			sawGuestReady = true
			json.NewEncoder(w).Encode(rpc.GuestReadyResponse{Ready: true, ContainerReady: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer agentSrv.Close()

	mustCreateHealthyHost(t, s, agentSrv.URL)
	mustCreateReadyRuntimeSnapshot(t, s, "registry/example:v1")

	srv := newContainerTestServer(t, s, issuer)

	body := createContainerRequest{
		Name: "web-1", ImageRef: "registry/example:v1", VCPUs: 1, MemMiB: 256,
		KernelPath: "/img/vmlinux", RootfsPath: "/img/rootfs.ext4", VMMVersion: testVMMVersion,
	}
	req := newAdminRequest(t, s, issuer, http.MethodPost, "/v1/containers", body)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s, want 201", rec.Code, rec.Body.String())
	}
	if !sawRestore {
		t.Error("expected the Agent's restore_vm endpoint to be called")
	}
	if !sawGuestReady {
		t.Error("expected the Agent's guest-ready endpoint to be polled")
	}

	var got model.Container
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.BootMethod != model.BootWarm {
		t.Errorf("boot_method = %q, want %q", got.BootMethod, model.BootWarm)
	}
	if got.State != model.ContainerRunning {
		t.Errorf("state = %q, want %q", got.State, model.ContainerRunning)
	}
}

func TestHandleCreateContainerColdBootFallback(t *testing.T) {
	s := newSerialTestStore(t)
	issuer := auth.NewIssuer("test-signing-key", s)

	var sawCreateVM bool
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/vms" {
			sawCreateVM = true
			json.NewEncoder(w).Encode(rpc.CreateVMResult{APISocketPath: "/run/vm.sock"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer agentSrv.Close()

	mustCreateHealthyHost(t, s, agentSrv.URL)
	// No ready RuntimeSnapshot exists for this image, so Restore returns
	// ErrColdFallback and handleCreateContainer must cold-boot instead.

	srv := newContainerTestServer(t, s, issuer)

	body := createContainerRequest{
		Name: "web-2", ImageRef: "registry/example:v2", VCPUs: 1, MemMiB: 256,
		KernelPath: "/img/vmlinux", RootfsPath: "/img/rootfs.ext4", VMMVersion: testVMMVersion,
	}
	req := newAdminRequest(t, s, issuer, http.MethodPost, "/v1/containers", body)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s, want 201", rec.Code, rec.Body.String())
	}
	if !sawCreateVM {
		t.Error("expected the Agent's create_vm endpoint to be called for the cold-boot path")
	}

	var got model.Container
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.BootMethod != model.BootCold {
		t.Errorf("boot_method = %q, want %q", got.BootMethod, model.BootCold)
	}
	if got.State != model.ContainerBooting {
		t.Errorf("state = %q, want %q", got.State, model.ContainerBooting)
	}
}
