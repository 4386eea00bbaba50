package runtimesnapshot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vulcan-sh/vulcan/internal/manager/scheduler"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/rpc"
	"github.com/vulcan-sh/vulcan/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateHealthyHost(t *testing.T, s store.Store, addr string) *model.Host {
	t.Helper()
	h := &model.Host{
		ID:           model.NewID(),
		Name:         "host-" + model.NewID(),
		Address:      addr,
		CPUTotal:     8,
		MemTotalMiB:  16384,
		DiskTotalMiB: 100000,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.CreateHost(context.Background(), h); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	if err := s.UpdateHostHeartbeat(context.Background(), h.ID, h); err != nil {
		t.Fatalf("UpdateHostHeartbeat: %v", err)
	}
	return h
}

// fakeAgent answers every RPC the snapshot-creation pipeline and restore
// path issue, always reporting the guest as container-ready immediately.
func fakeAgent(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/vms":
			json.NewEncoder(w).Encode(rpc.CreateVMResult{SupervisionUnit: "fc-test.scope"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/vms/restore":
			json.NewEncoder(w).Encode(rpc.CreateVMResult{SupervisionUnit: "fc-restore.scope"})
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/guest-ready"):
			json.NewEncoder(w).Encode(rpc.GuestReadyResponse{Ready: true, ContainerReady: true})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/clear-network"):
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/state"):
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/snapshot"):
			json.NewEncoder(w).Encode(rpc.CreateSnapshotResult{
				DiskPath: "/var/lib/vulcan/snapshots/node-18/disk.snap", VMMVersion: "v1.7.0",
				MemorySizeB: 1024, DiskSizeB: 2048,
			})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestRebuildPromotesNewReadySnapshot(t *testing.T) {
	s := newTestStore(t)
	srv := fakeAgent(t)
	defer srv.Close()
	mustCreateHealthyHost(t, s, srv.URL)

	sched := scheduler.New(s, time.Minute)
	c := New(s, sched, func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, time.Second) }, discardLogger(), 0)
	c.probeInterval = time.Millisecond

	src := ImageSource{RuntimeImage: "node-18", KernelPath: "/images/vmlinux", RootfsPath: "/images/rootfs.ext4", VCPUs: 1, MemMiB: 512}
	if err := c.Rebuild(context.Background(), src); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	rs, err := s.GetReadyRuntimeSnapshot(context.Background(), "node-18")
	if err != nil {
		t.Fatalf("GetReadyRuntimeSnapshot: %v", err)
	}
	if rs.State != model.RuntimeSnapshotReady {
		t.Errorf("state = %s, want ready", rs.State)
	}
	if rs.VMMVersion != "v1.7.0" {
		t.Errorf("vmm_version = %s, want v1.7.0", rs.VMMVersion)
	}
}

func TestRebuildDemotesPriorReadySnapshot(t *testing.T) {
	s := newTestStore(t)
	srv := fakeAgent(t)
	defer srv.Close()
	mustCreateHealthyHost(t, s, srv.URL)

	old := &model.RuntimeSnapshot{
		ID: model.NewID(), RuntimeImage: "node-18", SnapshotPath: "/old/disk.snap",
		State: model.RuntimeSnapshotReady, VMMVersion: "v1.6.0", CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRuntimeSnapshot(context.Background(), old); err != nil {
		t.Fatalf("CreateRuntimeSnapshot: %v", err)
	}

	sched := scheduler.New(s, time.Minute)
	c := New(s, sched, func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, time.Second) }, discardLogger(), 0)
	c.probeInterval = time.Millisecond

	src := ImageSource{RuntimeImage: "node-18", KernelPath: "/images/vmlinux", RootfsPath: "/images/rootfs.ext4", VCPUs: 1, MemMiB: 512}
	if err := c.Rebuild(context.Background(), src); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	all, err := s.ListRuntimeSnapshots(context.Background(), "node-18")
	if err != nil {
		t.Fatalf("ListRuntimeSnapshots: %v", err)
	}
	readyCount := 0
	oldState := ""
	for _, rs := range all {
		if rs.State == model.RuntimeSnapshotReady {
			readyCount++
		}
		if rs.ID == old.ID {
			oldState = rs.State
		}
	}
	if readyCount != 1 {
		t.Errorf("ready count = %d, want exactly 1 (invariant I4)", readyCount)
	}
	if oldState != model.RuntimeSnapshotUnhealthy {
		t.Errorf("old snapshot state = %s, want unhealthy", oldState)
	}
}

func TestRestoreFallsBackToColdBootWhenNoReadySnapshot(t *testing.T) {
	s := newTestStore(t)
	srv := fakeAgent(t)
	defer srv.Close()
	h := mustCreateHealthyHost(t, s, srv.URL)

	sched := scheduler.New(s, time.Minute)
	c := New(s, sched, func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, time.Second) }, discardLogger(), 0)

	src := ImageSource{RuntimeImage: "python-3.12", VCPUs: 1, MemMiB: 512}
	_, err := c.Restore(context.Background(), h, "v1.7.0", src)
	if err != ErrColdFallback {
		t.Errorf("err = %v, want ErrColdFallback", err)
	}
}

func TestRestoreWarmBootSucceeds(t *testing.T) {
	s := newTestStore(t)
	srv := fakeAgent(t)
	defer srv.Close()
	h := mustCreateHealthyHost(t, s, srv.URL)

	rs := &model.RuntimeSnapshot{
		ID: model.NewID(), RuntimeImage: "node-18", SnapshotPath: "/snap/disk.snap",
		State: model.RuntimeSnapshotReady, VMMVersion: "v1.7.0", CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRuntimeSnapshot(context.Background(), rs); err != nil {
		t.Fatalf("CreateRuntimeSnapshot: %v", err)
	}

	sched := scheduler.New(s, time.Minute)
	c := New(s, sched, func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, time.Second) }, discardLogger(), 0)
	c.probeInterval = time.Millisecond

	src := ImageSource{RuntimeImage: "node-18", VCPUs: 1, MemMiB: 512}
	result, err := c.Restore(context.Background(), h, "v1.7.0", src)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.VMID == "" {
		t.Error("expected non-empty VMID")
	}

	all, err := s.ListRuntimeSnapshots(context.Background(), "node-18")
	if err != nil {
		t.Fatalf("ListRuntimeSnapshots: %v", err)
	}
	if all[0].SuccessCount != 1 {
		t.Errorf("success_count = %d, want 1", all[0].SuccessCount)
	}
}

func TestRestoreVersionSkewFallsBackAndMarksUnhealthy(t *testing.T) {
	s := newTestStore(t)
	srv := fakeAgent(t)
	defer srv.Close()
	h := mustCreateHealthyHost(t, s, srv.URL)

	rs := &model.RuntimeSnapshot{
		ID: model.NewID(), RuntimeImage: "node-18", SnapshotPath: "/snap/disk.snap",
		State: model.RuntimeSnapshotReady, VMMVersion: "v1.6.0", CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRuntimeSnapshot(context.Background(), rs); err != nil {
		t.Fatalf("CreateRuntimeSnapshot: %v", err)
	}

	sched := scheduler.New(s, time.Minute)
	c := New(s, sched, func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, time.Second) }, discardLogger(), 0)
	c.probeInterval = time.Millisecond

	src := ImageSource{RuntimeImage: "node-18", VCPUs: 1, MemMiB: 512}
	_, err := c.Restore(context.Background(), h, "v1.7.0", src)
	if err != ErrColdFallback {
		t.Errorf("err = %v, want ErrColdFallback", err)
	}

	all, err := s.ListRuntimeSnapshots(context.Background(), "node-18")
	if err != nil {
		t.Fatalf("ListRuntimeSnapshots: %v", err)
	}
	for _, r := range all {
		if r.ID == rs.ID && r.State != model.RuntimeSnapshotUnhealthy {
			t.Errorf("version-skewed snapshot state = %s, want unhealthy", r.State)
		}
	}

	// Rebuild runs in a background goroutine; give it a moment to land.
	time.Sleep(50 * time.Millisecond)

	got, err := s.GetReadyRuntimeSnapshot(context.Background(), "node-18")
	if err != nil {
		t.Fatalf("GetReadyRuntimeSnapshot after rebuild: %v", err)
	}
	if got.ID == rs.ID {
		t.Error("expected a newly rebuilt snapshot to be ready, got the stale version-skewed one")
	}
}
