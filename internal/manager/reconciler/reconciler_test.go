package reconciler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

func mustCreateHost(t *testing.T, s store.Store, addr string) *model.Host {
	t.Helper()
	now := time.Now().UTC()
	h := &model.Host{
		ID:           model.NewID(),
		Name:         "host-" + model.NewID(),
		Address:      addr,
		CPUTotal:     8,
		MemTotalMiB:  16384,
		DiskTotalMiB: 100000,
		CreatedAt:    now,
	}
	if err := s.CreateHost(context.Background(), h); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	if err := s.UpdateHostHeartbeat(context.Background(), h.ID, h); err != nil {
		t.Fatalf("UpdateHostHeartbeat: %v", err)
	}
	return h
}

func mustCreateVMAt(t *testing.T, s store.Store, id, hostID, state string, updatedAt time.Time) {
	t.Helper()
	v := &model.VM{
		ID:         id,
		Name:       "vm-" + id,
		HostID:     hostID,
		VCPUs:      1,
		MemMiB:     512,
		KernelPath: "/images/vmlinux",
		RootfsPath: "/images/rootfs.ext4",
		State:      state,
		CreatedAt:  updatedAt,
		UpdatedAt:  updatedAt,
	}
	if err := s.CreateVM(context.Background(), v); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
}

func newInventoryServer(t *testing.T, vms []rpc.InventoryVM) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/inventory" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(rpc.InventoryResponse{VMs: vms})
	}))
}

func TestReconcileVanishedVM(t *testing.T) {
	s := newTestStore(t)
	srv := newInventoryServer(t, nil)
	defer srv.Close()
	h := mustCreateHost(t, s, srv.URL)

	now := time.Now().UTC()
	mustCreateVMAt(t, s, model.NewID(), h.ID, model.VMRunning, now)
	vms, _ := s.ListVMsByHost(context.Background(), h.ID)
	vmID := vms[0].ID

	r := New(s, func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, time.Second) }, discardLogger(), time.Minute, time.Minute, time.Minute)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := s.GetVM(context.Background(), vmID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.State != model.VMError || got.FaultMessage != "vanished" {
		t.Errorf("state=%s fault=%q, want error/vanished", got.State, got.FaultMessage)
	}
}

func TestReconcileTransitionalTimeout(t *testing.T) {
	s := newTestStore(t)
	srv := newInventoryServer(t, nil)
	defer srv.Close()
	h := mustCreateHost(t, s, srv.URL)

	stuckSince := time.Now().UTC().Add(-2 * time.Minute)
	vmID := model.NewID()
	mustCreateVMAt(t, s, vmID, h.ID, model.VMCreating, stuckSince)

	r := New(s, func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, time.Second) }, discardLogger(), time.Hour, time.Minute, time.Minute)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := s.GetVM(context.Background(), vmID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.State != model.VMError {
		t.Errorf("state = %s, want error", got.State)
	}
}

func TestReconcileOrphanWithoutTombstoneCreatesShadowRow(t *testing.T) {
	s := newTestStore(t)
	orphanID := model.NewID()
	srv := newInventoryServer(t, []rpc.InventoryVM{{VMID: orphanID, State: model.VMRunning}})
	defer srv.Close()
	h := mustCreateHost(t, s, srv.URL)

	r := New(s, func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, time.Second) }, discardLogger(), time.Hour, time.Hour, time.Minute)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := s.GetVM(context.Background(), orphanID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.State != model.VMError || got.FaultMessage != "orphan" {
		t.Errorf("state=%s fault=%q, want error/orphan", got.State, got.FaultMessage)
	}
}

func TestReconcileOrphanWithTombstoneDeletesIt(t *testing.T) {
	s := newTestStore(t)
	orphanID := model.NewID()

	deleteCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/inventory":
			json.NewEncoder(w).Encode(rpc.InventoryResponse{VMs: []rpc.InventoryVM{{VMID: orphanID, State: model.VMRunning}}})
		case r.Method == http.MethodDelete:
			deleteCalled = true
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	h := mustCreateHost(t, s, srv.URL)

	// Simulate the Manager itself having deleted this VM moments ago.
	if err := s.CreateVM(context.Background(), &model.VM{
		ID: orphanID, Name: "vm-" + orphanID, HostID: h.ID, VCPUs: 1, MemMiB: 512,
		KernelPath: "/images/vmlinux", RootfsPath: "/images/rootfs.ext4", State: model.VMStopped,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if err := s.DeleteVM(context.Background(), orphanID); err != nil {
		t.Fatalf("DeleteVM: %v", err)
	}

	r := New(s, func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, time.Second) }, discardLogger(), time.Hour, time.Hour, time.Hour)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if !deleteCalled {
		t.Error("expected Agent DeleteVM to be called for tombstoned orphan")
	}
	if _, err := s.GetVM(context.Background(), orphanID); err == nil {
		t.Error("expected no shadow row for tombstoned orphan")
	}
}
