package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vulcan-sh/vulcan/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateHost(t *testing.T, s *SQLiteStore) *model.Host {
	t.Helper()
	ctx := context.Background()
	h := &model.Host{
		ID:           model.NewID(),
		Name:         "host-" + model.NewID(),
		Address:      "10.0.0.5:7777",
		BridgeNames:  []string{"br-vulcan0"},
		RuntimeDir:   "/var/lib/vulcan/run",
		ImagesDir:    "/var/lib/vulcan/images",
		CPUTotal:     8,
		MemTotalMiB:  16384,
		DiskTotalMiB: 200000,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateHost(ctx, h); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	return h
}

func TestCreateAndGetHost(t *testing.T) {
	s := newTestStore(t)
	h := mustCreateHost(t, s)

	got, err := s.GetHost(context.Background(), h.ID)
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if got.Name != h.Name {
		t.Errorf("Name = %q, want %q", got.Name, h.Name)
	}
	if len(got.BridgeNames) != 1 || got.BridgeNames[0] != "br-vulcan0" {
		t.Errorf("BridgeNames = %v", got.BridgeNames)
	}
}

func TestGetHostNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetHost(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetHost() error = %v, want ErrNotFound", err)
	}
}

func TestCreateHostDuplicateNameConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s)

	dup := *h
	dup.ID = model.NewID()
	if err := s.CreateHost(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("CreateHost() duplicate name error = %v, want ErrConflict", err)
	}
}

func mustCreateVM(t *testing.T, s *SQLiteStore, hostID string) *model.VM {
	t.Helper()
	vm := &model.VM{
		ID:         model.NewID(),
		Name:       "vm-" + model.NewID(),
		HostID:     hostID,
		VCPUs:      2,
		MemMiB:     512,
		KernelPath: "/var/lib/vulcan/images/vmlinux",
		RootfsPath: "/var/lib/vulcan/images/rootfs.ext4",
		State:      model.VMCreating,
		Tags:       []string{"type:vm"},
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		UpdatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateVM(context.Background(), vm); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	return vm
}

func TestCreateAndGetVM(t *testing.T) {
	s := newTestStore(t)
	h := mustCreateHost(t, s)
	vm := mustCreateVM(t, s, h.ID)

	got, err := s.GetVM(context.Background(), vm.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.State != model.VMCreating {
		t.Errorf("State = %q, want %q", got.State, model.VMCreating)
	}
	if !got.HasTag("type:vm") {
		t.Errorf("expected tag type:vm, got %v", got.Tags)
	}
}

func TestUpdateVMState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s)
	vm := mustCreateVM(t, s, h.ID)

	if err := s.UpdateVMState(ctx, vm.ID, model.VMError, "image missing"); err != nil {
		t.Fatalf("UpdateVMState: %v", err)
	}

	got, err := s.GetVM(ctx, vm.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.State != model.VMError {
		t.Errorf("State = %q, want %q", got.State, model.VMError)
	}
	if got.FaultMessage != "image missing" {
		t.Errorf("FaultMessage = %q", got.FaultMessage)
	}
}

// DeleteVM is idempotent: deleting a VM that no longer exists succeeds
// (spec.md §10 "avoiding exactly-once confusion").
func TestDeleteVMIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s)
	vm := mustCreateVM(t, s, h.ID)

	if err := s.DeleteVM(ctx, vm.ID); err != nil {
		t.Fatalf("DeleteVM: %v", err)
	}
	if err := s.DeleteVM(ctx, vm.ID); err != nil {
		t.Fatalf("DeleteVM (repeat): %v", err)
	}
}

func TestListVMsOwnershipFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s)

	owner := "user-1"
	// unowned VM: visible to every user via the "OR NULL" predicate.
	mustCreateVM(t, s, h.ID)

	vmWithOwner := &model.VM{
		ID: model.NewID(), Name: "vm-owned-" + model.NewID(), HostID: h.ID,
		VCPUs: 1, MemMiB: 256, KernelPath: "k", RootfsPath: "r", State: model.VMCreating,
		CreatedByUserID: &owner, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateVM(ctx, vmWithOwner); err != nil {
		t.Fatalf("CreateVM (owned): %v", err)
	}

	otherOwner := "user-2"
	vmOther := &model.VM{
		ID: model.NewID(), Name: "vm-other-" + model.NewID(), HostID: h.ID,
		VCPUs: 1, MemMiB: 256, KernelPath: "k", RootfsPath: "r", State: model.VMCreating,
		CreatedByUserID: &otherOwner, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateVM(ctx, vmOther); err != nil {
		t.Fatalf("CreateVM (other): %v", err)
	}

	vms, total, err := s.ListVMs(ctx, Filter{OwnerUserID: owner, Limit: 100})
	if err != nil {
		t.Fatalf("ListVMs: %v", err)
	}
	// sees: unowned VM from mustCreateVM + vmWithOwner, not vmOther.
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	for _, v := range vms {
		if v.CreatedByUserID != nil && *v.CreatedByUserID == otherOwner {
			t.Errorf("ListVMs leaked VM owned by %s", otherOwner)
		}
	}
}

func TestCreatePortForwardUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s)
	vm := mustCreateVM(t, s, h.ID)

	pf := &model.PortForward{ID: model.NewID(), VMID: vm.ID, HostPort: 2222, GuestPort: 22, Protocol: "tcp"}
	if err := s.CreatePortForward(ctx, pf); err != nil {
		t.Fatalf("CreatePortForward: %v", err)
	}

	dup := &model.PortForward{ID: model.NewID(), VMID: vm.ID, HostPort: 2222, GuestPort: 2222, Protocol: "tcp"}
	if err := s.CreatePortForward(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("CreatePortForward() duplicate (host_port, protocol) error = %v, want ErrConflict", err)
	}
}

func TestPromoteRuntimeSnapshotKeepsExactlyOneReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	image := "node:20-slim"

	first := &model.RuntimeSnapshot{
		ID: model.NewID(), RuntimeImage: image, SnapshotPath: "/snap/1", State: model.RuntimeSnapshotReady,
		VMMVersion: "v1.8.0", CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRuntimeSnapshot(ctx, first); err != nil {
		t.Fatalf("CreateRuntimeSnapshot (first): %v", err)
	}

	second := &model.RuntimeSnapshot{
		ID: model.NewID(), RuntimeImage: image, SnapshotPath: "/snap/2", State: model.RuntimeSnapshotCreating,
		VMMVersion: "v1.8.0", CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRuntimeSnapshot(ctx, second); err != nil {
		t.Fatalf("CreateRuntimeSnapshot (second): %v", err)
	}

	if err := s.PromoteRuntimeSnapshot(ctx, image, second.ID); err != nil {
		t.Fatalf("PromoteRuntimeSnapshot: %v", err)
	}

	ready, err := s.GetReadyRuntimeSnapshot(ctx, image)
	if err != nil {
		t.Fatalf("GetReadyRuntimeSnapshot: %v", err)
	}
	if ready.ID != second.ID {
		t.Errorf("ready snapshot = %s, want %s", ready.ID, second.ID)
	}

	all, err := s.ListRuntimeSnapshots(ctx, image)
	if err != nil {
		t.Fatalf("ListRuntimeSnapshots: %v", err)
	}
	readyCount := 0
	for _, rs := range all {
		if rs.State == model.RuntimeSnapshotReady {
			readyCount++
		}
	}
	if readyCount != 1 {
		t.Errorf("ready count = %d, want 1", readyCount)
	}
}

func TestPurgeMetricsOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := mustCreateHost(t, s)

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	recent := time.Now().UTC()

	if err := s.RecordHostMetrics(ctx, &model.HostMetrics{HostID: h.ID, CPUUsedPct: 10, MemUsedMiB: 100, RecordedAt: old}); err != nil {
		t.Fatalf("RecordHostMetrics (old): %v", err)
	}
	if err := s.RecordHostMetrics(ctx, &model.HostMetrics{HostID: h.ID, CPUUsedPct: 20, MemUsedMiB: 200, RecordedAt: recent}); err != nil {
		t.Fatalf("RecordHostMetrics (recent): %v", err)
	}

	cutoff := time.Now().Add(-7 * 24 * time.Hour).Unix()
	purged, err := s.PurgeMetricsOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("PurgeMetricsOlderThan: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}
