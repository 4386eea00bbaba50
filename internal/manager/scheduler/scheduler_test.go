package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateHost(t *testing.T, s store.Store, cpu, memMiB int) *model.Host {
	t.Helper()
	now := time.Now().UTC()
	h := &model.Host{
		ID:           model.NewID(),
		Name:         "host-" + model.NewID(),
		Address:      "10.0.0.1:8081",
		CPUTotal:     cpu,
		MemTotalMiB:  memMiB,
		DiskTotalMiB: 100000,
		CreatedAt:    now,
	}
	if err := s.CreateHost(context.Background(), h); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	if err := s.UpdateHostHeartbeat(context.Background(), h.ID, h); err != nil {
		t.Fatalf("UpdateHostHeartbeat: %v", err)
	}
	h.LastSeenAt = &now
	return h
}

func mustCreateVM(t *testing.T, s store.Store, hostID string, vcpus, memMiB int, state string) {
	t.Helper()
	now := time.Now().UTC()
	v := &model.VM{
		ID:         model.NewID(),
		Name:       "vm-" + model.NewID(),
		HostID:     hostID,
		VCPUs:      vcpus,
		MemMiB:     memMiB,
		KernelPath: "/images/vmlinux",
		RootfsPath: "/images/rootfs.ext4",
		State:      state,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.CreateVM(context.Background(), v); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
}

func TestSelectPicksOnlyHostWithCapacity(t *testing.T) {
	s := newTestStore(t)
	small := mustCreateHost(t, s, 2, 2048)
	big := mustCreateHost(t, s, 8, 16384)
	_ = small

	sched := New(s, time.Minute)
	host, err := sched.Select(context.Background(), Request{VCPUs: 4, MemMiB: 8192})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if host.ID != big.ID {
		t.Errorf("got host %s, want %s", host.ID, big.ID)
	}
}

func TestSelectPrefersLeastLoaded(t *testing.T) {
	s := newTestStore(t)
	h1 := mustCreateHost(t, s, 8, 16384)
	h2 := mustCreateHost(t, s, 8, 16384)

	mustCreateVM(t, s, h1.ID, 2, 2048, model.VMRunning)
	mustCreateVM(t, s, h1.ID, 2, 2048, model.VMRunning)

	sched := New(s, time.Minute)
	host, err := sched.Select(context.Background(), Request{VCPUs: 1, MemMiB: 1024})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if host.ID != h2.ID {
		t.Errorf("got host %s, want least-loaded %s", host.ID, h2.ID)
	}
}

func TestSelectExcludesHostsThatNeverHeartbeat(t *testing.T) {
	s := newTestStore(t)
	h := &model.Host{
		ID:           model.NewID(),
		Name:         "never-heartbeat-host",
		Address:      "10.0.0.9:8081",
		CPUTotal:     8,
		MemTotalMiB:  16384,
		DiskTotalMiB: 100000,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.CreateHost(context.Background(), h); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}

	sched := New(s, time.Minute)
	_, err := sched.Select(context.Background(), Request{VCPUs: 1, MemMiB: 1024})
	if err == nil {
		t.Fatal("expected ResourceExhausted, got nil")
	}
}

func TestSelectResourceExhausted(t *testing.T) {
	s := newTestStore(t)
	mustCreateHost(t, s, 1, 512)

	sched := New(s, time.Minute)
	_, err := sched.Select(context.Background(), Request{VCPUs: 4, MemMiB: 4096})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestSelectRespectsNetworkHostAffinity(t *testing.T) {
	s := newTestStore(t)
	h1 := mustCreateHost(t, s, 8, 16384)
	h2 := mustCreateHost(t, s, 8, 16384)

	net := &model.Network{
		ID:         model.NewID(),
		Name:       "bridged-net",
		HostID:     &h2.ID,
		Type:       model.NetworkBridged,
		BridgeName: "br-vulcan0",
		Status:     model.NetworkActive,
	}
	if err := s.CreateNetwork(context.Background(), net); err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}

	sched := New(s, time.Minute)
	host, err := sched.Select(context.Background(), Request{VCPUs: 1, MemMiB: 1024, NetworkID: net.ID})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if host.ID != h2.ID {
		t.Errorf("got host %s, want network-affine host %s", host.ID, h2.ID)
	}
	_ = h1
}
