// Package runtimesnapshot implements the Runtime-Snapshot Cache
// (spec.md §4.4): a content-addressed cache of paused, container-ready VM
// snapshots keyed by runtime image identity, used to cut container/function
// cold-start latency. Spans the Manager (this package: metadata, pipeline
// orchestration) and the Agent (disk artifacts, pause/restore execution).
package runtimesnapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vulcan-sh/vulcan/internal/manager/scheduler"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/rpc"
	"github.com/vulcan-sh/vulcan/internal/store"
)

// ErrColdFallback is returned by Restore when no usable warm snapshot
// exists; the caller must cold-boot instead (spec.md §4.4 "Failure
// semantics": snapshot restore failure never surfaces as container create
// failure).
var ErrColdFallback = errors.New("runtimesnapshot: fall back to cold boot")

// defaultFailureLimit is the number of consecutive recorded failures after
// which a ready snapshot is marked unhealthy and a rebuild is enqueued, used
// when New is given a failureLimit <= 0 (spec.md §4.4 "Auto-healing").
const defaultFailureLimit = 3

// ImageSource describes how to cold-boot the temporary VM used to build a
// runtime snapshot for a given runtime image. The runtime-image build
// process itself (how Docker ends up inside the rootfs) is external to
// this system (spec.md §1 out-of-scope list).
type ImageSource struct {
	RuntimeImage string
	KernelPath   string
	RootfsPath   string
	VCPUs        int
	MemMiB       int
	NetworkID    string
	BridgeName   string
}

// Cache orchestrates the snapshot creation pipeline and the restore path
// on behalf of Container and Function creation.
type Cache struct {
	store         store.Store
	scheduler     *scheduler.Scheduler
	newClient     func(h *model.Host) *rpc.Client
	log           *slog.Logger
	failureLimit  int
	probeTimeout  time.Duration
	probeInterval time.Duration
}

// New constructs a Cache. failureLimit <= 0 falls back to
// defaultFailureLimit.
func New(s store.Store, sched *scheduler.Scheduler, newClient func(h *model.Host) *rpc.Client, log *slog.Logger, failureLimit int) *Cache {
	if failureLimit <= 0 {
		failureLimit = defaultFailureLimit
	}
	return &Cache{
		store:         s,
		scheduler:     sched,
		newClient:     newClient,
		log:           log,
		failureLimit:  failureLimit,
		probeTimeout:  2 * time.Minute,
		probeInterval: 2 * time.Second,
	}
}

// RestoreResult reports the outcome of a successful warm restore.
type RestoreResult struct {
	VMID    string
	GuestIP string
}

// Restore attempts to warm-boot a Container/Function from the ready
// RuntimeSnapshot for runtimeImage (spec.md §4.4 "Restore path"). It
// returns ErrColdFallback — never a hard error — whenever the caller
// should cold-boot instead; the reason is logged, not propagated.
func (c *Cache) Restore(ctx context.Context, h *model.Host, runningVMMVersion string, src ImageSource) (*RestoreResult, error) {
	rs, err := c.store.GetReadyRuntimeSnapshot(ctx, src.RuntimeImage)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrColdFallback
	}
	if err != nil {
		return nil, fmt.Errorf("get ready runtime snapshot: %w", err)
	}

	if !rs.Healthy(runningVMMVersion) {
		c.log.Warn("runtime snapshot version skew, falling back to cold boot",
			"runtime_image", src.RuntimeImage, "snapshot_vmm_version", rs.VMMVersion, "running_vmm_version", runningVMMVersion)
		if err := c.store.MarkRuntimeSnapshotUnhealthy(ctx, rs.ID, "version_skew"); err != nil {
			c.log.Error("mark unhealthy failed", "id", rs.ID, "error", err)
		}
		go c.rebuild(context.Background(), src)
		return nil, ErrColdFallback
	}

	client := c.newClient(h)
	vmID := model.NewID()
	nic := rpc.NICSpec{IfaceID: "eth0", NetworkID: src.NetworkID, BridgeName: src.BridgeName}
	if net, err := c.store.GetNetwork(ctx, src.NetworkID); err == nil {
		if nic.BridgeName == "" {
			nic.BridgeName = net.BridgeName
		}
		nic.NetworkType, nic.VLANID, nic.VNI, nic.CIDR, nic.Gateway = net.Type, net.VLANID, net.VNI, net.CIDR, net.Gateway
	}
	_, err = client.RestoreVM(ctx, rpc.RestoreVMRequest{
		VMID:        vmID,
		Name:        "restore-" + vmID,
		VCPUs:       src.VCPUs,
		MemMiB:      src.MemMiB,
		KernelPath:  src.KernelPath,
		NICs:        []rpc.NICSpec{nic},
		SnapshotDir: rs.SnapshotPath,
		VMMVersion:  rs.VMMVersion,
	})
	if err != nil {
		return nil, c.recordFailureAndFallback(ctx, rs, src, fmt.Errorf("restore_vm: %w", err))
	}

	ready, err := c.pollGuestReady(ctx, client, vmID)
	if err != nil || !ready {
		return nil, c.recordFailureAndFallback(ctx, rs, src, fmt.Errorf("guest readiness probe: %w", err))
	}

	if err := c.store.RecordRuntimeSnapshotUse(ctx, rs.ID, true); err != nil {
		c.log.Error("record snapshot success failed", "id", rs.ID, "error", err)
	}
	return &RestoreResult{VMID: vmID}, nil
}

// recordFailureAndFallback records a failed restore attempt, triggers
// auto-healing once the snapshot has failed failureLimit times in a row
// without an intervening success, and always returns ErrColdFallback.
func (c *Cache) recordFailureAndFallback(ctx context.Context, rs *model.RuntimeSnapshot, src ImageSource, cause error) error {
	c.log.Warn("warm restore failed, falling back to cold boot", "runtime_image", src.RuntimeImage, "error", cause)
	if err := c.store.RecordRuntimeSnapshotUse(ctx, rs.ID, false); err != nil {
		c.log.Error("record snapshot failure failed", "id", rs.ID, "error", err)
	}

	fresh, err := c.store.ListRuntimeSnapshots(ctx, src.RuntimeImage)
	if err == nil {
		for _, f := range fresh {
			if f.ID == rs.ID && f.FailureCount >= int64(c.failureLimit) {
				if err := c.store.MarkRuntimeSnapshotUnhealthy(ctx, rs.ID, "consecutive_failures"); err != nil {
					c.log.Error("mark unhealthy failed", "id", rs.ID, "error", err)
				}
				go c.rebuild(context.Background(), src)
			}
		}
	}
	return ErrColdFallback
}

// pollGuestReady probes the restored VM's container runtime within a
// bounded window (spec.md §4.4 step 4).
func (c *Cache) pollGuestReady(ctx context.Context, client *rpc.Client, vmID string) (bool, error) {
	deadline := time.Now().Add(c.probeTimeout)
	for time.Now().Before(deadline) {
		resp, err := client.GuestReady(ctx, vmID)
		if err == nil && resp.ContainerReady {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(c.probeInterval):
		}
	}
	return false, fmt.Errorf("guest runtime did not become ready within %s", c.probeTimeout)
}

// Rebuild runs the snapshot-creation pipeline for src. Exported so the
// reconciler or an admin endpoint can trigger it directly, separate from
// the automatic triggers inside Restore.
func (c *Cache) Rebuild(ctx context.Context, src ImageSource) error {
	return c.rebuild(ctx, src)
}

// rebuild is the snapshot-creation pipeline (spec.md §4.4 steps 1-7): spin
// up a temporary VM from src, wait for its container runtime, clear its
// guest network state, pause it, snapshot it, and promote the result to
// ready — demoting any prior ready row for the same runtime image in the
// same store transaction (invariant I4).
func (c *Cache) rebuild(ctx context.Context, src ImageSource) error {
	host, err := c.scheduler.Select(ctx, scheduler.Request{
		VCPUs:     src.VCPUs,
		MemMiB:    src.MemMiB,
		NetworkID: src.NetworkID,
	})
	if err != nil {
		return fmt.Errorf("select host for rebuild: %w", err)
	}
	client := c.newClient(host)

	nic := rpc.NICSpec{IfaceID: "eth0", NetworkID: src.NetworkID, BridgeName: src.BridgeName}
	if net, err := c.store.GetNetwork(ctx, src.NetworkID); err == nil {
		if nic.BridgeName == "" {
			nic.BridgeName = net.BridgeName
		}
		nic.NetworkType, nic.VLANID, nic.VNI, nic.CIDR, nic.Gateway = net.Type, net.VLANID, net.VNI, net.CIDR, net.Gateway
	}

	vmID := model.NewID()
	_, err = client.CreateVM(ctx, rpc.CreateVMRequest{
		VMID:       vmID,
		Name:       "snapshot-build-" + vmID,
		VCPUs:      src.VCPUs,
		MemMiB:     src.MemMiB,
		KernelPath: src.KernelPath,
		RootfsPath: src.RootfsPath,
		NICs:       []rpc.NICSpec{nic},
	})
	if err != nil {
		return fmt.Errorf("create_vm for rebuild: %w", err)
	}
	// Best-effort teardown of the temporary VM on every exit path; the
	// pipeline never leaves it running past snapshot creation.
	defer func() {
		if err := client.DeleteVM(context.Background(), vmID); err != nil {
			c.log.Error("delete temporary snapshot-build vm failed", "vm_id", vmID, "error", err)
		}
	}()

	ready, err := c.pollGuestReady(ctx, client, vmID)
	if err != nil || !ready {
		return fmt.Errorf("temporary vm never became container-ready: %w", err)
	}

	if err := client.ClearGuestNetwork(ctx, vmID); err != nil {
		return fmt.Errorf("clear guest network: %w", err)
	}

	if err := client.UpdateVMState(ctx, vmID, rpc.UpdateVMStateRequest{Action: model.VMActionPause}); err != nil {
		return fmt.Errorf("pause temporary vm: %w", err)
	}

	snap, err := client.CreateSnapshot(ctx, vmID, rpc.CreateSnapshotRequest{Kind: rpc.SnapshotKindFull})
	if err != nil {
		return fmt.Errorf("create_snapshot: %w", err)
	}

	newID := model.NewID()
	rs := &model.RuntimeSnapshot{
		ID:              newID,
		RuntimeImage:    src.RuntimeImage,
		SnapshotPath:    snap.SnapshotDir,
		State:           model.RuntimeSnapshotCreating,
		VMMVersion:      snap.VMMVersion,
		CompressedBytes: snap.DiskSizeB,
		RawBytes:        snap.MemorySizeB,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.store.CreateRuntimeSnapshot(ctx, rs); err != nil {
		return fmt.Errorf("insert runtime snapshot: %w", err)
	}
	if err := c.store.PromoteRuntimeSnapshot(ctx, src.RuntimeImage, newID); err != nil {
		return fmt.Errorf("promote runtime snapshot: %w", err)
	}

	c.log.Info("runtime snapshot rebuilt", "runtime_image", src.RuntimeImage, "id", newID)
	return nil
}
