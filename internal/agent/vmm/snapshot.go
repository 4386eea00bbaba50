package vmm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/creack/pty"
	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/rpc"
)

// CreateSnapshot writes the VM's memory/disk state to disk. The caller must
// have already paused the VM via UpdateState (spec.md §4.1: "the VM must
// already be paused").
func (m *Manager) CreateSnapshot(ctx context.Context, vmID string, kind string) (*rpc.CreateSnapshotResult, error) {
	if kind != rpc.SnapshotKindFull && kind != rpc.SnapshotKindDiff {
		return nil, apierr.New(apierr.ValidationFailed, "unrecognized snapshot kind", nil)
	}
	st, err := m.get(vmID)
	if err != nil {
		return nil, err
	}

	// Snapshots live outside the VM's own runtime directory: DeleteVM
	// removes vmDir wholesale, and the Runtime-Snapshot Cache's rebuild
	// pipeline always deletes its temporary build VM right after snapshotting it.
	snapDir := filepath.Join(m.cfg.RuntimeDir, "snapshots", vmID)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, apierr.New(apierr.HostLocalError, "create snapshot dir", err)
	}
	memPath := filepath.Join(snapDir, "mem")
	statePath := filepath.Join(snapDir, "vmstate")

	start := time.Now()
	// firecracker-go-sdk's CreateSnapshot always captures a full memory
	// image, so "Diff" is accepted but produces the same full artifact as
	// "Full"; no incremental snapshot is requested from Firecracker.
	if err := st.machine.CreateSnapshot(ctx, memPath, statePath); err != nil {
		recordOperation("create_snapshot", err)
		return nil, apierr.New(apierr.HostLocalError, "create snapshot", err)
	}
	snapshotDuration.Observe(time.Since(start).Seconds())

	diskPath := filepath.Join(snapDir, "disk.ext4")
	if err := copyRootfs(filepath.Join(st.vmDir, "rootfs.ext4"), diskPath); err != nil {
		return nil, apierr.New(apierr.HostLocalError, "copy disk for snapshot", err)
	}

	memSize, memHash, err := hashFile(memPath)
	if err != nil {
		return nil, apierr.New(apierr.HostLocalError, "hash memory snapshot", err)
	}
	diskSize, diskHash, err := hashFile(diskPath)
	if err != nil {
		return nil, apierr.New(apierr.HostLocalError, "hash disk snapshot", err)
	}

	recordOperation("create_snapshot", nil)
	return &rpc.CreateSnapshotResult{
		SnapshotDir:  snapDir,
		MemoryPath:   memPath,
		DiskPath:     diskPath,
		MemorySizeB:  memSize,
		DiskSizeB:    diskSize,
		MemorySHA256: memHash,
		DiskSHA256:   diskHash,
		VMMVersion:   m.vmmVersion,
	}, nil
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// RestoreVM boots a new machine directly from a snapshot's memory and disk
// artifacts (spec.md §4.1 restore_vm).
func (m *Manager) RestoreVM(ctx context.Context, req rpc.RestoreVMRequest) (*rpc.CreateVMResult, error) {
	cid, err := m.allocateCID()
	if err != nil {
		return nil, apierr.New(apierr.ResourceExhausted, err.Error(), nil)
	}

	vmDir := filepath.Join(m.cfg.RuntimeDir, req.VMID)
	if err := os.MkdirAll(vmDir, 0o755); err != nil {
		m.releaseCID(cid)
		return nil, apierr.New(apierr.HostLocalError, "create vm runtime dir", err)
	}
	rollback := func() {
		m.releaseCID(cid)
		os.RemoveAll(vmDir)
	}

	memPath := filepath.Join(req.SnapshotDir, "mem")
	statePath := filepath.Join(req.SnapshotDir, "vmstate")

	diskPath := filepath.Join(vmDir, "rootfs.ext4")
	if err := copyRootfs(filepath.Join(req.SnapshotDir, "disk.ext4"), diskPath); err != nil {
		rollback()
		return nil, apierr.New(apierr.HostLocalError, "copy snapshot disk", err)
	}

	nics := make(map[string]nicState, len(req.NICs))
	var netIfaces fcsdk.NetworkInterfaces
	provisionRollback := func() {
		for _, n := range nics {
			m.teardownNIC(context.Background(), req.VMID, n)
		}
	}
	for _, spec := range req.NICs {
		tapName, mac, guestIP, err := m.setupNIC(ctx, req.VMID, spec)
		if err != nil {
			provisionRollback()
			rollback()
			return nil, apierr.New(apierr.PrecheckFailed, fmt.Sprintf("provision nic %s", spec.IfaceID), err)
		}
		nics[spec.IfaceID] = nicState{spec: spec, tapName: tapName, guestIP: guestIP}
		netIfaces = append(netIfaces, fcsdk.NetworkInterface{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{MacAddress: mac, HostDevName: tapName},
		})
	}

	socketPath := filepath.Join(vmDir, "api.sock")
	vsockPath := filepath.Join(vmDir, "vsock.sock")
	logPath := filepath.Join(vmDir, "firecracker.log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		provisionRollback()
		rollback()
		return nil, apierr.New(apierr.HostLocalError, "open log file", err)
	}
	defer logFile.Close()
	fcLogger := logrus.New()
	fcLogger.SetOutput(logFile)

	serialMaster, serialSlave, err := pty.Open()
	if err != nil {
		provisionRollback()
		rollback()
		return nil, apierr.New(apierr.HostLocalError, "open serial console pty", err)
	}
	defer serialSlave.Close()
	serialOK := false
	defer func() {
		if !serialOK {
			serialMaster.Close()
		}
	}()

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(m.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		WithStdin(serialSlave).
		WithStdout(serialSlave).
		WithStderr(logFile).
		Build(ctx)

	fcCfg := fcsdk.Config{
		SocketPath: socketPath,
		// Ignored once WithSnapshot swaps in the LoadSnapshot handlers, but
		// still required by the SDK's own config validation.
		KernelImagePath:   req.KernelPath,
		Drives:            []models.Drive{{DriveID: fcsdk.String(rootfsDriveID), PathOnHost: fcsdk.String(diskPath), IsRootDevice: fcsdk.Bool(true), IsReadOnly: fcsdk.Bool(false)}},
		NetworkInterfaces: netIfaces,
		VsockDevices:      []fcsdk.VsockDevice{{ID: vsockDeviceID, Path: vsockPath, CID: cid}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(req.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(req.MemMiB)),
		},
		VMID: req.VMID,
	}

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
		fcsdk.WithSnapshot(memPath, statePath),
	)
	if err != nil {
		provisionRollback()
		rollback()
		return nil, apierr.New(apierr.HostLocalError, "configure machine from snapshot", err)
	}

	bootStart := time.Now()
	if err := machine.Start(ctx); err != nil {
		recordOperation("restore_vm", err)
		provisionRollback()
		rollback()
		return nil, apierr.New(apierr.HostLocalError, "restore from snapshot", err)
	}
	vmBootDuration.Observe(time.Since(bootStart).Seconds())

	pid, err := machine.PID()
	if err != nil {
		_ = machine.StopVMM()
		provisionRollback()
		rollback()
		return nil, apierr.New(apierr.HostLocalError, "read vm pid", err)
	}
	unit, err := m.sup.RegisterScope(ctx, req.VMID, pid)
	if err != nil {
		_ = machine.StopVMM()
		provisionRollback()
		rollback()
		return nil, apierr.New(apierr.HostLocalError, "register supervision unit", err)
	}

	tapNames := make([]string, 0, len(nics))
	for _, n := range nics {
		tapNames = append(tapNames, n.tapName)
	}

	m.mu.Lock()
	m.vms[req.VMID] = &vmState{
		machine: machine, cid: cid, unit: unit, pid: pid, vmDir: vmDir,
		apiSocket: socketPath, logPath: logPath, startedAt: time.Now().UTC(),
		drives: map[string]rpc.DriveSpec{}, nics: nics, state: "running", serial: serialMaster,
	}
	m.mu.Unlock()
	serialOK = true
	vmsActive.Inc()
	recordOperation("restore_vm", nil)

	return &rpc.CreateVMResult{APISocketPath: socketPath, TAPNames: tapNames, LogPath: logPath, SupervisionUnit: unit}, nil
}
