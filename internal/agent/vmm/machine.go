// Package vmm is the Host Agent's VM-lifecycle manager: it drives
// firecracker-go-sdk Machines, hands each one a supervision unit via
// Supervisor, and provisions the host-side networking each NIC needs
// through netctl before Firecracker ever sees the resulting TAP device.
package vmm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/vulcan-sh/vulcan/internal/agent/netctl"
	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/config"
	"github.com/vulcan-sh/vulcan/internal/rpc"
)

const (
	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"

	// defaultBootArgs boots straight into the introspection daemon, which
	// re-execs the real init after bringing up vsock (spec.md §4.4).
	defaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=/sbin/vulcan-guestinit"

	gracefulShutdownTimeout = 5 * time.Second
)

// nicState is what CreateVM/DetachNIC need to remember about one attached
// NIC in order to tear its host-side networking back down later.
type nicState struct {
	spec    rpc.NICSpec
	tapName string
	guestIP string
}

// vmState is the Agent's in-memory record of one running VM. It lives only
// in this process: NewManager starts with an empty map and does not rebuild
// it from Supervisor.ListVMUnits, so after an Agent restart VMs started by
// the earlier process are neither tracked nor reported by Inventory.
type vmState struct {
	machine   *fcsdk.Machine
	cid       uint32
	unit      string
	pid       int
	vmDir     string
	apiSocket string
	logPath   string
	startedAt time.Time
	drives    map[string]rpc.DriveSpec
	nics      map[string]nicState
	state     string

	serial *os.File
}

// Manager tracks every VM this Agent is responsible for and drives their
// lifecycle through firecracker-go-sdk, matching the teacher backend's
// Execute/Cleanup/Shutdown shape but split across the finer-grained
// operations the Agent API exposes (spec.md §4.1).
type Manager struct {
	cfg config.AgentConfig
	sup *Supervisor
	nat *netctl.NATController
	log *slog.Logger

	mu  sync.Mutex
	vms map[string]*vmState

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool

	vmmVersion string
}

// NewManager verifies the Agent's networking prerequisites and returns a
// Manager ready to accept create_vm dispatches.
func NewManager(ctx context.Context, cfg config.AgentConfig, log *slog.Logger) (*Manager, error) {
	sup, err := NewSupervisor(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect supervisor: %w", err)
	}
	nat := netctl.NewNATController(cfg.CNIBinDir)
	if err := nat.Verify(); err != nil {
		log.Warn("nat network prerequisites missing", "error", err)
	}
	if err := netctl.EnsureChain(); err != nil {
		log.Warn("port-forward chain setup failed", "error", err)
	}
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}

	return &Manager{
		cfg:        cfg,
		sup:        sup,
		nat:        nat,
		log:        log,
		vms:        make(map[string]*vmState),
		cidNext:    cfg.VsockCIDBase,
		cidInUse:   make(map[uint32]bool),
		vmmVersion: firecrackerVersion(cfg.FirecrackerBin),
	}, nil
}

// firecrackerVersion shells out to the configured binary's --version flag so
// snapshot artifacts can record which Firecracker build produced them
// (spec.md §4.4 version-skew detection between a snapshot and a restoring
// Host). A lookup failure is non-fatal; it just means restores against this
// Host can never be skew-checked.
func firecrackerVersion(bin string) string {
	out, err := exec.Command(bin, "--version").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
}

// Close releases the Manager's systemd connection.
func (m *Manager) Close() {
	m.sup.Close()
}

// CreateVM provisions networking, launches Firecracker, and registers the
// resulting process as a supervision unit (spec.md §4.1 create_vm).
func (m *Manager) CreateVM(ctx context.Context, req rpc.CreateVMRequest) (*rpc.CreateVMResult, error) {
	m.mu.Lock()
	if len(m.vms) >= m.cfg.MaxConcurrentVMs {
		m.mu.Unlock()
		return nil, apierr.New(apierr.ResourceExhausted, "host at max concurrent vms", nil)
	}
	m.mu.Unlock()

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

	rootfsPath := filepath.Join(vmDir, "rootfs.ext4")
	if err := copyRootfs(req.RootfsPath, rootfsPath); err != nil {
		rollback()
		return nil, apierr.New(apierr.HostLocalError, "copy rootfs", err)
	}
	if req.Credential != nil {
		if err := injectCredential(rootfsPath, req.Credential); err != nil {
			rollback()
			return nil, apierr.New(apierr.HostLocalError, "inject credential", err)
		}
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
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  mac,
				HostDevName: tapName,
			},
		})
	}

	drives := map[string]rpc.DriveSpec{}
	driveModels := []models.Drive{{
		DriveID:      fcsdk.String(rootfsDriveID),
		PathOnHost:   fcsdk.String(rootfsPath),
		IsRootDevice: fcsdk.Bool(true),
		IsReadOnly:   fcsdk.Bool(false),
	}}
	for _, d := range req.Drives {
		drives[d.DriveID] = d
		driveModels = append(driveModels, driveToModel(d))
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
	fcCmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	fcCfg := fcsdk.Config{
		SocketPath:        socketPath,
		KernelImagePath:   req.KernelPath,
		KernelArgs:        defaultBootArgs,
		Drives:            driveModels,
		NetworkInterfaces: netIfaces,
		VsockDevices: []fcsdk.VsockDevice{
			{ID: vsockDeviceID, Path: vsockPath, CID: cid},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(req.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(req.MemMiB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: req.VMID,
	}

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		provisionRollback()
		rollback()
		return nil, apierr.New(apierr.HostLocalError, "configure machine", err)
	}

	bootStart := time.Now()
	if err := machine.Start(ctx); err != nil {
		recordOperation("create_vm", err)
		provisionRollback()
		rollback()
		return nil, apierr.New(apierr.HostLocalError, "start vm", err)
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
		drives: drives, nics: nics, state: "running", serial: serialMaster,
	}
	m.mu.Unlock()
	serialOK = true
	vmsActive.Inc()
	recordOperation("create_vm", nil)

	return &rpc.CreateVMResult{
		APISocketPath:   socketPath,
		TAPNames:        tapNames,
		LogPath:         logPath,
		SupervisionUnit: unit,
	}, nil
}

// UpdateState applies a lifecycle action to a running VM (spec.md §4.1
// update_vm_state: start|stop|pause|resume|flush_metrics|ctrl_alt_del).
func (m *Manager) UpdateState(ctx context.Context, vmID, action string) error {
	st, err := m.get(vmID)
	if err != nil {
		return err
	}

	var opErr error
	switch action {
	case "start":
		// The VM is already running once create_vm returns; a second
		// start against a live machine is a no-op success.
	case "stop":
		shutdownCtx, cancel := context.WithTimeout(ctx, gracefulShutdownTimeout)
		defer cancel()
		if err := st.machine.Shutdown(shutdownCtx); err != nil {
			m.log.Debug("graceful shutdown failed, forcing stop", "vm_id", vmID, "error", err)
			opErr = st.machine.StopVMM()
		}
	case "pause":
		opErr = st.machine.PauseVM(ctx)
	case "resume":
		opErr = st.machine.ResumeVM(ctx)
	case "ctrl_alt_del":
		opErr = st.machine.Shutdown(ctx)
	case "flush_metrics":
		opErr = st.machine.FlushMetrics(ctx)
	default:
		return apierr.New(apierr.ValidationFailed, "unrecognized action", nil)
	}
	recordOperation("update_vm_state:"+action, opErr)
	if opErr != nil {
		return apierr.New(apierr.HostLocalError, fmt.Sprintf("%s failed", action), opErr)
	}
	return nil
}

// DeleteVM stops the VM, tears down its networking and supervision unit,
// and removes its runtime directory. Idempotent (spec.md §9/§10).
func (m *Manager) DeleteVM(ctx context.Context, vmID string) error {
	m.mu.Lock()
	st, ok := m.vms[vmID]
	if ok {
		delete(m.vms, vmID)
	}
	m.mu.Unlock()
	if !ok {
		// Unknown to this Agent is success, not NotFound: the Manager may
		// retry a delete_vm the Agent already completed, or race an Agent
		// that lost track of the VM some other way (spec.md §5, §9).
		recordOperation("delete_vm", nil)
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := st.machine.Shutdown(shutdownCtx); err != nil {
		_ = st.machine.StopVMM()
	}
	_ = st.machine.Wait(shutdownCtx)

	_ = m.sup.Stop(ctx, st.unit, syscall.SIGKILL)

	if st.serial != nil {
		_ = st.serial.Close()
	}

	for _, n := range st.nics {
		m.teardownNIC(context.Background(), vmID, n)
	}
	m.releaseCID(st.cid)
	os.RemoveAll(st.vmDir)
	vmsActive.Dec()
	recordOperation("delete_vm", nil)
	return nil
}

// AttachDrive records a drive for the next restart; Firecracker's drive
// attach API only supports pre-existing drives, not hot-add of a brand new
// block device (spec.md §4.1: "takes effect on the VM's next restart").
func (m *Manager) AttachDrive(ctx context.Context, vmID string, drive rpc.DriveSpec) error {
	st, err := m.get(vmID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	st.drives[drive.DriveID] = drive
	m.mu.Unlock()
	return nil
}

// DetachDrive removes a pending drive attachment.
func (m *Manager) DetachDrive(ctx context.Context, vmID, driveID string) error {
	st, err := m.get(vmID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(st.drives, driveID)
	m.mu.Unlock()
	return nil
}

// AttachNIC provisions host-side networking for a new interface and records
// it on the VM; it does not hot-attach the interface to the running machine.
func (m *Manager) AttachNIC(ctx context.Context, vmID string, spec rpc.NICSpec) error {
	st, err := m.get(vmID)
	if err != nil {
		return err
	}
	// Firecracker's network-interface API only accepts new interfaces at
	// boot time, so a NIC attached after create_vm is provisioned
	// host-side now and picked up by the guest on its next restart.
	tapName, _, guestIP, err := m.setupNIC(ctx, vmID, spec)
	if err != nil {
		return apierr.New(apierr.PrecheckFailed, "provision nic", err)
	}
	m.mu.Lock()
	st.nics[spec.IfaceID] = nicState{spec: spec, tapName: tapName, guestIP: guestIP}
	m.mu.Unlock()
	return nil
}

// DetachNIC tears down host-side networking for a previously attached
// interface.
func (m *Manager) DetachNIC(ctx context.Context, vmID, ifaceID string) error {
	st, err := m.get(vmID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	n, ok := st.nics[ifaceID]
	delete(st.nics, ifaceID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.teardownNIC(ctx, vmID, n)
	return nil
}

func (m *Manager) get(vmID string) (*vmState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.vms[vmID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "vm not found", nil)
	}
	return st, nil
}

func (m *Manager) allocateCID() (uint32, error) {
	m.cidMu.Lock()
	defer m.cidMu.Unlock()
	scanRange := uint32(m.cfg.MaxConcurrentVMs + 10)
	for i := uint32(0); i < scanRange; i++ {
		candidate := m.cidNext + i
		if candidate < m.cfg.VsockCIDBase {
			candidate = m.cfg.VsockCIDBase
		}
		if !m.cidInUse[candidate] {
			m.cidInUse[candidate] = true
			m.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available vsock cids (all %d slots in use)", len(m.cidInUse))
}

func (m *Manager) releaseCID(cid uint32) {
	m.cidMu.Lock()
	defer m.cidMu.Unlock()
	delete(m.cidInUse, cid)
}

// setupNIC provisions the host-side device a VM NIC attaches to, picking
// the mechanism from the Network's type (spec.md §9's resolved "Network
// types" Open Question, see DESIGN.md): "nat" uses the CNI bridge chain,
// "bridged"/"isolated"/"vxlan" use netlink directly.
func (m *Manager) setupNIC(ctx context.Context, vmID string, spec rpc.NICSpec) (tapName, mac, guestIP string, err error) {
	switch spec.NetworkType {
	case "nat", "":
		res, err := m.nat.Setup(ctx, vmID, spec.IfaceID, spec.BridgeName, spec.CIDR, spec.Gateway)
		if err != nil {
			return "", "", "", err
		}
		return res.TAPDevice, res.MACAddress, res.GuestIP, nil

	case "bridged":
		tap := tapDeviceName(vmID, spec.IfaceID)
		if err := netctl.CreateTAP(tap); err != nil {
			return "", "", "", err
		}
		if err := netctl.AttachToBridge(tap, spec.BridgeName); err != nil {
			_ = netctl.DeleteTAP(tap)
			return "", "", "", err
		}
		if spec.VLANID != nil {
			if err := netctl.SetPortVLAN(tap, *spec.VLANID); err != nil {
				_ = netctl.DeleteTAP(tap)
				return "", "", "", err
			}
		}
		return tap, spec.GuestMAC, "", nil

	case "isolated":
		if err := netctl.EnsureBridge(spec.BridgeName); err != nil {
			return "", "", "", err
		}
		tap := tapDeviceName(vmID, spec.IfaceID)
		if err := netctl.CreateTAP(tap); err != nil {
			return "", "", "", err
		}
		if err := netctl.AttachToBridge(tap, spec.BridgeName); err != nil {
			_ = netctl.DeleteTAP(tap)
			return "", "", "", err
		}
		return tap, spec.GuestMAC, "", nil

	case "vxlan":
		tap := tapDeviceName(vmID, spec.IfaceID)
		if err := netctl.CreateTAP(tap); err != nil {
			return "", "", "", err
		}
		if err := netctl.AttachToBridge(tap, spec.BridgeName); err != nil {
			_ = netctl.DeleteTAP(tap)
			return "", "", "", err
		}
		return tap, spec.GuestMAC, "", nil

	default:
		return "", "", "", fmt.Errorf("unrecognized network type %q", spec.NetworkType)
	}
}

func (m *Manager) teardownNIC(ctx context.Context, vmID string, n nicState) {
	switch n.spec.NetworkType {
	case "nat", "":
		if err := m.nat.Teardown(ctx, vmID, n.spec.IfaceID, n.spec.BridgeName, n.spec.CIDR, n.spec.Gateway); err != nil {
			m.log.Warn("nat teardown failed", "vm_id", vmID, "iface_id", n.spec.IfaceID, "error", err)
		}
	case "bridged":
		if n.spec.VLANID != nil {
			_ = netctl.ClearPortVLAN(n.tapName, *n.spec.VLANID)
		}
		_ = netctl.DeleteTAP(n.tapName)
	default:
		_ = netctl.DeleteTAP(n.tapName)
	}
}

func tapDeviceName(vmID, ifaceID string) string {
	name := "tap-" + vmID + "-" + ifaceID
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

func driveToModel(d rpc.DriveSpec) models.Drive {
	md := models.Drive{
		DriveID:      fcsdk.String(d.DriveID),
		PathOnHost:   fcsdk.String(d.HostPath),
		IsRootDevice: fcsdk.Bool(d.IsRootDevice),
		IsReadOnly:   fcsdk.Bool(d.ReadOnly),
	}
	return md
}

// Inventory reports every VM this Agent currently tracks (spec.md §4.3,
// reconciler drift detection).
func (m *Manager) Inventory(hostID string) rpc.InventoryResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := rpc.InventoryResponse{HostID: hostID, VMs: make([]rpc.InventoryVM, 0, len(m.vms))}
	for id, st := range m.vms {
		tapNames := make([]string, 0, len(st.nics))
		for _, n := range st.nics {
			tapNames = append(tapNames, n.tapName)
		}
		out.VMs = append(out.VMs, rpc.InventoryVM{
			VMID:            id,
			State:           st.state,
			PID:             st.pid,
			APISocketPath:   st.apiSocket,
			TAPNames:        tapNames,
			ObservedStartAt: st.startedAt,
		})
	}
	return out
}

// APISocket returns the Firecracker API socket path for a tracked VM, used
// by the guest-ready/clear-network relays to locate its vsock UDS bridge.
func (m *Manager) APISocket(vmID string) (string, error) {
	st, err := m.get(vmID)
	if err != nil {
		return "", err
	}
	return st.apiSocket, nil
}

// VsockPath returns the vsock UDS path Firecracker created for a tracked
// VM's guest-agent channel.
func (m *Manager) VsockPath(vmID string) (string, error) {
	st, err := m.get(vmID)
	if err != nil {
		return "", err
	}
	return filepath.Join(st.vmDir, "vsock.sock"), nil
}

// GuestIP returns the DHCP-assigned address of one of a tracked VM's NICs,
// if any, used by the port-forward handler to target iptables DNAT rules.
// NICs are kept in a map, so when several carry an address which one is
// returned is not defined.
func (m *Manager) GuestIP(vmID string) (string, error) {
	st, err := m.get(vmID)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range st.nics {
		if n.guestIP != "" {
			return n.guestIP, nil
		}
	}
	return "", apierr.New(apierr.PrecheckFailed, "vm has no dhcp-assigned guest ip", nil)
}

// AttachSerial returns the host side of the pty bridging a tracked VM's
// ttyS0 console, letting the caller read boot/login output and write
// keystrokes as if physically at the console (spec.md §4.1 supplemented
// serial-attach operation). Concurrent attaches share the same pty; nothing
// limits a VM to one session, so concurrent sessions read from and write to
// the same console.
func (m *Manager) AttachSerial(vmID string) (io.ReadWriteCloser, error) {
	st, err := m.get(vmID)
	if err != nil {
		return nil, err
	}
	if st.serial == nil {
		return nil, apierr.New(apierr.PrecheckFailed, "vm has no serial console attached", nil)
	}
	return noCloseReadWriter{st.serial}, nil
}

// noCloseReadWriter wraps the serial pty master so a caller's Close (e.g.
// a dropped WebSocket) never tears down the VM's only console; the pty is
// closed exactly once, by DeleteVM.
type noCloseReadWriter struct {
	*os.File
}

func (noCloseReadWriter) Close() error { return nil }
