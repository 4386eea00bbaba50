package vmm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
)

// Supervisor registers Firecracker processes as transient systemd scope
// units (spec.md §4.1/§9's "detached supervision unit" requirement): once
// registered, the process's lifecycle is visible to and cgroup-managed by
// systemd independently of the Agent, the same mechanism container
// runtimes use for their own `--cgroup-driver=systemd` processes.
type Supervisor struct {
	conn *sdbus.Conn
}

// NewSupervisor connects to the system bus.
func NewSupervisor(ctx context.Context) (*Supervisor, error) {
	conn, err := sdbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Supervisor{conn: conn}, nil
}

// Close releases the bus connection.
func (s *Supervisor) Close() {
	s.conn.Close()
}

func unitName(vmID string) string {
	return "vulcan-vm-" + vmID + ".scope"
}

// StartFirecracker forks binPath with args, detached from the Agent's own
// process group, then registers the resulting PID as a systemd scope so it
// survives (and is observable independent of) an Agent restart.
func (s *Supervisor) StartFirecracker(ctx context.Context, vmID, binPath string, args []string, logPath string) (unit string, pid int, err error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	defer logFile.Close()

	cmd := exec.Command(binPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return "", 0, fmt.Errorf("start firecracker: %w", err)
	}
	pid = cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return "", 0, fmt.Errorf("release firecracker process handle: %w", err)
	}

	unit = unitName(vmID)
	props := []sdbus.Property{
		sdbus.PropDescription("vulcan microvm " + vmID),
		{Name: "PIDs", Value: dbus.MakeVariant([]uint32{uint32(pid)})},
		{Name: "CollectMode", Value: dbus.MakeVariant("inactive-or-failed")},
	}

	resultCh := make(chan string, 1)
	if _, err := s.conn.StartTransientUnitContext(ctx, unit, "fail", props, resultCh); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return "", 0, fmt.Errorf("register scope %s: %w", unit, err)
	}
	select {
	case <-resultCh:
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}

	return unit, pid, nil
}

// RegisterScope registers an already-running process (one firecracker-go-sdk
// spawned itself via Machine.Start) as a systemd scope, for cases where the
// caller needs the SDK's own process lifecycle handling rather than
// StartFirecracker's.
func (s *Supervisor) RegisterScope(ctx context.Context, vmID string, pid int) (string, error) {
	unit := unitName(vmID)
	props := []sdbus.Property{
		sdbus.PropDescription("vulcan microvm " + vmID),
		{Name: "PIDs", Value: dbus.MakeVariant([]uint32{uint32(pid)})},
		{Name: "CollectMode", Value: dbus.MakeVariant("inactive-or-failed")},
	}
	resultCh := make(chan string, 1)
	if _, err := s.conn.StartTransientUnitContext(ctx, unit, "fail", props, resultCh); err != nil {
		return "", fmt.Errorf("register scope %s: %w", unit, err)
	}
	select {
	case <-resultCh:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return unit, nil
}

// Stop asks systemd to send sig to every process in unit's scope and returns
// once systemd accepts the request; it does not wait for the unit to become
// inactive. Any error from systemd is returned, including the one for a unit
// that is no longer loaded; DeleteVM ignores Stop's error, which keeps
// delete_vm idempotent.
func (s *Supervisor) Stop(ctx context.Context, unit string, sig syscall.Signal) error {
	if err := s.conn.KillUnitContext(ctx, unit, int32(sig)); err != nil {
		return fmt.Errorf("kill unit %s: %w", unit, err)
	}
	return nil
}

// PID returns the scope's tracked main PID as systemd reports it. Inventory
// does not call it; it reports the PID recorded when the VM was started.
func (s *Supervisor) PID(ctx context.Context, unit string) (int, error) {
	prop, err := s.conn.GetUnitPropertyContext(ctx, unit, "MainPID")
	if err != nil {
		return 0, fmt.Errorf("get main pid for %s: %w", unit, err)
	}
	pid, ok := prop.Value.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("unexpected MainPID type for %s", unit)
	}
	return int(pid), nil
}

// ListVMUnits returns the unit names of every currently loaded
// vulcan-vm-*.scope unit. Nothing in the Agent calls it: the in-memory VM
// state is not rebuilt from these units after an Agent restart.
func (s *Supervisor) ListVMUnits(ctx context.Context) ([]string, error) {
	units, err := s.conn.ListUnitsByPatternsContext(ctx, nil, []string{"vulcan-vm-*.scope"})
	if err != nil {
		return nil, fmt.Errorf("list vm scopes: %w", err)
	}
	names := make([]string, 0, len(units))
	for _, u := range units {
		names = append(names, u.Name)
	}
	return names, nil
}
