// Package guestinit is the PID 1 process vulcan-guestinit installs inside
// every Firecracker rootfs image (spec.md §4.4): it mounts the minimal
// filesystems a guest needs, brings up networking, then serves readiness
// and network-reset requests to the Host Agent over vsock for as long as
// the VM lives.
package guestinit

import (
	"context"
	"log"
	"os"
	"os/exec"
	"syscall"
	"time"
)

type mountEntry struct {
	source string
	target string
	fstype string
	flags  uintptr
}

var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc", flags: 0},
	{source: "sysfs", target: "/sys", fstype: "sysfs", flags: 0},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs", flags: 0},
}

// SetupMounts mounts the essential filesystems a freshly-booted guest
// needs before anything else can run. A no-op outside PID 1, so tests and
// the Host-side build of this package can import it freely.
func SetupMounts() {
	if os.Getpid() != 1 {
		return
	}

	log.Println("running as pid 1, mounting essential filesystems")

	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			log.Printf("mkdir %s: %v", m.target, err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil {
			log.Printf("mount %s: %v", m.target, err)
		}
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}

// AcquireLease runs the in-guest DHCP client against ifaceName, used both
// at boot and again after the Host Agent relays ClearNetwork to drop a
// restored clone's inherited lease (spec.md §4.4 step 3).
func AcquireLease(ctx context.Context, ifaceName string) error {
	cmd := exec.CommandContext(ctx, "udhcpc", "-i", ifaceName, "-n", "-q", "-f")
	return cmd.Run()
}

// ReleaseLease drops ifaceName's current address so a subsequent
// AcquireLease call cannot observe stale state.
func ReleaseLease(ifaceName string) error {
	return exec.Command("ip", "addr", "flush", "dev", ifaceName).Run()
}

// Run is the guest entrypoint: mount filesystems, bring up eth0, serve the
// vsock introspection protocol, and only then run the real workload init
// named by realInit (the container runtime's own init, or a shell for
// interactive images) as a child process, returning once it exits. With an
// empty realInit, Run blocks forever.
func Run(realInit string, realInitArgs []string) {
	SetupMounts()

	bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := AcquireLease(bootCtx, "eth0"); err != nil {
		log.Printf("acquire dhcp lease on eth0: %v", err)
	}
	cancel()

	srv := NewServer("eth0")
	go func() {
		if err := srv.Serve(); err != nil {
			log.Printf("guestinit vsock server stopped: %v", err)
		}
	}()

	if realInit == "" {
		select {}
	}

	cmd := exec.Command(realInit, realInitArgs...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		log.Printf("real init %s exited: %v", realInit, err)
	}
}
