// Command vulcan-guestinit is installed as /sbin/vulcan-guestinit inside
// every Firecracker rootfs image and booted as PID 1 (kernel cmdline
// init=/sbin/vulcan-guestinit, spec.md §4.4). It brings the guest far
// enough up for the Host Agent to probe it over vsock, then execs the
// image's real init.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o vulcan-guestinit ./cmd/vulcan-guest
package main

import (
	"os"

	"github.com/vulcan-sh/vulcan/internal/guestinit"
)

// defaultRealInit is the container runtime init baked into the rootfs
// images this system boots; overridable via argv for images that chain a
// different init.
const defaultRealInit = "/sbin/init"

func main() {
	realInit := defaultRealInit
	var realInitArgs []string
	if len(os.Args) > 1 {
		realInit = os.Args[1]
		realInitArgs = os.Args[2:]
	}

	guestinit.Run(realInit, realInitArgs)
}
