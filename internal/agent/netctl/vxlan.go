package netctl

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/vulcan-sh/vulcan/internal/rpc"
)

// vxlanLinkName derives the deterministic VXLAN interface name for a
// Network, keyed by VNI rather than the Network's own ID so two Agents
// referring to the same overlay converge on the same device name.
func vxlanLinkName(vni int) string {
	return fmt.Sprintf("vxlan%d", vni)
}

// EnsureVXLAN creates (if absent) the VXLAN device for vni bound to
// localVTEP, enslaves it to bridgeName, and replaces its FDB with the
// current peer set. Called idempotently every time ProgramVXLAN is
// dispatched, so repeated calls converge rather than duplicate state.
func EnsureVXLAN(vni int, bridgeName, localVTEP string, peers []rpc.VXLANPeer) error {
	name := vxlanLinkName(vni)

	local := net.ParseIP(localVTEP)
	if local == nil {
		return fmt.Errorf("invalid local vtep ip %q", localVTEP)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); !ok {
			return fmt.Errorf("lookup vxlan %s: %w", name, err)
		}
		la := netlink.NewLinkAttrs()
		la.Name = name
		vx := &netlink.Vxlan{
			LinkAttrs: la,
			VxlanId:   vni,
			SrcAddr:   local,
			Port:      4789,
			Learning:  false,
		}
		if err := netlink.LinkAdd(vx); err != nil {
			return fmt.Errorf("create vxlan %s: %w", name, err)
		}
		link, err = netlink.LinkByName(name)
		if err != nil {
			return fmt.Errorf("lookup new vxlan %s: %w", name, err)
		}
	}

	if err := EnsureBridge(bridgeName); err != nil {
		return err
	}
	bridge, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return fmt.Errorf("lookup bridge %s: %w", bridgeName, err)
	}
	if err := netlink.LinkSetMaster(link, bridge); err != nil {
		return fmt.Errorf("enslave %s to %s: %w", name, bridgeName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", name, err)
	}

	if err := replaceFDB(link, peers); err != nil {
		return fmt.Errorf("program fdb for %s: %w", name, err)
	}
	return nil
}

// replaceFDB installs one static FDB entry per peer VTEP, pointing the
// all-zero ("flood") MAC at every remote endpoint so unknown-unicast and
// broadcast traffic reaches all peers — the standard head-end replication
// approach for a VXLAN overlay with no multicast underlay available.
func replaceFDB(link netlink.Link, peers []rpc.VXLANPeer) error {
	floodMAC := net.HardwareAddr{0, 0, 0, 0, 0, 0}

	existing, err := netlink.NeighList(link.Attrs().Index, 0)
	if err != nil {
		return fmt.Errorf("list existing fdb entries: %w", err)
	}
	for _, n := range existing {
		if n.Family == unixAFBridge {
			_ = netlink.NeighDel(&n)
		}
	}

	for _, p := range peers {
		ip := net.ParseIP(p.VTEPIP)
		if ip == nil {
			return fmt.Errorf("invalid peer vtep ip %q for host %s", p.VTEPIP, p.HostID)
		}
		neigh := &netlink.Neigh{
			LinkIndex:    link.Attrs().Index,
			Family:       unixAFBridge,
			State:        netlink.NUD_PERMANENT,
			Flags:        netlink.NTF_SELF,
			HardwareAddr: floodMAC,
			IP:           ip,
		}
		if err := netlink.NeighAppend(neigh); err != nil {
			return fmt.Errorf("add fdb entry for host %s: %w", p.HostID, err)
		}
	}
	return nil
}

// unixAFBridge is syscall.AF_BRIDGE, used by netlink for FDB (bridge
// neighbor table) entries rather than the IP neighbor table.
const unixAFBridge = 7

// TeardownVXLAN removes the VXLAN device for vni. Idempotent.
func TeardownVXLAN(vni int) error {
	name := vxlanLinkName(vni)
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("lookup vxlan %s: %w", name, err)
	}
	return netlink.LinkDel(link)
}
