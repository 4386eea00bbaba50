// Package netctl programs host-side networking for VMs: TAP device
// creation, bridge/VLAN attachment, VXLAN overlays, NAT port forwarding,
// and the CNI bridge chain used by "nat"-type Networks.
package netctl

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// CreateTAP creates a TAP device owned by the Agent process's uid/gid (so
// the Firecracker process, started as the same user, can open it) and
// leaves it down; the caller brings it up after attaching it to a bridge.
func CreateTAP(name string) error {
	la := netlink.NewLinkAttrs()
	la.Name = name
	tap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_ONE_QUEUE | netlink.TUNTAP_VNET_HDR,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("create tap %s: %w", name, err)
	}
	return nil
}

// DeleteTAP removes a TAP device. Idempotent: a missing device is not an
// error, since DetachNIC and VM teardown may race.
func DeleteTAP(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("lookup tap %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete tap %s: %w", name, err)
	}
	return nil
}

// AttachToBridge brings tapName up and enslaves it to bridgeName. The
// bridge must already exist (created out-of-band by the operator, or by
// EnsureBridge for isolated Networks with no uplink).
func AttachToBridge(tapName, bridgeName string) error {
	bridge, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return fmt.Errorf("lookup bridge %s: %w", bridgeName, err)
	}
	tap, err := netlink.LinkByName(tapName)
	if err != nil {
		return fmt.Errorf("lookup tap %s: %w", tapName, err)
	}
	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		return fmt.Errorf("enslave %s to %s: %w", tapName, bridgeName, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		return fmt.Errorf("bring up %s: %w", tapName, err)
	}
	return nil
}

// EnsureBridge creates bridgeName if it does not already exist and brings
// it up, used for "isolated" Networks where the Agent itself owns the
// bridge's lifecycle rather than an operator-provisioned uplink bridge.
func EnsureBridge(bridgeName string) error {
	if _, err := netlink.LinkByName(bridgeName); err == nil {
		return nil
	}
	la := netlink.NewLinkAttrs()
	la.Name = bridgeName
	br := &netlink.Bridge{LinkAttrs: la}
	if err := netlink.LinkAdd(br); err != nil {
		return fmt.Errorf("create bridge %s: %w", bridgeName, err)
	}
	link, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return fmt.Errorf("lookup new bridge %s: %w", bridgeName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up bridge %s: %w", bridgeName, err)
	}
	return nil
}
