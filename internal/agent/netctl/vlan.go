package netctl

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// SetPortVLAN restricts a bridge port to a single 802.1Q VLAN, used for
// "bridged" Networks that share a physical uplink bridge across tenants
// (spec.md §9: "bridged" = uplink-attached Layer-2, VLAN-isolated by tag).
// The bridge must have vlan_filtering enabled out-of-band; Agents do not
// flip that flag themselves since it affects every port on the bridge.
func SetPortVLAN(tapName string, vlanID int) error {
	link, err := netlink.LinkByName(tapName)
	if err != nil {
		return fmt.Errorf("lookup port %s: %w", tapName, err)
	}
	if err := netlink.BridgeVlanAdd(link, uint16(vlanID), true, true, false, false); err != nil {
		return fmt.Errorf("set vlan %d on %s: %w", vlanID, tapName, err)
	}
	return nil
}

// ClearPortVLAN removes a previously set VLAN membership on detach.
func ClearPortVLAN(tapName string, vlanID int) error {
	link, err := netlink.LinkByName(tapName)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("lookup port %s: %w", tapName, err)
	}
	if err := netlink.BridgeVlanDel(link, uint16(vlanID), true, true, false, false); err != nil {
		return fmt.Errorf("clear vlan %d on %s: %w", vlanID, tapName, err)
	}
	return nil
}
