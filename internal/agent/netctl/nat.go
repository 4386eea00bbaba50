package netctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// CNI defaults for "nat"-type Networks (spec.md §9: host-routed + IP
// masquerade + optional DHCP via the CNI bridge plugin's host-local IPAM).
const (
	cniVersion    = "1.0.0"
	cniIfName     = "eth0"
	cniCacheDir   = "/var/lib/cni/cache"
	netNSRunDir   = "/var/run/netns"
	netNSPrefix   = "vulcan-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// NATController runs the CNI bridge+host-local+tc-redirect-tap chain for
// every VM NIC attached to a "nat" Network, producing the TAP device
// Firecracker attaches to and the guest's assigned IP.
type NATController struct {
	cniBinDir string
	cni       *libcni.CNIConfig

	mu   sync.Mutex
	nsOf map[string]string // vmID+"/"+ifaceID → netns path
}

// NewNATController builds a NATController using CNI plugin binaries found
// in binDir (spec.md domain stack: containernetworking/cni, libcni).
func NewNATController(binDir string) *NATController {
	return &NATController{
		cniBinDir: binDir,
		cni:       libcni.NewCNIConfigWithCacheDir([]string{binDir}, cniCacheDir, nil),
		nsOf:      make(map[string]string),
	}
}

// Verify confirms every required CNI plugin binary is present.
func (n *NATController) Verify() error {
	var missing []string
	for _, p := range requiredCNIPlugins {
		if _, err := os.Stat(filepath.Join(n.cniBinDir, p)); errors.Is(err, os.ErrNotExist) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", n.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// NATResult is the TAP device and guest IP produced by a NAT Network's CNI
// ADD, ready to hand to the VMM as the interface a VM NIC attaches to.
type NATResult struct {
	TAPDevice  string
	MACAddress string
	GuestIP    string
	GatewayIP  string
}

// Setup runs CNI ADD for one VM NIC, allocating a network namespace, a
// veth+TAP pair via tc-redirect-tap, and a host-local IP lease.
func (n *NATController) Setup(ctx context.Context, vmID, ifaceID, bridgeName, cidr, gateway string) (*NATResult, error) {
	key := vmID + "/" + ifaceID
	nsName := netNSPrefix + strings.ReplaceAll(key, "/", "-")
	nsPath := filepath.Join(netNSRunDir, nsName)

	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}
	n.mu.Lock()
	n.nsOf[key] = nsPath
	n.mu.Unlock()

	confList, err := libcni.ConfListFromBytes(natConfList(bridgeName, cidr, gateway))
	if err != nil {
		_ = deleteNetNS(nsName)
		return nil, fmt.Errorf("parse nat conflist: %w", err)
	}

	rt := &libcni.RuntimeConf{ContainerID: key, NetNS: nsPath, IfName: cniIfName}
	result, err := n.cni.AddNetworkList(ctx, confList, rt)
	if err != nil {
		_ = deleteNetNS(nsName)
		n.mu.Lock()
		delete(n.nsOf, key)
		n.mu.Unlock()
		return nil, fmt.Errorf("cni add for %s: %w", key, err)
	}

	res, err := parseNATResult(result, nsPath)
	if err != nil {
		_ = n.cni.DelNetworkList(ctx, confList, rt)
		_ = deleteNetNS(nsName)
		n.mu.Lock()
		delete(n.nsOf, key)
		n.mu.Unlock()
		return nil, err
	}
	return res, nil
}

// Teardown runs CNI DEL and removes the namespace for one VM NIC.
// Idempotent.
func (n *NATController) Teardown(ctx context.Context, vmID, ifaceID, bridgeName, cidr, gateway string) error {
	key := vmID + "/" + ifaceID
	n.mu.Lock()
	nsPath, ok := n.nsOf[key]
	n.mu.Unlock()
	if !ok {
		return nil
	}

	confList, err := libcni.ConfListFromBytes(natConfList(bridgeName, cidr, gateway))
	if err != nil {
		return fmt.Errorf("parse nat conflist: %w", err)
	}
	rt := &libcni.RuntimeConf{ContainerID: key, NetNS: nsPath, IfName: cniIfName}

	delErr := n.cni.DelNetworkList(ctx, confList, rt)

	nsName := netNSPrefix + strings.ReplaceAll(key, "/", "-")
	nsErr := deleteNetNS(nsName)

	n.mu.Lock()
	delete(n.nsOf, key)
	n.mu.Unlock()

	if delErr != nil {
		return fmt.Errorf("cni del for %s: %w", key, delErr)
	}
	return nsErr
}

func natConfList(bridgeName, cidr, gateway string) []byte {
	cfg := struct {
		CNIVersion string           `json:"cniVersion"`
		Name       string           `json:"name"`
		Plugins    []map[string]any `json:"plugins"`
	}{
		CNIVersion: cniVersion,
		Name:       "vulcan-nat-" + bridgeName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    bridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  cidr,
					"gateway": gateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	return data
}

func parseNATResult(result types.Result, nsPath string) (*NATResult, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert cni result: %w", err)
	}

	out := &NATResult{}
	for _, iface := range res.Interfaces {
		if iface.Sandbox != "" && iface.Name != cniIfName {
			out.TAPDevice, out.MACAddress = iface.Name, iface.Mac
			break
		}
	}
	if out.TAPDevice == "" {
		for _, iface := range res.Interfaces {
			if iface.Sandbox != "" {
				out.TAPDevice, out.MACAddress = iface.Name, iface.Mac
				break
			}
		}
	}
	if out.TAPDevice == "" {
		return nil, fmt.Errorf("no tap device in cni result for namespace %s", nsPath)
	}
	if len(res.IPs) > 0 {
		out.GuestIP = res.IPs[0].Address.String()
		if res.IPs[0].Gateway != nil {
			out.GatewayIP = res.IPs[0].Gateway.String()
		}
	}
	return out, nil
}

func createNetNS(name string) error {
	if err := os.MkdirAll(netNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	if out, err := exec.Command("ip", "netns", "add", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(netNSRunDir, name)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if out, err := exec.Command("ip", "netns", "delete", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}
