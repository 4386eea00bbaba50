package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vulcan-sh/vulcan/internal/apierr"
)

// Client dispatches RPCs from the Manager to a single Host Agent's bound
// address. Every call carries the configured Timeout as its deadline; on
// expiry the caller (manager/api or manager/reconciler) records the VM row
// as error with fault_message="timeout" (spec.md §5).
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewClient builds a Client targeting an Agent's base URL (e.g.
// "http://10.0.1.5:8081").
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		timeout: timeout,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apierr.New(apierr.HostLocalError, "encode request", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apierr.New(apierr.HostLocalError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apierr.New(apierr.Timeout, "timeout", err)
		}
		return apierr.New(apierr.Unavailable, "agent unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return DecodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apierr.New(apierr.HostLocalError, "decode response", err)
	}
	return nil
}

// CreateVM dispatches create_vm to the Agent.
func (c *Client) CreateVM(ctx context.Context, req CreateVMRequest) (*CreateVMResult, error) {
	var out CreateVMResult
	if err := c.do(ctx, http.MethodPost, "/v1/vms", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateVMState dispatches update_vm_state (start|stop|pause|resume|
// flush_metrics|ctrl_alt_del).
func (c *Client) UpdateVMState(ctx context.Context, vmID string, req UpdateVMStateRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/state", vmID), req, nil)
}

// DeleteVM dispatches delete_vm. Idempotent: a 404 from the Agent is not
// surfaced as an error (spec.md §9).
func (c *Client) DeleteVM(ctx context.Context, vmID string) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/vms/%s", vmID), nil, nil)
	if ae, ok := apierr.As(err); ok && ae.Kind == apierr.NotFound {
		return nil
	}
	return err
}

// CreateSnapshot dispatches create_snapshot. The VM must already be paused.
func (c *Client) CreateSnapshot(ctx context.Context, vmID string, req CreateSnapshotRequest) (*CreateSnapshotResult, error) {
	var out CreateSnapshotResult
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/snapshot", vmID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RestoreVM dispatches restore_vm.
func (c *Client) RestoreVM(ctx context.Context, req RestoreVMRequest) (*CreateVMResult, error) {
	var out CreateVMResult
	if err := c.do(ctx, http.MethodPost, "/v1/vms/restore", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AttachDrive dispatches attach_drive. Takes effect on the VM's next restart.
func (c *Client) AttachDrive(ctx context.Context, vmID string, req AttachDriveRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/drives", vmID), req, nil)
}

// DetachDrive dispatches detach_drive.
func (c *Client) DetachDrive(ctx context.Context, vmID, driveID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/vms/%s/drives/%s", vmID, driveID), nil, nil)
}

// AttachNIC dispatches attach_nic.
func (c *Client) AttachNIC(ctx context.Context, vmID string, req AttachNICRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/nics", vmID), req, nil)
}

// DetachNIC dispatches detach_nic.
func (c *Client) DetachNIC(ctx context.Context, vmID, ifaceID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/vms/%s/nics/%s", vmID, ifaceID), nil, nil)
}

// ProgramPortForward installs a host-side NAT rule. The Manager has already
// reserved (host_port, protocol) in its own store; this is the Agent's
// second-line check (spec.md §4.1).
func (c *Client) ProgramPortForward(ctx context.Context, vmID string, req ProgramPortForwardRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/port-forwards", vmID), req, nil)
}

// DeletePortForward removes a previously-programmed NAT rule. Idempotent.
func (c *Client) DeletePortForward(ctx context.Context, vmID, protocol string, hostPort int) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/vms/%s/port-forwards/%s/%d", vmID, protocol, hostPort), nil, nil)
	if ae, ok := apierr.As(err); ok && ae.Kind == apierr.NotFound {
		return nil
	}
	return err
}

// ProgramVXLAN installs VTEP/FDB entries for a VXLAN overlay Network.
func (c *Client) ProgramVXLAN(ctx context.Context, req ProgramVXLANRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/networks/vxlan", req, nil)
}

// Inventory fetches the Agent's observed view of every VM alive on its
// Host, used exclusively by the reconciler.
func (c *Client) Inventory(ctx context.Context) (*InventoryResponse, error) {
	var out InventoryResponse
	if err := c.do(ctx, http.MethodGet, "/v1/inventory", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GuestReady probes a VM's in-guest container runtime via the Agent's
// vsock relay to the guest-agent (spec.md §4.4 restore-path step 4 and
// snapshot-creation pipeline step 2).
func (c *Client) GuestReady(ctx context.Context, vmID string) (*GuestReadyResponse, error) {
	var out GuestReadyResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/vms/%s/guest-ready", vmID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearGuestNetwork drops a VM's current DHCP lease so a restored clone of
// its snapshot acquires a fresh one (spec.md §4.4 step 3).
func (c *Client) ClearGuestNetwork(ctx context.Context, vmID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/vms/%s/clear-network", vmID), ClearGuestNetworkRequest{}, nil)
}
