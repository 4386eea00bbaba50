// Package scheduler implements Host selection for new VMs (spec.md §4.2).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/store"
)

// activeStates are VM states that still hold their Host's resources.
var activeStates = map[string]bool{
	model.VMCreating: true,
	model.VMBooting:  true,
	model.VMRunning:  true,
	model.VMPaused:   true,
}

// Request describes the resource and placement requirements of a VM to be
// scheduled.
type Request struct {
	VCPUs     int
	MemMiB    int
	NetworkID string // optional; empty if the VM has no NIC yet
}

// Scheduler selects a Host for a new VM.
type Scheduler struct {
	store          store.Store
	livenessWindow time.Duration
}

// New constructs a Scheduler. livenessWindow is LivenessInterval *
// LivenessMultiple from config.ManagerConfig.
func New(s store.Store, livenessWindow time.Duration) *Scheduler {
	return &Scheduler{store: s, livenessWindow: livenessWindow}
}

type candidate struct {
	host        *model.Host
	activeVMs   int
	allocMemMiB int
}

// Select chooses a Host for req, returning apierr.ResourceExhausted if no
// Host qualifies. The decision is the caller's to record in vm.host_id
// before dispatch (spec.md §4.2).
func (s *Scheduler) Select(ctx context.Context, req Request) (*model.Host, error) {
	hosts, err := s.store.ListHosts(ctx)
	if err != nil {
		return nil, apierr.New(apierr.HostLocalError, "list hosts", err)
	}

	var requiredHostID string
	if req.NetworkID != "" {
		net, err := s.store.GetNetwork(ctx, req.NetworkID)
		if err != nil {
			return nil, apierr.New(apierr.ValidationFailed, "network not found", err)
		}
		if net.HostID != nil {
			requiredHostID = *net.HostID
		}
	}

	now := time.Now().UTC()
	var candidates []candidate
	for _, h := range hosts {
		if !h.IsHealthy(now, s.livenessWindow) {
			continue
		}
		if requiredHostID != "" && h.ID != requiredHostID {
			continue
		}

		vms, err := s.store.ListVMsByHost(ctx, h.ID)
		if err != nil {
			return nil, apierr.New(apierr.HostLocalError, "list vms by host", err)
		}
		activeVMs, allocVCPUs, allocMemMiB := 0, 0, 0
		for _, v := range vms {
			if !activeStates[v.State] {
				continue
			}
			activeVMs++
			allocVCPUs += v.VCPUs
			allocMemMiB += v.MemMiB
		}

		freeVCPUs := h.CPUTotal - allocVCPUs
		freeMemMiB := h.MemTotalMiB - allocMemMiB
		if freeVCPUs < req.VCPUs || freeMemMiB < req.MemMiB {
			continue
		}

		candidates = append(candidates, candidate{host: h, activeVMs: activeVMs, allocMemMiB: allocMemMiB})
	}

	if len(candidates) == 0 {
		return nil, apierr.New(apierr.ResourceExhausted, "no host has capacity for this vm", nil)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.activeVMs < best.activeVMs {
			best = c
			continue
		}
		if c.activeVMs == best.activeVMs && memRatio(c) < memRatio(best) {
			best = c
		}
	}

	return best.host, nil
}

func memRatio(c candidate) float64 {
	if c.host.MemTotalMiB == 0 {
		return 0
	}
	return float64(c.allocMemMiB) / float64(c.host.MemTotalMiB)
}

// Validate rejects a req whose vcpus or mem_mib is not positive, before the
// store is ever touched. No platform minimum for memory is enforced, here or
// at the API boundary.
func (s *Scheduler) Validate(req Request) error {
	if req.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be positive")
	}
	if req.MemMiB <= 0 {
		return fmt.Errorf("mem_mib must be positive")
	}
	return nil
}
