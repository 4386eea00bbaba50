// Package reconciler implements the Manager's periodic drift-healing loop
// (spec.md §4.3): comparing each healthy Host's reported inventory against
// persisted desired state and correcting orphans, vanished VMs, and
// transitional-state timeouts.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/rpc"
	"github.com/vulcan-sh/vulcan/internal/store"
)

// ClientFactory builds an RPC client targeting a Host's Agent.
type ClientFactory func(h *model.Host) *rpc.Client

// Reconciler runs the reconciliation loop on a fixed schedule.
type Reconciler struct {
	store              store.Store
	newClient          ClientFactory
	log                *slog.Logger
	livenessWindow     time.Duration
	transitionDeadline time.Duration
	tombstoneRetention time.Duration

	cron *cron.Cron
}

// New constructs a Reconciler. newClient is called once per cycle per Host
// so Agent address changes (re-registration) take effect without restart.
func New(s store.Store, newClient ClientFactory, log *slog.Logger, livenessWindow, transitionDeadline, tombstoneRetention time.Duration) *Reconciler {
	return &Reconciler{
		store:              s,
		newClient:          newClient,
		log:                log,
		livenessWindow:     livenessWindow,
		transitionDeadline: transitionDeadline,
		tombstoneRetention: tombstoneRetention,
	}
}

// Start schedules RunOnce every interval via robfig/cron and returns
// immediately; the loop runs until ctx is canceled or Stop is called.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	_, err := r.cron.AddFunc(spec, func() {
		if err := r.RunOnce(ctx); err != nil {
			r.log.Error("reconcile cycle failed", "error", err)
		}
	})
	if err != nil {
		r.log.Error("schedule reconcile loop", "error", err)
		return
	}
	r.cron.Start()
	go func() {
		<-ctx.Done()
		r.cron.Stop()
	}()
}

// Stop halts the schedule, waiting for any in-flight cycle to finish.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunOnce executes a single reconciliation cycle across every Host. It is
// idempotent: re-running against unchanged state produces no further
// mutations (spec.md §4.3).
func (r *Reconciler) RunOnce(ctx context.Context) error {
	hosts, err := r.store.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("list hosts: %w", err)
	}

	now := time.Now().UTC()
	for _, h := range hosts {
		if err := r.reconcileTransitionalTimeouts(ctx, h, now); err != nil {
			r.log.Error("transitional timeout pass failed", "host_id", h.ID, "error", err)
		}

		if !h.IsHealthy(now, r.livenessWindow) {
			// Unhealthy Hosts are not mutated beyond transitional-timeout
			// errors above (spec.md §4.3's heartbeat-model carve-out).
			continue
		}

		client := r.newClient(h)
		inv, err := client.Inventory(ctx)
		if err != nil {
			r.log.Warn("inventory fetch failed", "host_id", h.ID, "error", err)
			continue
		}

		if err := r.reconcileOrphans(ctx, h, client, inv); err != nil {
			r.log.Error("orphan pass failed", "host_id", h.ID, "error", err)
		}
		if err := r.reconcileVanished(ctx, h, inv); err != nil {
			r.log.Error("vanished pass failed", "host_id", h.ID, "error", err)
		}
	}
	return nil
}

// reconcileOrphans handles VMs the Agent reports alive that the store does
// not know about: delete_vm if a recent tombstone explains it, otherwise a
// shadow error row for operator attention (spec.md §4.3 step 2).
func (r *Reconciler) reconcileOrphans(ctx context.Context, h *model.Host, client *rpc.Client, inv *rpc.InventoryResponse) error {
	for _, iv := range inv.VMs {
		_, err := r.store.GetVM(ctx, iv.VMID)
		if err == nil {
			continue // known VM, not an orphan
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("get vm %s: %w", iv.VMID, err)
		}

		tombstoned, err := r.store.IsRecentlyTombstoned(ctx, iv.VMID, r.tombstoneRetention)
		if err != nil {
			return fmt.Errorf("check tombstone %s: %w", iv.VMID, err)
		}
		if tombstoned {
			if err := client.DeleteVM(ctx, iv.VMID); err != nil {
				r.log.Warn("orphan delete_vm failed", "vm_id", iv.VMID, "error", err)
			}
			continue
		}

		shadow := &model.VM{
			ID:           iv.VMID,
			Name:         iv.VMID,
			HostID:       h.ID,
			State:        model.VMError,
			FaultMessage: "orphan",
			CreatedAt:    now(),
			UpdatedAt:    now(),
		}
		if err := r.store.CreateVM(ctx, shadow); err != nil {
			r.log.Warn("create orphan shadow row failed", "vm_id", iv.VMID, "error", err)
		}
	}
	return nil
}

// reconcileVanished marks store VMs whose terminal-but-alive state
// (running, paused) has disappeared from the Agent's inventory
// (spec.md §4.3 step 3).
func (r *Reconciler) reconcileVanished(ctx context.Context, h *model.Host, inv *rpc.InventoryResponse) error {
	present := make(map[string]bool, len(inv.VMs))
	for _, iv := range inv.VMs {
		present[iv.VMID] = true
	}

	vms, err := r.store.ListVMsByHost(ctx, h.ID)
	if err != nil {
		return fmt.Errorf("list vms by host %s: %w", h.ID, err)
	}
	for _, v := range vms {
		if v.State != model.VMRunning && v.State != model.VMPaused {
			continue
		}
		if present[v.ID] {
			continue
		}
		if err := r.store.UpdateVMState(ctx, v.ID, model.VMError, "vanished"); err != nil {
			r.log.Warn("mark vanished failed", "vm_id", v.ID, "error", err)
		}
	}
	return nil
}

// reconcileTransitionalTimeouts marks VMs stuck in creating/booting past
// transitionDeadline as error (spec.md §4.3 step 4). Unlike the other two
// passes this requires no Agent inventory and so runs even against
// unhealthy Hosts.
func (r *Reconciler) reconcileTransitionalTimeouts(ctx context.Context, h *model.Host, now time.Time) error {
	vms, err := r.store.ListVMsByHost(ctx, h.ID)
	if err != nil {
		return fmt.Errorf("list vms by host %s: %w", h.ID, err)
	}
	for _, v := range vms {
		if v.State != model.VMCreating && v.State != model.VMBooting {
			continue
		}
		if now.Sub(v.UpdatedAt) <= r.transitionDeadline {
			continue
		}
		elapsed := now.Sub(v.UpdatedAt)
		msg := fmt.Sprintf("timeout: stuck in %s for %s", v.State, elapsed.Round(time.Second))
		if err := r.store.UpdateVMState(ctx, v.ID, model.VMError, msg); err != nil {
			r.log.Warn("mark transitional timeout failed", "vm_id", v.ID, "error", err)
		}
	}
	return nil
}

func now() time.Time { return time.Now().UTC() }
