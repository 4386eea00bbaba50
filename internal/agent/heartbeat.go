package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/vulcan-sh/vulcan/internal/config"
	"github.com/vulcan-sh/vulcan/internal/rpc"
)

// Register announces this Host to the Manager, retrying with an exponential
// backoff (1s, doubling up to 30s) until it succeeds or ctx is cancelled — the Agent has nothing
// useful to do before the Manager knows it exists.
func Register(ctx context.Context, client *rpc.ManagerClient, cfg config.AgentConfig, log *slog.Logger) (string, error) {
	name := cfg.HostName
	if name == "" {
		name = cfg.HostAddress
	}
	stats := Collect(cfg.RuntimeDir)

	req := rpc.RegisterHostRequest{
		Name:         name,
		Address:      cfg.HostAddress,
		BridgeNames:  cfg.HostBridges,
		RuntimeDir:   cfg.RuntimeDir,
		ImagesDir:    cfg.ImagesDir,
		CPUTotal:     stats.CPUTotal,
		MemTotalMiB:  stats.MemTotalMiB,
		DiskTotalMiB: stats.DiskTotalMiB,
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		resp, err := client.RegisterHost(ctx, req)
		if err == nil {
			log.Info("registered with manager", "host_id", resp.ID)
			return resp.ID, nil
		}
		log.Warn("host registration failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// RunHeartbeat posts resource-usage heartbeats to the Manager every
// interval until ctx is cancelled (spec.md §4.3: the Agent initiates every
// heartbeat, the Manager never polls a Host).
func RunHeartbeat(ctx context.Context, client *rpc.ManagerClient, hostID string, runtimeDir string, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := Collect(runtimeDir)
			req := rpc.HeartbeatRequest{
				CPUTotal:     stats.CPUTotal,
				MemTotalMiB:  stats.MemTotalMiB,
				DiskTotalMiB: stats.DiskTotalMiB,
				CPUUsedPct:   stats.CPUUsedPct,
				MemUsedMiB:   stats.MemUsedMiB,
				DiskUsedMiB:  stats.DiskUsedMiB,
			}
			if err := client.Heartbeat(ctx, hostID, req); err != nil {
				log.Warn("heartbeat failed", "host_id", hostID, "error", err)
			}
		}
	}
}
