// Command vulcan-agent runs on each Firecracker host: it drives VM
// lifecycle through firecracker-go-sdk, programs host-side networking and
// port forwards, and reports itself to the Manager via registration and a
// periodic heartbeat.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vulcan-sh/vulcan/internal/agent"
	"github.com/vulcan-sh/vulcan/internal/agent/api"
	"github.com/vulcan-sh/vulcan/internal/agent/vmm"
	"github.com/vulcan-sh/vulcan/internal/config"
	"github.com/vulcan-sh/vulcan/internal/rpc"
)

func main() {
	cfg := config.LoadAgent()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("vulcan-agent: starting", "listen_addr", cfg.ListenAddr, "manager_base_url", cfg.ManagerBaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := vmm.NewManager(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init vm manager: %v", err)
	}

	managerClient := rpc.NewManagerClient(cfg.ManagerBaseURL, cfg.AgentToken, cfg.RPCTimeout)

	hostID, err := agent.Register(ctx, managerClient, cfg, logger)
	if err != nil {
		log.Fatalf("register with manager: %v", err)
	}

	go agent.RunHeartbeat(ctx, managerClient, hostID, cfg.RuntimeDir, cfg.HeartbeatInterval, logger)

	srv := api.NewServer(cfg.ListenAddr, hostID, m, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
