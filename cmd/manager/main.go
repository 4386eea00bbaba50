// Command vulcan-manager is the control-plane API: it owns the relational
// store, issues bearer tokens, schedules VM placement across registered
// Hosts, runs the drift-reconciliation loop, and orchestrates the
// Runtime-Snapshot Cache.
package main

import (
	"log"
	"os"
	"time"

	"github.com/vulcan-sh/vulcan/internal/config"
	"github.com/vulcan-sh/vulcan/internal/manager/api"
	"github.com/vulcan-sh/vulcan/internal/manager/auth"
	"github.com/vulcan-sh/vulcan/internal/manager/reconciler"
	"github.com/vulcan-sh/vulcan/internal/manager/runtimesnapshot"
	"github.com/vulcan-sh/vulcan/internal/manager/scheduler"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/rpc"
	"github.com/vulcan-sh/vulcan/internal/store"
)

func main() {
	cfg := config.LoadManager()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("vulcan-manager: starting", "listen_addr", cfg.ListenAddr, "db_path", cfg.DBPath)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	issuer := auth.NewIssuer(cfg.JWTSigningKey, db)
	sched := scheduler.New(db, cfg.LivenessInterval*time.Duration(cfg.LivenessMultiple))

	newClient := func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, cfg.RPCTimeout) }

	rec := reconciler.New(db, newClient, logger,
		cfg.LivenessInterval*time.Duration(cfg.LivenessMultiple),
		cfg.TransitionDeadline,
		cfg.TombstoneRetention,
	)

	snapshots := runtimesnapshot.New(db, sched, newClient, logger, cfg.SnapshotFailureLimit)

	srv := api.NewServer(cfg.ListenAddr, db, issuer, sched, rec, snapshots, cfg.RPCTimeout, cfg.ReconcileInterval, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
