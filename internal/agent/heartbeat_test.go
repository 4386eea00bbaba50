package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vulcan-sh/vulcan/internal/config"
	"github.com/vulcan-sh/vulcan/internal/rpc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterSucceedsOnFirstTry(t *testing.T) {
	var gotName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpc.RegisterHostRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotName = req.Name
		json.NewEncoder(w).Encode(rpc.RegisterHostResponse{ID: "host-1"})
	}))
	defer srv.Close()

	client := rpc.NewManagerClient(srv.URL, "token", time.Second)
	cfg := config.AgentConfig{HostName: "agent-a", HostAddress: "http://127.0.0.1:8081", RuntimeDir: t.TempDir()}

	hostID, err := Register(context.Background(), client, cfg, discardLogger())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if hostID != "host-1" {
		t.Errorf("hostID = %q, want host-1", hostID)
	}
	if gotName != "agent-a" {
		t.Errorf("registered name = %q, want agent-a", gotName)
	}
}

func TestRegisterRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(rpc.RegisterHostResponse{ID: "host-2"})
	}))
	defer srv.Close()

	client := rpc.NewManagerClient(srv.URL, "", time.Second)
	cfg := config.AgentConfig{HostAddress: "http://127.0.0.1:8082", RuntimeDir: t.TempDir()}

	// Register's backoff starts at 1s and doubles, so the 3rd attempt (the
	// first to succeed) lands a little over 1s+2s after the first.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostID, err := Register(ctx, client, cfg, discardLogger())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if hostID != "host-2" {
		t.Errorf("hostID = %q, want host-2", hostID)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRunHeartbeatPostsOnEachTick(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := rpc.NewManagerClient(srv.URL, "", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	RunHeartbeat(ctx, client, "host-3", t.TempDir(), 5*time.Millisecond, discardLogger())

	if atomic.LoadInt32(&count) == 0 {
		t.Error("expected at least one heartbeat to be posted")
	}
}
