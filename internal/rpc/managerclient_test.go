package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestManagerClientRegisterHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/hosts" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer secret")
		}
		var req RegisterHostRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Name != "host-a" {
			t.Errorf("name = %q, want host-a", req.Name)
		}
		json.NewEncoder(w).Encode(RegisterHostResponse{ID: "host-id-1"})
	}))
	defer srv.Close()

	c := NewManagerClient(srv.URL, "secret", time.Second)
	resp, err := c.RegisterHost(context.Background(), RegisterHostRequest{Name: "host-a", Address: "http://10.0.0.1:8081"})
	if err != nil {
		t.Fatalf("RegisterHost: %v", err)
	}
	if resp.ID != "host-id-1" {
		t.Errorf("ID = %q, want host-id-1", resp.ID)
	}
}

func TestManagerClientHeartbeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/hosts/host-id-1/heartbeat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewManagerClient(srv.URL, "", time.Second)
	if err := c.Heartbeat(context.Background(), "host-id-1", HeartbeatRequest{}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
}

func TestManagerClientHeartbeatDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusNotFound, errorEnvelope{Kind: "not_found", FaultMessage: "host not found"})
	}))
	defer srv.Close()

	c := NewManagerClient(srv.URL, "", time.Second)
	err := c.Heartbeat(context.Background(), "missing", HeartbeatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
}
