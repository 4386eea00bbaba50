package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vulcan-sh/vulcan/internal/manager/auth"
	"github.com/vulcan-sh/vulcan/internal/manager/scheduler"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/store"
)

// newAdminRequest builds an authenticated request against srv, provisioning
// a fresh admin user/token in s for every call.
func newAdminRequest(t *testing.T, s store.Store, issuer *auth.Issuer, method, path string, body any) *http.Request {
	t.Helper()
	user := &model.User{ID: model.NewID(), Username: "admin-" + model.NewID(), Role: model.RoleAdmin, CreatedAt: time.Now().UTC()}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, err := issuer.Issue(context.Background(), user.ID, model.RoleAdmin, "test")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// mustCreateUnreachableHost creates a Host row whose address dials nothing,
// so any handler path that reaches the Agent RPC client fails loudly
// instead of silently appearing to work.
func mustCreateUnreachableHost(t *testing.T, s store.Store) *model.Host {
	t.Helper()
	host := &model.Host{ID: model.NewID(), Name: "host-" + model.NewID(), Address: "http://127.0.0.1:1", CreatedAt: time.Now().UTC()}
	if err := s.CreateHost(context.Background(), host); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	return host
}

func mustCreateVMRow(t *testing.T, s store.Store, hostID, state string) *model.VM {
	t.Helper()
	vm := &model.VM{
		ID: model.NewID(), Name: "vm-" + model.NewID(), HostID: hostID, VCPUs: 1, MemMiB: 256,
		KernelPath: "/img/vmlinux", RootfsPath: "/img/rootfs.ext4", State: state,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateVM(context.Background(), vm); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	return vm
}

func TestHandleUpdateVMStateStopIsIdempotent(t *testing.T) {
	s := newSerialTestStore(t)
	issuer := auth.NewIssuer("test-signing-key", s)
	host := mustCreateUnreachableHost(t, s)
	vm := mustCreateVMRow(t, s, host.ID, model.VMStopped)

	sched := scheduler.New(s, time.Minute)
	srv := NewServer("127.0.0.1:0", s, issuer, sched, nil, nil, time.Second, time.Minute, discardLogger())

	req := newAdminRequest(t, s, issuer, http.MethodPost, "/v1/vms/"+vm.ID+"/state", updateVMStateRequest{Action: model.VMActionStop})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	// No Agent ever gets dialed for the no-op path: the host's address
	// resolves to a closed port, so a non-idempotent fallthrough would have
	// failed the RPC and returned an error instead of 200.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s, want 200", rec.Code, rec.Body.String())
	}
	var got model.VM
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.State != model.VMStopped {
		t.Errorf("state = %s, want stopped", got.State)
	}
}

func TestHandleUpdateVMStatePauseIsIdempotent(t *testing.T) {
	s := newSerialTestStore(t)
	issuer := auth.NewIssuer("test-signing-key", s)
	host := mustCreateUnreachableHost(t, s)
	vm := mustCreateVMRow(t, s, host.ID, model.VMPaused)

	sched := scheduler.New(s, time.Minute)
	srv := NewServer("127.0.0.1:0", s, issuer, sched, nil, nil, time.Second, time.Minute, discardLogger())

	req := newAdminRequest(t, s, issuer, http.MethodPost, "/v1/vms/"+vm.ID+"/state", updateVMStateRequest{Action: model.VMActionPause})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s, want 200", rec.Code, rec.Body.String())
	}
}

func TestHandleUpdateVMStateInvalidTransitionRejected(t *testing.T) {
	s := newSerialTestStore(t)
	issuer := auth.NewIssuer("test-signing-key", s)
	// A VM still creating can't be stopped directly.
	host := mustCreateUnreachableHost(t, s)
	vm := mustCreateVMRow(t, s, host.ID, model.VMCreating)

	sched := scheduler.New(s, time.Minute)
	srv := NewServer("127.0.0.1:0", s, issuer, sched, nil, nil, time.Second, time.Minute, discardLogger())

	req := newAdminRequest(t, s, issuer, http.MethodPost, "/v1/vms/"+vm.ID+"/state", updateVMStateRequest{Action: model.VMActionStop})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s, want 422", rec.Code, rec.Body.String())
	}
}

func TestHandleUpdateVMStateGenuineTransitionDispatchesToAgent(t *testing.T) {
	s := newSerialTestStore(t)
	issuer := auth.NewIssuer("test-signing-key", s)

	var agentCalled bool
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentCalled = true
		w.WriteHeader(http.StatusNoContent)
	}))
	defer agentSrv.Close()

	host := &model.Host{ID: model.NewID(), Name: "host-a", Address: agentSrv.URL, CreatedAt: time.Now().UTC()}
	if err := s.CreateHost(context.Background(), host); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	vm := mustCreateVMRow(t, s, host.ID, model.VMRunning)

	sched := scheduler.New(s, time.Minute)
	srv := NewServer("127.0.0.1:0", s, issuer, sched, nil, nil, time.Second, time.Minute, discardLogger())

	req := newAdminRequest(t, s, issuer, http.MethodPost, "/v1/vms/"+vm.ID+"/state", updateVMStateRequest{Action: model.VMActionStop})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s, want 200", rec.Code, rec.Body.String())
	}
	if !agentCalled {
		t.Error("expected a genuine running -> stopped transition to dispatch to the Agent")
	}

	got, err := s.GetVM(context.Background(), vm.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.State != model.VMStopped {
		t.Errorf("persisted state = %s, want stopped", got.State)
	}
}
