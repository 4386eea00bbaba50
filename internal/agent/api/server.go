// Package api implements the Host Agent's HTTP surface (spec.md §4.1,
// §4.4): the RPC target the Manager's internal/rpc.Client dispatches
// create_vm/update_vm_state/delete_vm/attach|detach drive and nic,
// create_snapshot/restore_vm, port-forward programming, VXLAN overlay
// programming, inventory, and vsock-relayed guest introspection to.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vulcan-sh/vulcan/internal/agent/vmm"
	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/rpc"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server wraps the chi router and the Agent's application dependencies.
type Server struct {
	router *chi.Mux
	vmm    *vmm.Manager
	hostID string
	logger *slog.Logger
	addr   string
}

// NewServer creates and configures a new Agent HTTP server. hostID is the
// Host row's ID as known to the Manager, embedded verbatim in every
// Inventory response so the reconciler never has to guess which Host an
// Agent is speaking for.
func NewServer(addr, hostID string, m *vmm.Manager, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		vmm:    m,
		hostID: hostID,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)

	srv.routes()

	return srv
}

// routes registers every HTTP route the Manager's rpc.Client dispatches to.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1/vms", func(r chi.Router) {
		r.Post("/", s.handleCreateVM)
		r.Post("/restore", s.handleRestoreVM)
		r.Post("/{id}/state", s.handleUpdateVMState)
		r.Delete("/{id}", s.handleDeleteVM)
		r.Post("/{id}/snapshot", s.handleCreateSnapshot)
		r.Post("/{id}/drives", s.handleAttachDrive)
		r.Delete("/{id}/drives/{driveID}", s.handleDetachDrive)
		r.Post("/{id}/nics", s.handleAttachNIC)
		r.Delete("/{id}/nics/{ifaceID}", s.handleDetachNIC)
		r.Post("/{id}/port-forwards", s.handleCreatePortForward)
		r.Delete("/{id}/port-forwards/{protocol}/{hostPort}", s.handleDeletePortForward)
		r.Get("/{id}/guest-ready", s.handleGuestReady)
		r.Post("/{id}/clear-network", s.handleClearNetwork)
		r.Get("/{id}/serial", s.handleSerial)
	})

	s.router.Post("/v1/networks/vxlan", s.handleProgramVXLAN)
	s.router.Get("/v1/inventory", s.handleInventory)
}

// Run starts the HTTP server and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("agent listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.vmm.Close()
	s.logger.Info("agent stopped")
	return nil
}

// Router returns the chi router, primarily for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// decodeJSON parses a request body into v, rejecting malformed JSON as a
// ValidationFailed error rather than letting the handler panic.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.New(apierr.ValidationFailed, "malformed request body", err)
	}
	return nil
}

// writeResult writes a successful JSON response, or a 204 when v is nil.
func writeResult(w http.ResponseWriter, v any) {
	if v == nil {
		rpc.WriteJSON(w, http.StatusNoContent, nil)
		return
	}
	rpc.WriteJSON(w, http.StatusOK, v)
}

// writeErr classifies err via apierr.Wrap and renders the shared error
// envelope (spec.md §7), the same shape the Manager's own API returns.
func writeErr(w http.ResponseWriter, err error, fallbackMessage string) {
	rpc.WriteError(w, apierr.Wrap(err, fallbackMessage))
}
