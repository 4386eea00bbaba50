// Package api implements the Manager's HTTP surface (spec.md §6): VM,
// Host, Network, Volume, Container, Function, Template, Snapshot, user,
// and audit endpoints, fronted by bearer-token authentication and RBAC.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vulcan-sh/vulcan/internal/apierr"
	"github.com/vulcan-sh/vulcan/internal/manager/auth"
	"github.com/vulcan-sh/vulcan/internal/manager/reconciler"
	"github.com/vulcan-sh/vulcan/internal/manager/runtimesnapshot"
	"github.com/vulcan-sh/vulcan/internal/manager/scheduler"
	"github.com/vulcan-sh/vulcan/internal/model"
	"github.com/vulcan-sh/vulcan/internal/rpc"
	"github.com/vulcan-sh/vulcan/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// Server wraps the chi router and the Manager's application dependencies.
type Server struct {
	router      *chi.Mux
	store       store.Store
	issuer      *auth.Issuer
	scheduler   *scheduler.Scheduler
	reconciler  *reconciler.Reconciler
	snapshots   *runtimesnapshot.Cache
	rpcTimeout  time.Duration
	reconcileInterval time.Duration
	newClient   func(h *model.Host) *rpc.Client
	logger      *slog.Logger
	addr        string
}

// NewServer creates and configures a new Manager HTTP server.
func NewServer(
	addr string,
	s store.Store,
	issuer *auth.Issuer,
	sched *scheduler.Scheduler,
	rec *reconciler.Reconciler,
	snaps *runtimesnapshot.Cache,
	rpcTimeout time.Duration,
	reconcileInterval time.Duration,
	logger *slog.Logger,
) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		store:      s,
		issuer:     issuer,
		scheduler:  sched,
		reconciler: rec,
		snapshots:  snaps,
		rpcTimeout: rpcTimeout,
		reconcileInterval: reconcileInterval,
		newClient:  func(h *model.Host) *rpc.Client { return rpc.NewClient(h.Address, rpcTimeout) },
		logger:     logger,
		addr:       addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers every HTTP route on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Group(func(r chi.Router) {
		r.Use(auth.Authenticate(s.issuer, s.writeAPIError))

		r.Route("/v1/vms", func(r chi.Router) {
			r.With(s.requireWrite).Post("/", s.handleCreateVM)
			r.Get("/", s.handleListVMs)
			r.Get("/{id}", s.handleGetVM)
			r.With(s.requireWrite).Delete("/{id}", s.handleDeleteVM)
			r.With(s.requireWrite).Post("/{id}/state", s.handleUpdateVMState)
			r.With(s.requireWrite).Post("/{id}/drives", s.handleAttachDrive)
			r.With(s.requireWrite).Delete("/{id}/drives/{driveID}", s.handleDetachDrive)
			r.With(s.requireWrite).Post("/{id}/nics", s.handleAttachNIC)
			r.With(s.requireWrite).Delete("/{id}/nics/{ifaceID}", s.handleDetachNIC)
			r.With(s.requireWrite).Post("/{id}/port-forwards", s.handleCreatePortForward)
			r.Get("/{id}/port-forwards", s.handleListPortForwards)
			r.With(s.requireWrite).Delete("/{id}/port-forwards/{pfID}", s.handleDeletePortForward)
			r.With(s.requireWrite).Post("/{id}/snapshots", s.handleCreateSnapshot)
			r.Get("/{id}/snapshots", s.handleListSnapshots)
			r.With(s.requireWrite).Get("/{id}/serial", s.handleSerialProxy)
		})

		r.Route("/v1/hosts", func(r chi.Router) {
			r.With(s.requireAdmin).Post("/", s.handleRegisterHost)
			r.Get("/", s.handleListHosts)
			r.Get("/{id}", s.handleGetHost)
			r.Post("/{id}/heartbeat", s.handleHostHeartbeat)
		})

		r.Route("/v1/networks", func(r chi.Router) {
			r.With(s.requireWrite).Post("/", s.handleCreateNetwork)
			r.Get("/", s.handleListNetworks)
			r.Get("/{id}", s.handleGetNetwork)
			r.With(s.requireWrite).Delete("/{id}", s.handleDeleteNetwork)
		})

		r.Route("/v1/volumes", func(r chi.Router) {
			r.With(s.requireWrite).Post("/", s.handleCreateVolume)
			r.Get("/", s.handleListVolumes)
			r.Get("/{id}", s.handleGetVolume)
			r.With(s.requireWrite).Delete("/{id}", s.handleDeleteVolume)
			r.With(s.requireWrite).Post("/{id}/attach", s.handleAttachVolume)
			r.With(s.requireWrite).Post("/{id}/detach", s.handleDetachVolume)
		})

		r.Route("/v1/containers", func(r chi.Router) {
			r.With(s.requireWrite).Post("/", s.handleCreateContainer)
			r.Get("/", s.handleListContainers)
			r.Get("/{id}", s.handleGetContainer)
			r.With(s.requireWrite).Delete("/{id}", s.handleDeleteContainer)
		})

		r.Route("/v1/functions", func(r chi.Router) {
			r.With(s.requireWrite).Post("/", s.handleCreateFunction)
			r.Get("/", s.handleListFunctions)
			r.Get("/{id}", s.handleGetFunction)
			r.With(s.requireWrite).Delete("/{id}", s.handleDeleteFunction)
		})

		r.Route("/v1/templates", func(r chi.Router) {
			r.With(s.requireWrite).Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Get("/{id}", s.handleGetTemplate)
			r.With(s.requireWrite).Delete("/{id}", s.handleDeleteTemplate)
			r.With(s.requireWrite).Post("/{id}/instantiate", s.handleInstantiateTemplate)
		})

		r.Route("/v1/auth", func(r chi.Router) {
			r.With(s.requireAdmin).Post("/tokens", s.handleIssueToken)
			r.With(s.requireAdmin).Post("/users", s.handleCreateUser)
		})

		r.With(s.requireAdmin).Get("/v1/audit", s.handleListAudit)
	})
}

// requireWrite and requireAdmin adapt auth.Require to chi's middleware
// chaining style used above.
func (s *Server) requireWrite(next http.Handler) http.Handler {
	return auth.Require(auth.ActionWrite, s.writeAPIError)(next)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return auth.Require(auth.ActionAdmin, s.writeAPIError)(next)
}

// Router returns the chi router, primarily for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server, the background reconciler loop, and blocks
// until a shutdown signal is received.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if s.reconciler != nil {
		s.reconciler.Start(ctx, s.reconcileInterval)
	}

	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("manager listening", "addr", s.addr)
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

	s.logger.Info("manager stopped")
	return nil
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

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeAPIError renders an *apierr.Error as the shared JSON error envelope
// (spec.md §7), matching the {kind, fault_message} body the Agent also
// returns on its own non-2xx responses.
func (s *Server) writeAPIError(w http.ResponseWriter, ae *apierr.Error) {
	if ae == nil {
		ae = apierr.New(apierr.HostLocalError, "unknown error", nil)
	}
	if ae.Err != nil {
		s.logger.Error("request failed", "kind", ae.Kind, "fault_message", ae.FaultMessage, "error", ae.Err)
	}
	s.writeJSON(w, ae.Status(), map[string]string{
		"kind":          string(ae.Kind),
		"fault_message": ae.FaultMessage,
	})
}

// handleErr classifies err via apierr.Wrap and renders it.
func (s *Server) handleErr(w http.ResponseWriter, err error, fallbackMessage string) {
	s.writeAPIError(w, apierr.Wrap(err, fallbackMessage))
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return defaultListLimit
	}
	return limit
}
