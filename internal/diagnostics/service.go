// Package diagnostics exposes readiness and metrics over HTTP for local
// debugging and dashboards. It is an optional service; production game
// builds typically leave it disabled.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"noirdesk/internal/bootstrap"
	"noirdesk/internal/registry"
	"noirdesk/internal/service"
	apperrors "noirdesk/pkg/errors"
)

// Reporter is the slice of the bootstrap sequencer the health endpoint
// reads.
type Reporter interface {
	State() bootstrap.State
	Report() bootstrap.Report
}

// Service serves /healthz and /metrics on a local listener. It runs at
// a late priority so the health report covers the whole bootstrap pass.
type Service struct {
	service.Base

	addr     string
	reporter Reporter
	gatherer prometheus.Gatherer

	server   *http.Server
	listener net.Listener
}

// Priority places diagnostics after every gameplay-facing service.
const Priority = 100

// New builds the diagnostics service listening on addr.
func New(addr string, logger *zap.Logger, reg *registry.Registry, bus service.Publisher) *Service {
	return &Service{
		Base: service.NewBase("DiagnosticsService", Priority, logger, reg, bus),
		addr: addr,
	}
}

func (s *Service) Init(ctx context.Context) error {
	return s.RunInit(ctx, s)
}

// ResolveDependencies pulls the sequencer and metrics registry from the
// capability registry. Both are optional: without a reporter /healthz
// reports state unknown, without a gatherer /metrics is absent.
func (s *Service) ResolveDependencies(r *registry.Registry) error {
	if rep, ok := registry.TryResolve[Reporter](r); ok {
		s.reporter = rep
	}
	if g, ok := registry.TryResolve[prometheus.Gatherer](r); ok {
		s.gatherer = g
	}
	return nil
}

func (s *Service) Validate(context.Context) error {
	if s.addr == "" {
		return apperrors.NewValidation("diagnostics listen address is required")
	}
	return nil
}

func (s *Service) Initialize(context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return apperrors.NewIO("failed to bind diagnostics listener", err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if serveErr := s.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.Logger().Error("diagnostics server stopped", zap.Error(serveErr))
		}
	}()

	s.Logger().Info("diagnostics listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address, useful when addr was ":0".
func (s *Service) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the HTTP server gracefully.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Service) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type healthResponse struct {
	Status   string          `json:"status"`
	State    string          `json:"state"`
	Services []serviceHealth `json:"services,omitempty"`
}

type serviceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Elapsed string `json:"elapsed"`
	Error   string `json:"error,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", State: "unknown"}
	code := http.StatusOK

	if s.reporter != nil {
		state := s.reporter.State()
		resp.State = state.String()
		if state != bootstrap.StateReady {
			resp.Status = "starting"
			code = http.StatusServiceUnavailable
		}

		report := s.reporter.Report()
		for _, o := range report.Outcomes {
			sh := serviceHealth{
				Name:    o.Name,
				Status:  o.Status.String(),
				Elapsed: o.Elapsed.String(),
			}
			if o.Err != nil {
				sh.Error = o.Err.Error()
			}
			resp.Services = append(resp.Services, sh)
		}
		if report.HasFailures() {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
