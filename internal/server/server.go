// Package server exposes the HTTP surface: POST /predict, the health and
// readiness probes, and the Prometheus /metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/rapportlabs/rapport/internal/config"
	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/internal/observe"
	"github.com/rapportlabs/rapport/internal/predict"
)

// maxBodyBytes bounds the /predict request body.
const maxBodyBytes = 1 << 20

// Predictor handles one /predict request.
type Predictor interface {
	Handle(ctx context.Context, req predict.Request) (*predict.Response, error)
}

// ReadinessCheck probes one collaborator. Non-nil means not ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Windows bundles the rolling latency windows exported as gauges.
type Windows struct {
	Request *observe.Window
	Reply   *observe.Window
}

// NewWindows allocates the window set.
func NewWindows() *Windows {
	return &Windows{Request: observe.NewWindow(), Reply: observe.NewWindow()}
}

// Server is the HTTP front. Safe for concurrent use.
type Server struct {
	cfg       config.ServerConfig
	predictor Predictor
	metrics   *observe.Metrics
	windows   *Windows
	readiness []ReadinessCheck
}

// New wires the server. metrics may be nil in tests; windows may be nil when
// rolling gauges are not registered.
func New(cfg config.ServerConfig, p Predictor, m *observe.Metrics, w *Windows, readiness ...ReadinessCheck) *Server {
	if w == nil {
		w = NewWindows()
	}
	return &Server{cfg: cfg, predictor: p, metrics: m, windows: w, readiness: readiness}
}

// Handler builds the route tree, applying the API prefix, CORS, and the
// observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	prefix := strings.TrimSuffix(s.cfg.APIPrefix, "/")

	mux.HandleFunc("POST "+prefix+"/predict", s.handlePredict)
	mux.HandleFunc("GET "+prefix+"/health", s.handleHealth)
	mux.HandleFunc("GET "+prefix+"/health/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	if s.cfg.CORS != nil {
		h = corsMiddleware(*s.cfg.CORS)(h)
	}
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	return h
}

// handlePredict decodes, dispatches, and renders one predict call.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if s.metrics != nil {
		s.metrics.InflightRequests.Add(r.Context(), 1)
		defer s.metrics.InflightRequests.Add(r.Context(), -1)
	}

	var req predict.Request
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, r, req, fault.Wrap(fault.KindValidation, "decode request body", err))
		return
	}

	resp, err := s.predictor.Handle(r.Context(), req)

	elapsed := time.Since(start)
	s.windows.Request.Add(elapsed.Seconds())
	if req.Reply {
		s.windows.Reply.Add(elapsed.Seconds())
	}
	s.countPredict(r.Context(), req, elapsed, err)

	if err != nil {
		s.writeError(w, r, req, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// countPredict records the predict counter and latency histogram.
func (s *Server) countPredict(ctx context.Context, req predict.Request, elapsed time.Duration, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = string(fault.KindOf(err))
	}
	sceneAttr := observe.Attr("scene", strconv.Itoa(int(req.Scene)))
	s.metrics.PredictRequests.Add(ctx, 1, metric.WithAttributes(
		sceneAttr,
		observe.Attr("status", status),
	))
	s.metrics.PredictDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(sceneAttr))
}

// writeError renders a classified failure as the standard envelope. Server
// faults get a generic message; the detail stays in the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, req predict.Request, err error) {
	kind := fault.KindOf(err)
	status := kind.HTTPStatus()
	observe.Logger(r.Context()).Log(r.Context(), levelFor(status), "predict failed",
		"kind", string(kind),
		"status", status,
		"session", req.SessionID,
		"error", err,
	)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, predict.Response{
		Success:   false,
		Message:   msg,
		UserID:    req.UserID,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Scene:     int(req.Scene),
	})
}

func levelFor(status int) slog.Level {
	if status >= 500 {
		return slog.LevelError
	}
	return slog.LevelWarn
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady runs every readiness check with a short budget; any failure
// reports 503 with the failing probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, probe := range s.readiness {
		if err := probe.Check(ctx); err != nil {
			failed[probe.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Debug("response encode failed", "error", err)
	}
}

// ListenAndServe runs the server until ctx is cancelled, then drains with a
// 10 second grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
