// Package server exposes the execution manager over HTTP: submission,
// cancellation, status, the websocket result stream, the safe-mode toggle and
// Prometheus metrics.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"hybridexec/internal/executor"
	"hybridexec/internal/logging"
	"hybridexec/internal/policy"
	"hybridexec/internal/scheduler"
	"hybridexec/internal/types"
)

const maxBodySize = 1 << 20

// Executor is the subset of the execution manager the server drives.
type Executor interface {
	SubmitExecution(ctx context.Context, prompt string, tier types.Tier) (string, error)
	StreamResults(ctx context.Context, id string) (<-chan types.PartialResult, error)
	CancelExecution(id string) error
	Status(id string) (executor.Status, error)
	Snapshot() executor.Snapshot
	SetSafeMode(on bool)
	SafeMode() bool
}

// Options configures the server.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	Gatherer        prometheus.Gatherer // nil serves the default registry
	Policy          policy.Gate         // consulted before toggling safe mode
	MaxConnections  int                 // 0 is unlimited
}

// Server is the HTTP status surface.
type Server struct {
	exec     Executor
	opts     Options
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// SubmitRequest is the body of POST /v1/executions.
type SubmitRequest struct {
	Prompt string `json:"prompt"`
	Tier   string `json:"tier"`
}

// SubmitResponse is returned on accepted submissions.
type SubmitResponse struct {
	ID   string     `json:"id"`
	Tier types.Tier `json:"tier"`
}

// SafeModeRequest is the body of POST /v1/safe-mode.
type SafeModeRequest struct {
	Enabled bool `json:"enabled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a server.
func New(exec Executor, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Policy == nil {
		opts.Policy = policy.NewAllowAll()
	}
	s := &Server{
		exec: exec,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/executions", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/executions/{id}", s.handleStatus)
	s.mux.HandleFunc("DELETE /v1/executions/{id}", s.handleCancel)
	s.mux.HandleFunc("GET /v1/executions/{id}/stream", s.handleStream)
	s.mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /v1/safe-mode", s.handleGetSafeMode)
	s.mux.HandleFunc("POST /v1/safe-mode", s.handleSetSafeMode)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// Run serves on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConnections)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logging.Server("Listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.ServerError("Shutdown: %v", err)
		return err
	}
	<-errCh
	logging.Server("Server stopped")
	return nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	tier := types.TierUserInitiated
	if req.Tier != "" {
		t, err := types.ParseTier(req.Tier)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tier = t
	}

	id, err := s.exec.SubmitExecution(r.Context(), req.Prompt, tier)
	if err != nil {
		writeError(w, submitStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, Tier: tier})
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, executor.ErrEmptyPrompt), errors.Is(err, scheduler.ErrInvalidTier):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.exec.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, lookupStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.CancelExecution(r.PathValue("id")); err != nil {
		writeError(w, lookupStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func lookupStatus(err error) int {
	if errors.Is(err, executor.ErrUnknownExecution) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// handleStream replays and follows an execution's results as one JSON text
// frame per partial result, then closes normally after the terminal result.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	results, err := s.exec.StreamResults(ctx, id)
	if err != nil {
		writeError(w, lookupStatus(err), err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.ServerError("Websocket upgrade for %s failed: %v", id, err)
		return
	}
	defer conn.Close()

	// Reading is only needed to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for res := range results {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(res); err != nil {
			logging.ServerError("Stream %s write failed: %v", id, err)
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"),
		time.Now().Add(time.Second))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Snapshot())
}

func (s *Server) handleGetSafeMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SafeModeRequest{Enabled: s.exec.SafeMode()})
}

func (s *Server) handleSetSafeMode(w http.ResponseWriter, r *http.Request) {
	var req SafeModeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	ac := policy.ActionContext{RequestID: "safe-mode", Tier: types.TierSystemCritical}
	if !s.opts.Policy.IsActionAuthorized(policy.ActionSideEffect, ac) {
		writeError(w, http.StatusForbidden, errors.New("safe mode change denied by policy"))
		return
	}
	s.exec.SetSafeMode(req.Enabled)
	writeJSON(w, http.StatusOK, SafeModeRequest{Enabled: s.exec.SafeMode()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ServerError("Encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Server("%s %s -> %d (%v)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}
