// Package gateway is the HTTP boundary. It turns one incoming call into
// one pending-request registration and one eventual resolution; nothing
// else. Routing, retries, and authentication belong to the rule set and
// the concepts, not here.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/pending"
	"github.com/weftworks/weft/internal/value"
)

// maxBodyBytes bounds request bodies. Inputs are small structured
// fields, not uploads.
const maxBodyBytes = 1 << 20

// shutdownGrace is how long in-flight requests get to finish once the
// serve context is canceled.
const shutdownGrace = 10 * time.Second

// Server exposes an engine over HTTP.
//
//	POST /api/{path...}  submit a request, await its resolution
//	GET  /healthz        health probe; checks the log backend when one
//	                     is wired via WithHealth
//
// A resolution returns 200 with its payload. A request nothing resolved
// returns 504 with a timeout envelope. Bodies that are not strict JSON
// objects (floats and null rejected) return 400.
type Server struct {
	engine *engine.Engine
	health HealthChecker
	mux    *http.ServeMux
}

// HealthChecker reports whether the backend behind the engine still
// answers. Both log stores satisfy it.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithHealth makes /healthz a readiness probe against hc instead of a
// bare liveness reply.
func WithHealth(hc HealthChecker) Option {
	return func(s *Server) { s.health = hc }
}

// New wires a Server around a running engine.
func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{engine: eng, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("POST /api/{path...}", s.handleRequest)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s
}

// Handler returns the routing handler, exported for tests and for
// callers that embed the gateway under their own server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the gateway until ctx is canceled, then drains
// in-flight requests before returning.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
		<-errCh // ListenAndServe has returned http.ErrServerClosed
		slog.Info("gateway stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	}
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.PathValue("path") == "" {
		writeError(w, http.StatusNotFound, "no request path")
		return
	}
	// Request paths are slash-prefixed throughout the system; the route
	// wildcard strips the slash, so put it back.
	path := "/" + r.PathValue("path")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}

	fields := value.Object{}
	if len(body) > 0 {
		fields, err = value.DecodeObject(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
			return
		}
	}

	payload, err := s.engine.Serve(r.Context(), path, fields)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, payload)
		slog.Debug("request served",
			"path", path,
			"duration", time.Since(start),
		)

	case pending.IsTimeout(err):
		var te *pending.TimeoutError
		errors.As(err, &te)
		writeJSON(w, http.StatusGatewayTimeout, value.Object{
			"error":   value.String("request timed out"),
			"request": value.String(te.RequestID),
			"timeout": value.String(te.Timeout.String()),
		})
		slog.Warn("request timed out",
			"path", path,
			"request", te.RequestID,
		)

	case r.Context().Err() != nil:
		// Client went away; there is nobody left to answer.
		slog.Debug("request abandoned by client", "path", path)

	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		slog.Error("request failed", "path", path, "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, value.Object{
				"status": value.String("degraded"),
				"error":  value.String(err.Error()),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, value.Object{"status": value.String("ok")})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, value.Object{"error": value.String(msg)})
}

func writeJSON(w http.ResponseWriter, status int, payload value.Object) {
	data, err := value.Marshal(payload)
	if err != nil {
		// The payload came out of the value union; this is a bug, not
		// a request problem.
		slog.Error("response marshal failed", "error", err)
		http.Error(w, `{"error":"response encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}
