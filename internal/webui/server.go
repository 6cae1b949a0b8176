// Package webui serves a finished mirror over HTTP: the file tree itself,
// the catalog manifest as JSON, and the operational endpoints. A stripped
// status variant runs alongside a crawl to expose health and metrics.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stillweb/stillweb/internal/catalog"
	"github.com/stillweb/stillweb/internal/mirror"
)

// Manifest is the slice of the catalog the UI reads.
type Manifest interface {
	Resources(ctx context.Context) ([]mirror.StoredResource, error)
	Outcomes(ctx context.Context) ([]mirror.Outcome, error)
	SiteStats(ctx context.Context) ([]catalog.SiteStats, error)
}

// Server serves one mirror tree plus its manifest.
type Server struct {
	router   chi.Router
	manifest Manifest
	logger   *zap.Logger
}

// NewServer builds the router for the mirror rooted at root. An empty root
// disables file serving and a nil manifest disables the /api routes, which
// is how the status variant strips down to health and metrics.
func NewServer(root string, manifest Manifest, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{manifest: manifest, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(requestLogMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if manifest != nil {
		r.Route("/api", func(r chi.Router) {
			r.Get("/manifest", s.listResources)
			r.Get("/outcomes", s.listOutcomes)
			r.Get("/stats", s.listSiteStats)
		})
	}
	if root != "" {
		r.Handle("/*", hideDotted(http.FileServer(http.Dir(root))))
	}

	s.router = r
	return s
}

// NewStatus builds the health-and-metrics listener a crawl runs on its
// status address.
func NewStatus(logger *zap.Logger) *Server {
	return NewServer("", nil, logger)
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("http server started", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	s.logger.Info("http server stopped", zap.String("addr", addr))
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.manifest.Resources(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "read manifest failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(resources),
		"resources": resources,
	})
}

func (s *Server) listOutcomes(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.manifest.Outcomes(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "read outcomes failed")
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		switch mirror.State(state) {
		case mirror.StateStored, mirror.StateSkipped, mirror.StateFailed:
		default:
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", state))
			return
		}
		filtered := outcomes[:0]
		for _, o := range outcomes {
			if o.State == mirror.State(state) {
				filtered = append(filtered, o)
			}
		}
		outcomes = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(outcomes),
		"outcomes": outcomes,
	})
}

func (s *Server) listSiteStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manifest.SiteStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "read site stats failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sites": stats})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// hideDotted keeps dotted entries such as the catalog directory out of the
// served tree.
func hideDotted(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, seg := range strings.Split(r.URL.Path, "/") {
			if strings.HasPrefix(seg, ".") {
				http.NotFound(w, r)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
