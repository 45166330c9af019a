package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vinayprograms/taskhub/logging"
	"github.com/vinayprograms/taskhub/metrics"
)

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	adminCallTimeout  = 5 * time.Second
)

// AdminServer exposes health, engine and queue views of a hub over HTTP,
// plus the Prometheus endpoint.
type AdminServer struct {
	router  *chi.Mux
	hub     *Hub
	metrics *metrics.Metrics
	logger  *logging.Logger
	server  *http.Server
}

// NewAdminServer builds the admin router.
func NewAdminServer(h *Hub, m *metrics.Metrics, logger *logging.Logger) *AdminServer {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &AdminServer{
		router:  chi.NewRouter(),
		hub:     h,
		metrics: m,
		logger:  logger.WithComponent("admin"),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.routes()
	return s
}

func (s *AdminServer) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/engines", s.handleEngines)
	s.router.Get("/queue", s.handleQueue)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}
}

// Router returns the chi router.
func (s *AdminServer) Router() *chi.Mux {
	return s.router
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (s *AdminServer) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	go func() {
		s.logger.Info("admin server listening", map[string]interface{}{"addr": ln.Addr().String()})
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	return ln.Addr(), nil
}

// Shutdown stops the server gracefully.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *AdminServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.hub.running.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AdminServer) handleEngines(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminCallTimeout)
	defer cancel()
	engines, err := s.hub.Engines(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if engines == nil {
		engines = []EngineInfo{}
	}
	writeJSON(w, http.StatusOK, engines)
}

func (s *AdminServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminCallTimeout)
	defer cancel()
	reply, err := s.hub.Queues(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *AdminServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
