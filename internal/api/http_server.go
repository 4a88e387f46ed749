package api

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"highlightsync/internal/config"
	"highlightsync/internal/logging"
	"highlightsync/internal/network"
	"highlightsync/internal/offline"
	"highlightsync/internal/queue"
	"highlightsync/internal/ratelimit"
	"highlightsync/internal/resilience"
	"highlightsync/internal/syncer"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Deps are the components the host API drives.
type Deps struct {
	Syncer  *syncer.Syncer
	Queue   *queue.Queue
	Buffer  *offline.Buffer
	Monitor *network.Monitor
	Limiter *ratelimit.Limiter
	// Breaker is optional; status omits it when nil.
	Breaker *resilience.Breaker
}

// HTTPServer is the local API the extension host talks to.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Deps
	router chi.Router
	server *http.Server
	logger zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, deps: deps, logger: logging.Component(logger, "api")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(srv.loggingMiddleware)

	r.Get("/healthz", srv.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.With(srv.rateLimit).Post("/events", srv.handleSubmit)
		r.Post("/network", srv.handleNetwork)
		r.Post("/flush", srv.handleFlush)
		r.Get("/status", srv.handleStatus)
		r.Get("/dead-letters", srv.handleDeadLetters)
		r.Post("/dead-letters/{id}/requeue", srv.handleRequeue)
	})
	srv.router = r

	srv.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

// Handler exposes the router, mostly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("host API listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("host API shutdown")
	}
	return nil
}

func (s *HTTPServer) String() string {
	return "host-api"
}

// rateLimit applies the api bucket per caller: X-Client-ID when sent,
// the remote host otherwise.
func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		client := clientKey(r)
		if !s.deps.Limiter.CheckLimit(client, ratelimit.OpAPI) {
			wait := s.deps.Limiter.RetryAfter(client, ratelimit.OpAPI)
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
