// Package adminhttp is a minimal read-only HTTP surface for operators: the
// current leader, a node status snapshot, a liveness probe and Prometheus
// metrics. It is intentionally a trimmed cousin of a full management
// server — there is nothing here to mutate cluster state, only to observe
// it.
package adminhttp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chronicle-db/chronicle/pkg/internal/logutil"
)

// LeaderFunc returns the JSON-encoded published leader. found is false when
// no leader is currently established; data is nil in that case.
type LeaderFunc func(ctx context.Context) (data []byte, found bool, err error)

// StatusFunc returns a JSON-encoded node status snapshot.
type StatusFunc func(ctx context.Context) (data []byte, err error)

// Server is a minimal HTTP server exposing /leader, /status, /healthz and
// /metrics.
type Server struct {
	bind   string
	srv    *http.Server
	logger *zap.Logger
	tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":8702").
func NewServer(bind string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = logutil.Default()
	}
	return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Start launches the HTTP server and registers handlers backed by the
// provided functions. The server is shut down when ctx is done.
func (s *Server) Start(ctx context.Context, leader LeaderFunc, status StatusFunc) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/leader", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, found, err := leader(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("leader error: %v", err), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "no established leader", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		data, err := status(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: s.bind, Handler: mux}

	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logutil.Errorf(s.logger, "adminhttp: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the configured bind address.
func (s *Server) Addr() string { return s.bind }

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := s.srv.Shutdown(c)
	s.srv = nil
	return err
}
