package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/studioclass/codesync/pkg/log"
	"github.com/studioclass/codesync/pkg/metrics"
)

// Server serves the sync endpoint and the operational routes.
type Server struct {
	addr   string
	http   *http.Server
	logger zerolog.Logger
}

// NewServer wires the routes. sync is the websocket handler terminating
// /api/sync; the operational routes come from the metrics package.
func NewServer(addr string, sync http.Handler) *Server {
	mux := http.NewServeMux()
	mux.Handle("/api/sync", sync)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())

	return &Server{
		addr: addr,
		http: &http.Server{
			Addr:    addr,
			Handler: mux,
			// Websocket upgrades hijack the connection, so these bound only
			// the plain HTTP routes and the handshake itself.
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log.WithComponent("api"),
	}
}

// Start listens on the configured address and serves until Stop. It blocks;
// run it on its own goroutine and watch the returned error channel pattern
// in main.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop. Callers that need to bind the
// listener themselves, typically to an ephemeral port, use this instead of
// Start.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("API server listening")
	metrics.RegisterComponent("api", true, "")
	err := s.http.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests within the given timeout, then closes the
// listener. Live websockets are closed by the session handler, not here.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	metrics.UpdateComponent("api", false, "shutting down")
	return s.http.Shutdown(ctx)
}
