package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Server represents an HTTP server with graceful shutdown
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// New creates a new HTTP server. A nil TLS config serves plain HTTP.
func New(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration, tlsConfig *tls.Config, logger *slog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			TLSConfig:    tlsConfig,
		},
		logger: logger,
	}
}

// Run starts the HTTP server and blocks until Shutdown is called or the
// listener fails
func (s *Server) Run() error {
	s.logger.Info("starting http server",
		slog.String("addr", s.server.Addr),
		slog.Bool("tls", s.server.TLSConfig != nil),
	)

	var err error
	if s.server.TLSConfig != nil {
		// Certificates come from the TLS config
		err = s.server.ListenAndServeTLS("", "")
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown attempts a graceful shutdown, forcing a close when it fails
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("graceful shutdown failed, forcing shutdown",
			slog.String("error", err.Error()),
		)
		return s.server.Close()
	}

	s.logger.Info("server stopped gracefully")

	return nil
}
