package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/edgehive/fleetd/internal/logging"
)

// Service runs the local control API and fits the application lifecycle.
type Service struct {
	addr    string
	handler http.Handler
	server  *http.Server
	log     *logging.Logger
}

// NewService wraps a handler in a lifecycle-managed HTTP server.
func NewService(addr string, handler http.Handler, log *logging.Logger) *Service {
	return &Service{addr: addr, handler: handler, log: log}
}

// Name implements the service lifecycle.
func (s *Service) Name() string { return "httpapi" }

// Start begins serving. Listen errors after startup are logged, not fatal:
// losing the local API must not take the control loop down.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("local api server error")
		}
	}()
	s.log.WithField("addr", s.addr).Info("local api listening")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
