package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/config"
)

var ErrServerClosed = http.ErrServerClosed

type Server struct {
	cfg  config.HTTP
	http *http.Server
}

func New(cfg config.HTTP, handler http.Handler) *Server {
	httpSrv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{cfg: cfg, http: httpSrv}
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// the configured timeout. Returns ErrServerClosed on a clean stop.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ErrServerClosed
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return ErrServerClosed
		}
		return err
	}
}
