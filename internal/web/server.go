package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cjeanneret/bracketcam/internal/debug"
)

const (
	requestTimeout  = 20 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server for the given address.
func NewServer(addr string, handlers *Handlers) *Server {
	return &Server{
		addr:     addr,
		handlers: handlers,
	}
}

// Router returns an http.Handler with all routes registered. The streaming
// endpoints sit outside the request timeout.
func (s *Server) Router() http.Handler {
	h := s.handlers

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/status/stream", h.HandleStatusStream)
	r.Get("/events/ws", h.HandleEventsWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Get("/status", h.HandleStatus)
		r.Get("/characteristics", h.HandleCharacteristics)
		r.Get("/bursts", h.HandleBursts)
		r.Post("/burst", h.HandleBurst)
		r.Post("/exposure-lock", h.HandleExposureLock)
		r.Post("/picture", h.HandlePicture)
	})

	return r
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end when ctx does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
