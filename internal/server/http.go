package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
)

const readHeaderTimeout = 10 * time.Second

// HTTPServer serves health, metrics, dashboards and diagnostics.
type HTTPServer struct {
	Server *http.Server
}

// NewHTTPServer gzips responses for clients that accept it.
func NewHTTPServer(addr string, handler http.Handler) *HTTPServer {
	return &HTTPServer{Server: &http.Server{
		Addr:              addr,
		Handler:           gziphandler.GzipHandler(handler),
		ReadHeaderTimeout: readHeaderTimeout,
	}}
}

// ListenAndServe returns nil after Shutdown.
func (s *HTTPServer) ListenAndServe() error {
	if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.Server.Shutdown(ctx)
}
