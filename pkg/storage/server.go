package storage

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fly-io/boardlab/pkg/errors"
)

// ImageServer serves the image dir to boards over HTTP.
type ImageServer struct {
	dir string
	srv *http.Server
}

// NewImageServer creates a server for dir on addr. prefix is the URL path
// the dir is mounted at, e.g. "/images/".
func NewImageServer(dir, addr, prefix string) *ImageServer {
	mux := http.NewServeMux()
	mux.Handle(prefix, logRequests(http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))))
	return &ImageServer{
		dir: dir,
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 30 * time.Second},
	}
}

// Handler returns the server's handler.
func (s *ImageServer) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is cancelled.
func (s *ImageServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("image_server_start", "addr", s.srv.Addr, "dir", s.dir)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		slog.Error("image_server_failed", "error", err)
		return errors.Wrap(err, "image server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "image server shutdown failed")
	}
	slog.Info("image_server_stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Info("image_request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}
