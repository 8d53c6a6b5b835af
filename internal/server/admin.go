package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/protoflex/internal/logging"
)

// startAdminListener serves the operator endpoint configured by
// config.AdminConfig: /metrics (Prometheus exposition for internal/stats)
// and /healthz, both behind Basic auth checked against the bcrypt
// password hash. Returns nil without starting anything when no admin
// address is configured.
func (s *Server) startAdminListener(ctx context.Context) (*http.Server, error) {
	if s.cfg.Admin.Address == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.adminAuth(promhttp.HandlerFor(s.stats.Gatherer(), promhttp.HandlerOpts{})))
	mux.Handle("/healthz", s.adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "ok")
	})))

	ln, err := net.Listen("tcp", s.cfg.Admin.Address)
	if err != nil {
		return nil, fmt.Errorf("admin: listening on %s: %w", s.cfg.Admin.Address, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		defer logging.RecoverPanic(s.logger, "admin", logging.KeyListener, s.cfg.Admin.Address)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("admin listener error", logging.KeyListener, s.cfg.Admin.Address, logging.KeyError, err)
		}
	}()

	s.logger.Info("admin endpoint listening", logging.KeyListener, s.cfg.Admin.Address)
	return srv, nil
}

// adminAuth wraps h with a Basic auth check against the configured bcrypt
// hash. The username is ignored; only the password is checked. With no
// hash configured every request is refused.
func (s *Server) adminAuth(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || !s.cfg.Admin.CheckAdminPassword(pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="protoflex-admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}
