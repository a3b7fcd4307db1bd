package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/xmppbridge/pkg/version"
)

// Start opens the chat and metrics listeners and returns once they accept
// connections.
func (s *Server) Start() error {
	if s.store == nil {
		return errors.New("server: missing store dependency")
	}
	if s.relay.client == nil {
		return errors.New("server: missing xmpp dependency")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	if s.cfg.TLS {
		cert, err := loadOrGenerateTLS(s.cfg)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("server: tls: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	s.chatSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.chatSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("chat HTTP error", "err", err)
		}
	}()

	slog.Info("xmppbridge running",
		"version", version.Full(),
		"listen", ln.Addr().String(),
		"tls", s.cfg.TLS,
		"xmpp_domain", s.cfg.XMPP.Domain,
		"xmpp_addr", s.cfg.XMPP.Addr,
	)

	s.StartMetricsHTTP()
	s.metrics.StartPeriodicLog(s.cfg.MetricsLog, s.ctx.Done())
	return nil
}

// Run starts the server and blocks until a shutdown signal.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown signs every session out of XMPP, closes the listeners and the
// store.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.chatSrv != nil {
		// Stop new upgrades; hijacked WebSockets are closed below.
		if err := s.chatSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: chat shutdown: %w", err))
		}
	}
	if err := s.relay.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: relay shutdown: %w", err))
	}
	s.cancel()
	if s.store != nil {
		if c, ok := s.store.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("server: close store: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
