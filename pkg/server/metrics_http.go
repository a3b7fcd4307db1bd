package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NicolasHaas/xmppbridge/pkg/version"
)

// metricsHandler serves /metrics, /healthz and /version.
func (s *Server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(version.Get())
	})
	return mux
}

// StartMetricsHTTP starts the metrics HTTP server in the background. It
// shuts down when the server context is cancelled.
//
// Bind address is :9602 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.metricsSrv = srv

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP xmppbridge_uptime_seconds Bridge uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE xmppbridge_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "xmppbridge_uptime_seconds %f\n", uptime)

	write("xmppbridge_websocket_connections_active", "Currently open WebSocket connections.", "gauge",
		m.ActiveConnections.Load())
	write("xmppbridge_websocket_connections_total", "Lifetime WebSocket upgrades.", "counter",
		m.TotalConnections.Load())
	write("xmppbridge_envelopes_dropped_total", "Outbound envelopes dropped on a full peer queue.", "counter",
		m.EnvelopesDropped.Load())
	write("xmppbridge_malformed_frames_total", "Inbound frames that failed to decode.", "counter",
		m.MalformedFrames.Load())

	write("xmppbridge_sessions_active", "Sessions bound to an XMPP connection.", "gauge",
		m.ActiveSessions.Load())
	write("xmppbridge_auth_success_total", "Sessions joined.", "counter",
		m.SuccessfulAuths.Load())
	write("xmppbridge_auth_failed_total", "XMPP login failures.", "counter",
		m.FailedAuths.Load())
	write("xmppbridge_auth_forbidden_total", "Wrong passwords for stored accounts.", "counter",
		m.ForbiddenAuths.Load())
	write("xmppbridge_registrations_total", "Accounts created by in-band registration.", "counter",
		m.Registrations.Load())
	write("xmppbridge_disconnects_total", "Sessions torn down.", "counter",
		m.TotalDisconnects.Load())
	write("xmppbridge_xmpp_errors_total", "XMPP failures reported to clients.", "counter",
		m.XMPPErrors.Load())

	write("xmppbridge_messages_out_total", "Chat messages relayed to XMPP.", "counter",
		m.MessagesOut.Load())
	write("xmppbridge_messages_in_total", "Chat messages relayed to browsers.", "counter",
		m.MessagesIn.Load())
}
