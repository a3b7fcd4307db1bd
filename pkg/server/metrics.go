package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks bridge runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// WebSocket counters
	TotalConnections  atomic.Int64 // lifetime WebSocket upgrades
	ActiveConnections atomic.Int64 // currently open WebSockets
	EnvelopesDropped  atomic.Int64 // outbound envelopes dropped on a full peer queue
	MalformedFrames   atomic.Int64 // inbound frames that failed to decode

	// Session counters
	ActiveSessions   atomic.Int64 // sessions bound to a live XMPP connection
	SuccessfulAuths  atomic.Int64 // JOIN_SUCCESS sent
	FailedAuths      atomic.Int64 // XMPP connect or login failures
	ForbiddenAuths   atomic.Int64 // wrong password for a stored account
	Registrations    atomic.Int64 // accounts created through in-band registration
	TotalDisconnects atomic.Int64 // sessions torn down (clean + unclean)
	XMPPErrors       atomic.Int64 // XMPP failures reported to a peer as ERROR

	// Chat counters
	MessagesOut atomic.Int64 // browser -> XMPP
	MessagesIn  atomic.Int64 // XMPP -> browser
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	EnvelopesDropped  int64 `json:"envelopes_dropped"`
	MalformedFrames   int64 `json:"malformed_frames"`

	ActiveSessions   int64 `json:"active_sessions"`
	SuccessfulAuths  int64 `json:"successful_auths"`
	FailedAuths      int64 `json:"failed_auths"`
	ForbiddenAuths   int64 `json:"forbidden_auths"`
	Registrations    int64 `json:"registrations"`
	TotalDisconnects int64 `json:"total_disconnects"`
	XMPPErrors       int64 `json:"xmpp_errors"`

	MessagesOut int64 `json:"messages_out"`
	MessagesIn  int64 `json:"messages_in"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		EnvelopesDropped:  m.EnvelopesDropped.Load(),
		MalformedFrames:   m.MalformedFrames.Load(),
		ActiveSessions:    m.ActiveSessions.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		ForbiddenAuths:    m.ForbiddenAuths.Load(),
		Registrations:     m.Registrations.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		XMPPErrors:        m.XMPPErrors.Load(),
		MessagesOut:       m.MessagesOut.Load(),
		MessagesIn:        m.MessagesIn.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"sessions", s.ActiveSessions,
		"msgs_out", s.MessagesOut,
		"msgs_in", s.MessagesIn,
		"xmpp_errors", s.XMPPErrors,
		"dropped", s.EnvelopesDropped,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed. A non-positive interval disables it.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
