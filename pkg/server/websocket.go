package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/NicolasHaas/xmppbridge/pkg/logging"
	"github.com/NicolasHaas/xmppbridge/pkg/model"
	"github.com/NicolasHaas/xmppbridge/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = protocol.MaxEnvelopeSize

	sendQueueSize = 256
)

var (
	ErrPeerClosed = errors.New("server: peer closed")
	ErrQueueFull  = errors.New("server: peer send queue full")
)

// wsPeer is a browser connected over WebSocket.
type wsPeer struct {
	conn    *websocket.Conn
	send    chan protocol.Envelope
	metrics *Metrics
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newPeer(conn *websocket.Conn, metrics *Metrics, log *slog.Logger) *wsPeer {
	return &wsPeer{
		conn:    conn,
		send:    make(chan protocol.Envelope, sendQueueSize),
		metrics: metrics,
		log:     log,
	}
}

// Send queues env for the write pump. A full queue drops the envelope.
func (p *wsPeer) Send(env protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	select {
	case p.send <- env:
		return nil
	default:
		p.metrics.EnvelopesDropped.Add(1)
		p.log.Warn("peer queue full, envelope dropped", "type", env.Type)
		return ErrQueueFull
	}
}

// closeSend stops accepting envelopes. The write pump flushes what is queued,
// sends a close frame and closes the connection.
func (p *wsPeer) closeSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// writePump pumps envelopes from the queue to the WebSocket connection.
func (p *wsPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case env, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			data, err := protocol.Encode(env)
			if err != nil {
				p.log.Error("encode envelope", "err", err)
				continue
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.log.Debug("websocket write", "err", err)
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes frames from the connection and hands them to handle until
// the connection fails or closes.
func (p *wsPeer) readPump(handle func(protocol.Envelope)) {
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				p.log.Warn("websocket read", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			p.metrics.MalformedFrames.Add(1)
			p.log.Debug("malformed frame", "err", err)
			continue
		}
		handle(env)
	}
}

// originChecker allows the listed origins (case-insensitive). An empty list
// or a request without an Origin header is always allowed.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// handleChat serves GET /chat/:username/:password.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	username := ps.ByName("username")
	password := ps.ByName("password")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		slog.Warn("websocket upgrade", "remote", r.RemoteAddr, "err", err)
		return
	}

	sess := model.Session{
		ID:          uuid.NewString(),
		Username:    username,
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now().UTC(),
	}
	log := logging.Session(sess.ID, username)
	peer := newPeer(conn, s.metrics, log)

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)
	log.Info("websocket opened", "remote", sess.RemoteAddr)

	go peer.writePump()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			peer.closeSend()
		case <-done:
		}
	}()

	if err := s.relay.StartSession(s.ctx, sess, peer, password); err != nil {
		log.Debug("session not started", "err", err)
		peer.closeSend()
	}

	peer.readPump(func(env protocol.Envelope) {
		switch env.Type {
		case protocol.TypeChat:
			s.relay.SendMessage(s.ctx, sess.ID, env)
		case protocol.TypeError:
			log.Info("client requested disconnect")
			s.relay.Disconnect(s.ctx, sess.ID)
		default:
			log.Debug("ignored envelope", "type", env.Type)
		}
	})

	s.relay.Disconnect(s.ctx, sess.ID)
	peer.closeSend()
	log.Info("websocket closed")
}
