// Package server implements the xmppbridge WebSocket gateway: the session
// registry, the relay between WebSocket sessions and XMPP connections, and
// the HTTP surface.
package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/NicolasHaas/xmppbridge/pkg/datastore"
	"github.com/NicolasHaas/xmppbridge/pkg/xmppclient"
)

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
	XMPP  xmppclient.Client
}

// Server is the main xmppbridge server.
type Server struct {
	cfg      Config
	relay    *Relay
	metrics  *Metrics
	store    datastore.DataProviderFactory
	upgrader websocket.Upgrader
	router   *httprouter.Router

	chatSrv    *http.Server
	metricsSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	s := &Server{
		cfg:     cfg,
		relay:   NewRelay(deps.XMPP, deps.Store, metrics, cfg.XMPP.Timeout),
		metrics: metrics,
		store:   deps.Store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		router: httprouter.New(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.router.GET("/chat/:username/:password", s.handleChat)
	return s
}

// Handler returns the chat HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Relay returns the session relay.
func (s *Server) Relay() *Relay {
	return s.relay
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
