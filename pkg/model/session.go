package model

import "time"

// Session is a live WebSocket session (in-memory only).
type Session struct {
	ID          string
	Username    string
	RemoteAddr  string
	ConnectedAt time.Time
}
