// Package xmppclient wraps mellium.im/xmpp behind the small surface the relay
// needs: register an account, log in, send chat messages and presence, and
// receive chat messages.
package xmppclient

import (
	"context"
	"errors"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

var (
	// ErrAccountExists is returned by Register when the server already has
	// an account with the requested username.
	ErrAccountExists = errors.New("xmppclient: account already exists")
	ErrClosed        = errors.New("xmppclient: connection closed")
)

// Client opens XMPP connections for chat users.
type Client interface {
	// Register creates the account on the XMPP server (in-band registration).
	Register(ctx context.Context, username, password string) error
	// Connect logs the user in and returns a ready connection. No presence
	// has been sent yet.
	Connect(ctx context.Context, username, password string) (Conn, error)
}

// Conn is a logged-in XMPP client stream.
type Conn interface {
	// Serve reads the stream and hands every chat message to h. It blocks
	// until the stream ends and returns nil if it ended because of Close.
	Serve(h Handler) error
	// SendMessage sends a chat message to the user with the given localpart.
	SendMessage(ctx context.Context, to, body string) error
	SendPresence(ctx context.Context, typ stanza.PresenceType) error
	LocalAddr() jid.JID
	// Close ends the stream and closes the underlying connection. Calling
	// Close more than once is safe.
	Close() error
}

// Message is an inbound message stanza.
type Message struct {
	ID   string
	From jid.JID
	To   jid.JID
	Type stanza.MessageType
	Body string
}

// IsError reports whether the message is an error bounce.
func (m Message) IsError() bool {
	return m.Type == stanza.ErrorMessage
}

// Handler receives inbound messages from Conn.Serve.
type Handler interface {
	HandleMessage(Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Message)

func (f HandlerFunc) HandleMessage(m Message) {
	f(m)
}
