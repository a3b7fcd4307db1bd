package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/NicolasHaas/xmppbridge/pkg/crypto"
	"github.com/NicolasHaas/xmppbridge/pkg/protocol"
	"github.com/NicolasHaas/xmppbridge/pkg/xmppclient"
)

func init() {
	crypto.Cost = bcrypt.MinCost
}

const waitTimeout = 2 * time.Second

type sentMessage struct {
	To   string
	Body string
}

// fakeClient is an in-memory xmppclient.Client.
type fakeClient struct {
	mu sync.Mutex

	registerErr error
	connectErr  error
	presenceErr error // returned by new connections for available presence
	sendErr     error // returned by new connections for SendMessage

	registered []string
	connected  []string
	conns      []*fakeConn
}

func (c *fakeClient) Register(_ context.Context, username, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = append(c.registered, username)
	return c.registerErr
}

func (c *fakeClient) Connect(_ context.Context, username, _ string) (xmppclient.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = append(c.connected, username)
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	conn := newFakeConn(username)
	conn.presenceErr = c.presenceErr
	conn.sendErr = c.sendErr
	c.conns = append(c.conns, conn)
	return conn, nil
}

func (c *fakeClient) calls() (registered, connected []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.registered...), append([]string(nil), c.connected...)
}

func (c *fakeClient) lastConn(t *testing.T) *fakeConn {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		t.Fatalf("fakeClient: no connection opened")
	}
	return c.conns[len(c.conns)-1]
}

// fakeConn is an in-memory xmppclient.Conn.
type fakeConn struct {
	user string

	mu             sync.Mutex
	sent           []sentMessage
	presences      []stanza.PresenceType
	presenceErr    error
	unavailableErr error
	sendErr        error
	closeCount     int
	onUnavailable  func() // runs after unavailable presence is recorded

	inbound   chan xmppclient.Message
	fail      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn(user string) *fakeConn {
	return &fakeConn{
		user:    user,
		inbound: make(chan xmppclient.Message, 16),
		fail:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Serve(h xmppclient.Handler) error {
	for {
		select {
		case m := <-c.inbound:
			h.HandleMessage(m)
		case err := <-c.fail:
			return err
		case <-c.done:
			return nil
		}
	}
}

func (c *fakeConn) SendMessage(_ context.Context, to, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMessage{To: to, Body: body})
	return nil
}

func (c *fakeConn) SendPresence(_ context.Context, typ stanza.PresenceType) error {
	c.mu.Lock()
	c.presences = append(c.presences, typ)
	hook := c.onUnavailable
	err := c.presenceErr
	if typ == stanza.UnavailablePresence {
		err = c.unavailableErr
	} else {
		hook = nil
	}
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (c *fakeConn) LocalAddr() jid.JID {
	return jid.MustParse(c.user + "@localhost/test")
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closeCount++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

func (c *fakeConn) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func (c *fakeConn) sentPresences() []stanza.PresenceType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stanza.PresenceType(nil), c.presences...)
}

// fakePeer records envelopes sent to a browser.
type fakePeer struct {
	ch chan protocol.Envelope
}

func newFakePeer() *fakePeer {
	return &fakePeer{ch: make(chan protocol.Envelope, 64)}
}

func (p *fakePeer) Send(env protocol.Envelope) error {
	p.ch <- env
	return nil
}

func (p *fakePeer) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-p.ch:
		return env
	case <-time.After(waitTimeout):
		t.Fatalf("fakePeer: no envelope within %s", waitTimeout)
		return protocol.Envelope{}
	}
}

func (p *fakePeer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case env := <-p.ch:
		t.Fatalf("fakePeer: unexpected envelope %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

// eventually polls cond until it holds or the wait timeout expires.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
