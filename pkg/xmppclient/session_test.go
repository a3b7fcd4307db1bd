package xmppclient

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/NicolasHaas/xmppbridge/pkg/crypto"
)

const sessionTimeout = 5 * time.Second

// loopbackServer is a minimal c2s XMPP server on 127.0.0.1: StartTLS with a
// self-signed certificate, SASL PLAIN, in-band registration and resource
// binding.
type loopbackServer struct {
	ln  net.Listener
	tls *tls.Config

	mu       sync.Mutex
	accounts map[string]string
	conns    []net.Conn

	sessions chan *loopbackSession
	wg       sync.WaitGroup
}

// loopbackSession is the server end of an authenticated client stream.
type loopbackSession struct {
	session  *xmpp.Session
	received chan Message
}

func newLoopbackServer(t *testing.T, accounts map[string]string) *loopbackServer {
	t.Helper()
	certPEM, keyPEM, err := crypto.SelfSignedPair(time.Now())
	if err != nil {
		t.Fatalf("SelfSignedPair: unexpected error: %v", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair: unexpected error: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: unexpected error: %v", err)
	}

	srv := &loopbackServer{
		ln:       ln,
		tls:      &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
		accounts: make(map[string]string),
		sessions: make(chan *loopbackSession, 4),
	}
	for user, pass := range accounts {
		srv.accounts[user] = pass
	}

	srv.wg.Add(1)
	go srv.accept()
	t.Cleanup(func() {
		_ = ln.Close()
		srv.mu.Lock()
		for _, c := range srv.conns {
			_ = c.Close()
		}
		srv.mu.Unlock()
		srv.wg.Wait()
	})
	return srv
}

func (s *loopbackServer) dialer(t *testing.T) *Dialer {
	t.Helper()
	d, err := NewDialer(Config{
		Domain:        "localhost",
		Addr:          s.ln.Addr().String(),
		TLSSkipVerify: true,
		Timeout:       sessionTimeout,
	})
	if err != nil {
		t.Fatalf("NewDialer: unexpected error: %v", err)
	}
	return d
}

func (s *loopbackServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *loopbackServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	session, err := xmpp.ReceiveSession(ctx, conn, 0, xmpp.NewNegotiator(func(*xmpp.Session, *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(s.tls),
				xmpp.SASLServer(s.authenticate, sasl.Plain),
				s.registration(),
				xmpp.BindResource(),
			},
		}
	}))
	cancel()
	if err != nil {
		return
	}

	ls := &loopbackSession{session: session, received: make(chan Message, 8)}
	if session.State()&xmpp.Authn == xmpp.Authn {
		select {
		case s.sessions <- ls:
		default:
		}
	}
	_ = session.Serve(xmpp.HandlerFunc(func(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
		msg, ok, err := decodeMessage(t, start)
		if err == nil && ok {
			select {
			case ls.received <- msg:
			default:
			}
		}
		return nil
	}))
}

func (s *loopbackServer) authenticate(n *sasl.Negotiator) bool {
	user, pass, _ := n.Credentials()
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.accounts[string(user)]
	return ok && want == string(pass)
}

// registration answers a single XEP-0077 set on an unauthenticated stream,
// replying conflict when the username is taken.
func (s *loopbackServer) registration() xmpp.StreamFeature {
	return xmpp.StreamFeature{
		Name:       xml.Name{Space: nsRegister, Local: "register"},
		Necessary:  xmpp.Secure,
		Prohibited: xmpp.Authn,
		List: func(_ context.Context, e xmlstream.TokenWriter, start xml.StartElement) (bool, error) {
			if err := e.EncodeToken(start); err != nil {
				return true, err
			}
			return true, e.EncodeToken(start.End())
		},
		Negotiate: func(_ context.Context, session *xmpp.Session, _ interface{}) (xmpp.SessionState, io.ReadWriter, error) {
			r := session.TokenReader()
			defer r.Close()
			d := xml.NewTokenDecoder(r)
			tok, err := d.Token()
			if err != nil {
				return 0, nil, err
			}
			start, ok := tok.(xml.StartElement)
			if !ok {
				return 0, nil, fmt.Errorf("registration: want iq start, got %T", tok)
			}
			var req struct {
				stanza.IQ
				Query struct {
					Username string `xml:"username"`
					Password string `xml:"password"`
				} `xml:"jabber:iq:register query"`
			}
			if err := d.DecodeElement(&req, &start); err != nil {
				return 0, nil, err
			}

			s.mu.Lock()
			_, taken := s.accounts[req.Query.Username]
			if !taken {
				s.accounts[req.Query.Username] = req.Query.Password
			}
			s.mu.Unlock()

			resp := req.IQ.Result(nil)
			if taken {
				resp = req.IQ.Error(stanza.Error{Type: stanza.Cancel, Condition: stanza.Conflict})
			}
			w := session.TokenWriter()
			defer w.Close()
			if _, err := xmlstream.Copy(w, resp); err != nil {
				return 0, nil, err
			}
			return xmpp.Ready, nil, w.Flush()
		},
	}
}

func (s *loopbackServer) nextSession(t *testing.T) *loopbackSession {
	t.Helper()
	select {
	case ls := <-s.sessions:
		return ls
	case <-time.After(sessionTimeout):
		t.Fatalf("timed out waiting for server session")
		return nil
	}
}

func (ls *loopbackSession) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-ls.received:
		return m
	case <-time.After(sessionTimeout):
		t.Fatalf("timed out waiting for message at server")
		return Message{}
	}
}

// serve runs conn.Serve in the background, collecting inbound messages.
func serve(conn Conn) (<-chan Message, <-chan error) {
	inbound := make(chan Message, 8)
	served := make(chan error, 1)
	go func() {
		served <- conn.Serve(HandlerFunc(func(m Message) { inbound <- m }))
	}()
	return inbound, served
}

func waitServe(t *testing.T, served <-chan error) error {
	t.Helper()
	select {
	case err := <-served:
		return err
	case <-time.After(sessionTimeout):
		t.Fatalf("timed out waiting for Serve to return")
		return nil
	}
}

var jidComparer = cmp.Comparer(func(a, b jid.JID) bool { return a.Equal(b) })

func TestSessionMessageRoundTrip(t *testing.T) {
	srv := newLoopbackServer(t, map[string]string{"alice": "secret"})
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	conn, err := srv.dialer(t).Connect(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if got := conn.LocalAddr(); got.Bare().String() != "alice@localhost" || got.Resourcepart() == "" {
		t.Fatalf("LocalAddr: want bound alice@localhost/<resource>, got %s", got)
	}
	remote := srv.nextSession(t)
	inbound, served := serve(conn)

	if err := conn.SendPresence(ctx, ""); err != nil {
		t.Fatalf("SendPresence: unexpected error: %v", err)
	}
	if err := conn.SendMessage(ctx, "bob", "hi bob"); err != nil {
		t.Fatalf("SendMessage: unexpected error: %v", err)
	}
	got := remote.next(t)
	got.ID = ""
	want := Message{From: conn.LocalAddr(), To: jid.MustParse("bob@localhost"), Type: stanza.ChatMessage, Body: "hi bob"}
	if diff := cmp.Diff(want, got, jidComparer); diff != "" {
		t.Fatalf("server received mismatch (-want +got):\n%s", diff)
	}

	err = remote.session.Encode(ctx, messageBody{
		Message: stanza.Message{
			ID:   "m1",
			To:   conn.LocalAddr(),
			From: jid.MustParse("bob@localhost/phone"),
			Type: stanza.ChatMessage,
		},
		Body: "hi alice",
	})
	if err != nil {
		t.Fatalf("server Encode: unexpected error: %v", err)
	}
	select {
	case m := <-inbound:
		want := Message{ID: "m1", From: jid.MustParse("bob@localhost/phone"), To: conn.LocalAddr(), Type: stanza.ChatMessage, Body: "hi alice"}
		if diff := cmp.Diff(want, m, jidComparer); diff != "" {
			t.Fatalf("client received mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(sessionTimeout):
		t.Fatalf("timed out waiting for message at client")
	}

	// The server ends its stream while the TCP connection stays up.
	if err := remote.session.Close(); err != nil {
		t.Fatalf("server Close: unexpected error: %v", err)
	}
	if err := waitServe(t, served); !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("Serve after server close: want ErrStreamEnded, got %v", err)
	}
}

func TestSessionCloseStopsServe(t *testing.T) {
	srv := newLoopbackServer(t, map[string]string{"alice": "secret"})
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	conn, err := srv.dialer(t).Connect(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}
	srv.nextSession(t)
	_, served := serve(conn)

	closeErr := conn.Close()
	if err := waitServe(t, served); err != nil {
		t.Fatalf("Serve after Close: want nil, got %v", err)
	}
	if err := conn.Close(); err != closeErr {
		t.Fatalf("second Close: want %v, got %v", closeErr, err)
	}
	if err := conn.SendMessage(ctx, "bob", "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendMessage after Close: want ErrClosed, got %v", err)
	}
	if err := conn.SendPresence(ctx, stanza.UnavailablePresence); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendPresence after Close: want ErrClosed, got %v", err)
	}
}

func TestSessionConnectWrongPassword(t *testing.T) {
	srv := newLoopbackServer(t, map[string]string{"alice": "secret"})
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	conn, err := srv.dialer(t).Connect(ctx, "alice", "wrong")
	if err == nil {
		_ = conn.Close()
		t.Fatalf("Connect: expected error for wrong password")
	}
}

func TestDialerRegister(t *testing.T) {
	srv := newLoopbackServer(t, map[string]string{"alice": "secret"})
	d := srv.dialer(t)
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	if err := d.Register(ctx, "alice", "other"); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("Register taken name: want ErrAccountExists, got %v", err)
	}
	if err := d.Register(ctx, "carol", "pw"); err != nil {
		t.Fatalf("Register new name: unexpected error: %v", err)
	}

	conn, err := d.Connect(ctx, "carol", "pw")
	if err != nil {
		t.Fatalf("Connect after Register: unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if got := conn.LocalAddr().Localpart(); got != "carol" {
		t.Fatalf("LocalAddr: want carol, got %s", got)
	}
}
