package xmppclient

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/dial"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/NicolasHaas/xmppbridge/pkg/crypto"
	"github.com/NicolasHaas/xmppbridge/pkg/version"
)

const (
	// nsRegister is the XEP-0077 in-band registration namespace.
	nsRegister = "jabber:iq:register"
	nsSASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
)

// ErrStreamEnded is returned by Serve when the server ended the stream
// without the connection being closed locally.
var ErrStreamEnded = errors.New("xmppclient: stream ended by server")

// Config describes how to reach the XMPP server.
type Config struct {
	// Domain is the XMPP domain every user lives on, e.g. "localhost".
	Domain string
	// Addr is an explicit host:port. When empty the server is located via
	// DNS SRV records for Domain.
	Addr string
	// TLSSkipVerify disables certificate verification for StartTLS.
	// Only for development servers with self-signed certificates.
	TLSSkipVerify bool
	// Timeout bounds dialing plus stream negotiation.
	Timeout time.Duration
	// Resource is the resourcepart prefix; a random suffix is appended.
	Resource string
}

// Dialer is the mellium-backed Client.
type Dialer struct {
	cfg    Config
	domain jid.JID
}

var _ Client = (*Dialer)(nil)

// NewDialer validates cfg and returns a Dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.Domain == "" {
		return nil, errors.New("xmppclient: domain is required")
	}
	domain, err := jid.Parse(cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("xmppclient: parse domain %q: %w", cfg.Domain, err)
	}
	if domain.Localpart() != "" || domain.Resourcepart() != "" {
		return nil, fmt.Errorf("xmppclient: domain %q must be a bare domain", cfg.Domain)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Resource == "" {
		cfg.Resource = version.Resource()
	}
	return &Dialer{cfg: cfg, domain: domain}, nil
}

func (d *Dialer) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         d.domain.String(),
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: d.cfg.TLSSkipVerify,
	}
}

func (d *Dialer) dial(ctx context.Context, addr jid.JID) (net.Conn, error) {
	if d.cfg.Addr != "" {
		var nd net.Dialer
		return nd.DialContext(ctx, "tcp", d.cfg.Addr)
	}
	dialer := dial.Dialer{TLSConfig: d.tlsConfig()}
	return dialer.Dial(ctx, "tcp", addr)
}

// Connect dials the server, negotiates StartTLS, authenticates with SASL and
// binds a resource.
func (d *Dialer) Connect(ctx context.Context, username, password string) (Conn, error) {
	suffix, err := crypto.GenerateToken(4)
	if err != nil {
		return nil, err
	}
	origin, err := jid.New(username, d.domain.Domainpart(), d.cfg.Resource+"-"+suffix)
	if err != nil {
		return nil, fmt.Errorf("xmppclient: address for %q: %w", username, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	conn, err := d.dial(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("xmppclient: dial: %w", err)
	}
	tlsCfg := d.tlsConfig()
	negotiator := xmpp.NewNegotiator(func(*xmpp.Session, *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.BindResource(),
				xmpp.StartTLS(tlsCfg),
				xmpp.SASL("", password, sasl.ScramSha256Plus, sasl.ScramSha1Plus, sasl.ScramSha256, sasl.ScramSha1, sasl.Plain),
			},
		}
	})
	session, err := xmpp.NewSession(ctx, origin.Domain(), origin, conn, 0, negotiator)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("xmppclient: login %q: %w", username, err)
	}

	return &sessionConn{
		session: session,
		domain:  d.domain.Domainpart(),
		log:     slog.With("xmpp", session.LocalAddr().String()),
	}, nil
}

// Register creates username on the server with XEP-0077 in-band
// registration. The stream is secured with StartTLS but not authenticated.
func (d *Dialer) Register(ctx context.Context, username, password string) error {
	origin, err := jid.New(username, d.domain.Domainpart(), "")
	if err != nil {
		return fmt.Errorf("xmppclient: address for %q: %w", username, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	conn, err := d.dial(ctx, origin)
	if err != nil {
		return fmt.Errorf("xmppclient: dial: %w", err)
	}
	tlsCfg := d.tlsConfig()
	negotiator := xmpp.NewNegotiator(func(*xmpp.Session, *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{xmpp.StartTLS(tlsCfg), saslListed()},
		}
	})
	session, err := xmpp.NewSession(ctx, origin.Domain(), origin, conn, 0, negotiator)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("xmppclient: register %q: negotiate: %w", username, err)
	}
	defer func() {
		_ = session.Close()
		_ = session.Conn().Close()
	}()

	// IQ responses are only delivered while the stream is being served.
	go func() {
		_ = session.Serve(xmpp.HandlerFunc(func(xmlstream.TokenReadEncoder, *xml.StartElement) error {
			return nil
		}))
	}()

	err = session.UnmarshalIQElement(ctx, registerPayload(username, password), stanza.IQ{
		Type: stanza.SetIQ,
		To:   d.domain,
	}, nil)
	return registerError(username, err)
}

// saslListed recognizes the SASL mechanisms list without negotiating it.
// Registration happens before authentication, so once TLS is up the stream
// is ready even though the server still offers SASL.
func saslListed() xmpp.StreamFeature {
	return xmpp.StreamFeature{
		Name:       xml.Name{Space: nsSASL, Local: "mechanisms"},
		Necessary:  xmpp.Secure,
		Prohibited: xmpp.Authn,
		Parse: func(_ context.Context, d *xml.Decoder, _ *xml.StartElement) (bool, interface{}, error) {
			return false, nil, d.Skip()
		},
	}
}

func registerPayload(username, password string) xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.MultiReader(
			xmlstream.Wrap(xmlstream.Token(xml.CharData(username)), xml.StartElement{Name: xml.Name{Local: "username"}}),
			xmlstream.Wrap(xmlstream.Token(xml.CharData(password)), xml.StartElement{Name: xml.Name{Local: "password"}}),
		),
		xml.StartElement{Name: xml.Name{Space: nsRegister, Local: "query"}},
	)
}

func registerError(username string, err error) error {
	if err == nil {
		return nil
	}
	var se stanza.Error
	if errors.As(err, &se) && se.Condition == stanza.Conflict {
		return fmt.Errorf("xmppclient: register %q: %w", username, ErrAccountExists)
	}
	return fmt.Errorf("xmppclient: register %q: %w", username, err)
}

// messageBody is the wire form of a chat message.
type messageBody struct {
	stanza.Message
	Body string `xml:"body"`
}

type sessionConn struct {
	session *xmpp.Session
	domain  string
	log     *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (c *sessionConn) Serve(h Handler) error {
	err := c.session.Serve(xmpp.HandlerFunc(func(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
		msg, ok, err := decodeMessage(t, start)
		if err != nil {
			c.log.Warn("xmpp: decode message", "err", err)
			return nil
		}
		if ok {
			h.HandleMessage(msg)
		}
		return nil
	}))
	if c.closed.Load() {
		return nil
	}
	if err == nil {
		return ErrStreamEnded
	}
	return fmt.Errorf("xmppclient: serve: %w", err)
}

func (c *sessionConn) SendMessage(ctx context.Context, to, body string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	recipient, err := jid.New(to, c.domain, "")
	if err != nil {
		return fmt.Errorf("xmppclient: recipient %q: %w", to, err)
	}
	err = c.session.Encode(ctx, messageBody{
		Message: stanza.Message{
			To:   recipient,
			From: c.session.LocalAddr(),
			Type: stanza.ChatMessage,
		},
		Body: body,
	})
	if err != nil {
		return fmt.Errorf("xmppclient: send message: %w", err)
	}
	return nil
}

func (c *sessionConn) SendPresence(ctx context.Context, typ stanza.PresenceType) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.session.Send(ctx, stanza.Presence{Type: typ}.Wrap(nil)); err != nil {
		return fmt.Errorf("xmppclient: send presence: %w", err)
	}
	return nil
}

func (c *sessionConn) LocalAddr() jid.JID {
	return c.session.LocalAddr()
}

func (c *sessionConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err := c.session.Close()
		if cerr := c.session.Conn().Close(); err == nil {
			err = cerr
		}
		c.closeErr = err
	})
	return c.closeErr
}

// decodeMessage decodes a message stanza from the stream. ok is false for
// anything that is not a chat, normal or error message; chat and normal
// messages without a body are skipped too.
func decodeMessage(r xml.TokenReader, start *xml.StartElement) (msg Message, ok bool, err error) {
	if start.Name.Local != "message" {
		return Message{}, false, nil
	}

	d := xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(*start), r))
	if _, err := d.Token(); err != nil {
		return Message{}, false, err
	}
	var m messageBody
	if err := d.DecodeElement(&m, start); err != nil && err != io.EOF {
		return Message{}, false, err
	}

	switch m.Type {
	case stanza.ErrorMessage:
	case stanza.ChatMessage, stanza.NormalMessage, "":
		if m.Body == "" {
			return Message{}, false, nil
		}
	default:
		return Message{}, false, nil
	}
	return Message{
		ID:   m.ID,
		From: m.From,
		To:   m.To,
		Type: m.Type,
		Body: m.Body,
	}, true, nil
}
