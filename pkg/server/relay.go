package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/NicolasHaas/xmppbridge/pkg/crypto"
	"github.com/NicolasHaas/xmppbridge/pkg/datastore"
	"github.com/NicolasHaas/xmppbridge/pkg/logging"
	"github.com/NicolasHaas/xmppbridge/pkg/model"
	"github.com/NicolasHaas/xmppbridge/pkg/protocol"
	"github.com/NicolasHaas/xmppbridge/pkg/xmppclient"
)

// Reasons carried in the content of ERROR envelopes.
const (
	reasonInvalidUsername = "invalid username"
	reasonEmptyPassword   = "password must not be empty"
	reasonAlreadyJoined   = "session already joined"
	reasonAccountLookup   = "account lookup failed"
	reasonRegister        = "xmpp registration failed"
	reasonLogin           = "xmpp login failed"
	reasonPresence        = "xmpp presence failed"
	reasonInvalidMessage  = "message requires to and content"
	reasonSend            = "xmpp send failed"
	reasonDisconnect      = "xmpp disconnect failed"
	reasonConnectionLost  = "xmpp connection lost"
)

var ErrForbidden = errors.New("server: wrong password")

// Peer delivers envelopes to one browser session. Send must not block.
type Peer interface {
	Send(env protocol.Envelope) error
}

// Relay connects WebSocket sessions to XMPP connections and moves chat
// messages between them.
type Relay struct {
	client   xmppclient.Client
	store    datastore.DataProviderFactory
	registry *Registry
	metrics  *Metrics
	timeout  time.Duration

	listeners sync.WaitGroup
}

// NewRelay creates a Relay. timeout bounds every blocking XMPP operation.
func NewRelay(client xmppclient.Client, st datastore.DataProviderFactory, metrics *Metrics, timeout time.Duration) *Relay {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Relay{
		client:   client,
		store:    st,
		registry: NewRegistry(),
		metrics:  metrics,
		timeout:  timeout,
	}
}

// Registry returns the session registry.
func (r *Relay) Registry() *Registry {
	return r.registry
}

func (r *Relay) fail(log *slog.Logger, peer Peer, reason string) {
	if err := peer.Send(protocol.Error(reason)); err != nil {
		log.Debug("send error envelope", "err", err)
	}
}

// StartSession authenticates sess.Username against the XMPP server, creating
// the account first if it is unknown, and binds the resulting connection to
// the session. The outcome is always reported to peer: JOIN_SUCCESS, FORBIDDEN
// or ERROR. The returned error is nil only when the session is bound.
func (r *Relay) StartSession(ctx context.Context, sess model.Session, peer Peer, password string) error {
	username := sess.Username
	log := logging.Session(sess.ID, username)

	if err := model.ValidateUsername(username); err != nil {
		log.Info("rejected session", "err", err)
		r.fail(log, peer, reasonInvalidUsername)
		return fmt.Errorf("server: start session: %w", err)
	}
	if password == "" {
		r.fail(log, peer, reasonEmptyPassword)
		return fmt.Errorf("server: start session: %w", model.ErrPasswordEmpty)
	}
	if r.registry.Bound(sess.ID) {
		log.Warn("session already bound")
		r.fail(log, peer, reasonAlreadyJoined)
		return ErrSessionBound
	}

	account, err := r.store.NonTx().GetAccount(ctx, username)
	if err != nil {
		log.Error("account lookup", "err", err)
		r.fail(log, peer, reasonAccountLookup)
		return fmt.Errorf("server: start session: %w", err)
	}
	if account != nil && !crypto.CheckPassword(account.PasswordHash, password) {
		log.Info("wrong password")
		r.metrics.ForbiddenAuths.Add(1)
		if err := peer.Send(protocol.Forbidden(username)); err != nil {
			log.Debug("send forbidden envelope", "err", err)
		}
		return ErrForbidden
	}

	var pendingHash string
	if account == nil {
		hash, err := crypto.HashPassword(password)
		if err != nil {
			log.Info("rejected password", "err", err)
			r.fail(log, peer, reasonRegister)
			return fmt.Errorf("server: start session: %w", err)
		}
		pendingHash = hash

		regCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err = r.client.Register(regCtx, username, password)
		cancel()
		switch {
		case errors.Is(err, xmppclient.ErrAccountExists):
			// Known to the XMPP server but not to us: the login decides.
			log.Info("account exists on xmpp server, logging in")
		case err != nil:
			log.Error("xmpp registration", "err", err)
			r.metrics.XMPPErrors.Add(1)
			r.fail(log, peer, reasonRegister)
			return fmt.Errorf("server: start session: %w", err)
		default:
			log.Info("registered xmpp account")
			r.metrics.Registrations.Add(1)
			r.saveAccount(ctx, log, username, pendingHash)
			pendingHash = ""
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, r.timeout)
	conn, err := r.client.Connect(connCtx, username, password)
	cancel()
	if err != nil {
		log.Error("xmpp login", "err", err)
		r.metrics.FailedAuths.Add(1)
		r.fail(log, peer, reasonLogin)
		return fmt.Errorf("server: start session: %w", err)
	}
	switch {
	case pendingHash != "":
		r.saveAccount(ctx, log, username, pendingHash)
	case account != nil && crypto.NeedsRehash(account.PasswordHash):
		if hash, err := crypto.HashPassword(password); err == nil {
			log.Debug("upgrading password hash")
			r.saveAccount(ctx, log, username, hash)
		}
	}

	presCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err = conn.SendPresence(presCtx, stanza.AvailablePresence)
	cancel()
	if err != nil {
		log.Error("xmpp initial presence", "err", err)
		r.metrics.XMPPErrors.Add(1)
		r.fail(log, peer, reasonPresence)
		_ = conn.Close()
		return fmt.Errorf("server: start session: %w", err)
	}

	b := &binding{
		session: sess,
		peer:    peer,
		conn:    conn,
		log:     log.With("jid", conn.LocalAddr().String()),
	}
	if err := r.registry.Add(b); err != nil {
		// Lost a race with a concurrent open for the same session.
		log.Warn("session already bound")
		r.fail(log, peer, reasonAlreadyJoined)
		_ = conn.Close()
		return err
	}
	r.metrics.ActiveSessions.Add(1)

	r.listeners.Add(1)
	go r.listen(b)

	b.log.Info("session joined")
	r.metrics.SuccessfulAuths.Add(1)
	if err := peer.Send(protocol.JoinSuccess(username)); err != nil {
		b.log.Debug("send join envelope", "err", err)
	}
	return nil
}

// saveAccount stores hash for username in one transaction, creating the
// account if it is not known yet. Failures are logged only.
func (r *Relay) saveAccount(ctx context.Context, log *slog.Logger, username, hash string) {
	if err := r.upsertAccount(ctx, username, hash); err != nil {
		log.Error("store account", "err", err)
	}
}

func (r *Relay) upsertAccount(ctx context.Context, username, hash string) error {
	tx, err := r.store.Tx(ctx)
	if err != nil {
		return fmt.Errorf("server: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	account, err := tx.GetAccount(ctx, username)
	if err != nil {
		return err
	}
	if account == nil {
		_, err = tx.CreateAccount(ctx, username, hash)
	} else {
		err = tx.UpdatePassword(ctx, username, hash)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SendMessage relays a CHAT envelope from the session to XMPP. Sessions
// without a binding are ignored.
func (r *Relay) SendMessage(ctx context.Context, sessionID string, env protocol.Envelope) {
	b := r.registry.Get(sessionID)
	if b == nil {
		slog.Debug("message from unbound session dropped", "session", sessionID)
		return
	}
	to := strings.TrimSpace(env.To)
	if to == "" || env.Content == "" {
		r.fail(b.log, b.peer, reasonInvalidMessage)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err := b.conn.SendMessage(sendCtx, to, env.Content)
	cancel()
	if err != nil {
		b.log.Error("xmpp send", "to", to, "err", err)
		r.metrics.XMPPErrors.Add(1)
		r.fail(b.log, b.peer, reasonSend)
		r.teardown(b)
		return
	}

	r.metrics.MessagesOut.Add(1)
	b.log.Debug("relayed message", "to", to)
	r.logMessage(ctx, b.log, model.DirectionOut, b.session.Username, to, env.Content)
}

// Disconnect sends unavailable presence and closes the session's XMPP
// connection. The binding is removed even if the presence fails.
func (r *Relay) Disconnect(ctx context.Context, sessionID string) {
	b := r.registry.Remove(sessionID)
	if b == nil {
		return
	}

	presCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err := b.conn.SendPresence(presCtx, stanza.UnavailablePresence)
	cancel()
	if err != nil {
		b.log.Error("xmpp unavailable presence", "err", err)
		r.metrics.XMPPErrors.Add(1)
		r.fail(b.log, b.peer, reasonDisconnect)
	}
	r.closeBinding(b)
}

// teardown closes b unless another path already removed it.
func (r *Relay) teardown(b *binding) {
	if r.registry.Release(b) {
		r.closeBinding(b)
	}
}

func (r *Relay) closeBinding(b *binding) {
	if err := b.conn.Close(); err != nil {
		b.log.Debug("close xmpp connection", "err", err)
	}
	r.metrics.ActiveSessions.Add(-1)
	r.metrics.TotalDisconnects.Add(1)
	b.log.Info("session closed")
}

// listen serves b's XMPP stream until it ends.
func (r *Relay) listen(b *binding) {
	defer r.listeners.Done()

	err := b.conn.Serve(xmppclient.HandlerFunc(func(m xmppclient.Message) {
		r.deliver(b, m)
	}))
	if err == nil {
		return
	}
	if !r.registry.Release(b) {
		return
	}
	b.log.Warn("xmpp stream ended", "err", err)
	r.metrics.XMPPErrors.Add(1)
	r.closeBinding(b)
	r.fail(b.log, b.peer, reasonConnectionLost)
}

func (r *Relay) deliver(b *binding, m xmppclient.Message) {
	if m.IsError() {
		b.log.Warn("xmpp error message", "from", m.From.String())
		r.metrics.XMPPErrors.Add(1)
		r.fail(b.log, b.peer, "message to "+displayName(m.From)+" could not be delivered")
		return
	}

	from := displayName(m.From)
	to := m.To.Localpart()
	if to == "" {
		to = b.session.Username
	}
	if err := b.peer.Send(protocol.Chat(from, to, m.Body)); err != nil {
		b.log.Debug("send chat envelope", "err", err)
		return
	}
	r.metrics.MessagesIn.Add(1)
	r.logMessage(context.Background(), b.log, model.DirectionIn, from, to, m.Body)
}

// displayName is the localpart of j, or the whole address for server JIDs.
func displayName(j jid.JID) string {
	if lp := j.Localpart(); lp != "" {
		return lp
	}
	return j.String()
}

func (r *Relay) logMessage(ctx context.Context, log *slog.Logger, dir model.Direction, from, to, body string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	msg := &model.Message{Direction: dir, From: from, To: to, Body: body}
	if err := r.store.NonTx().CreateMessage(ctx, msg); err != nil {
		log.Warn("store message", "err", err)
	}
}

// Shutdown disconnects every bound session and waits for their listeners.
func (r *Relay) Shutdown(ctx context.Context) error {
	for _, s := range r.registry.All() {
		r.Disconnect(ctx, s.ID)
	}
	// Sessions that finished joining while the sweep above ran.
	if late := r.registry.RemoveAll(); len(late) > 0 {
		slog.Warn("closing sessions bound during shutdown", "count", len(late))
		for _, b := range late {
			r.closeBinding(b)
		}
	}

	done := make(chan struct{})
	go func() {
		r.listeners.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
