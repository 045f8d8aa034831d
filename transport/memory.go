package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corewire/buskit/wire"
)

var (
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrBrokerDown   = errors.New("transport: broker not accepting connections")
)

// CredentialValidator checks the headers of a CONNECT frame.
type CredentialValidator interface {
	Validate(headers map[string]string) error
}

// AllowAll accepts any credentials.
type AllowAll struct{}

func (AllowAll) Validate(map[string]string) error { return nil }

// StaticToken requires one connect header to equal a shared token. Intended
// for tests and proofs of concept.
type StaticToken struct {
	Header string
	Token  string
}

func (s StaticToken) Validate(headers map[string]string) error {
	key := s.Header
	if key == "" {
		key = "passcode"
	}
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(headers[key])) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// ConnectedIdentity is the authenticated principal reported in
// connected-info.
type ConnectedIdentity struct {
	Identity string   `json:"identity"`
	Roles    []string `json:"roles,omitempty"`
}

// BrokerConfig configures the in-memory broker.
type BrokerConfig struct {
	// Credentials validates CONNECT headers; nil accepts everything.
	Credentials CredentialValidator
	// SessionTTL is the resume window after a connection is lost. Zero
	// disables session resumption entirely: every CONNECT gets a fresh
	// session and reply address.
	SessionTTL time.Duration
	// Identity derives the authenticated identity from CONNECT headers;
	// nil uses the login header.
	Identity func(headers map[string]string) ConnectedIdentity
}

// Broker is a lightweight in-process bus. It exists so protocol behavior can
// be tested end to end without a network: it validates credentials, issues
// sessions and reply addresses, routes SEND frames to registered handlers,
// and delivers MESSAGE frames back to connections.
type Broker struct {
	cfg BrokerConfig

	mu        sync.Mutex
	accepting bool
	conns     map[*memConn]*brokerSession
	sessions  map[string]*brokerSession
	handlers  map[string]func(f wire.Frame)
	now       func() time.Time
}

type brokerSession struct {
	id      string
	replyTo string
	conn    *memConn
	lostAt  time.Time
}

func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.Credentials == nil {
		cfg.Credentials = AllowAll{}
	}
	return &Broker{
		cfg:       cfg,
		accepting: true,
		conns:     make(map[*memConn]*brokerSession),
		sessions:  make(map[string]*brokerSession),
		handlers:  make(map[string]func(f wire.Frame)),
		now:       time.Now,
	}
}

// Transport returns a dialer for this broker. The DialConfig address is
// ignored; every dial reaches this broker.
func (b *Broker) Transport() Transport {
	return memTransport{b: b}
}

// Handle registers a handler for SEND frames addressed to destination.
// Handlers run synchronously on the sender's goroutine and reply via
// Publish.
func (b *Broker) Handle(destination string, fn func(f wire.Frame)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[destination] = fn
}

// Publish delivers a MESSAGE frame. A destination matching a live session's
// reply address goes to that connection only; anything else is broadcast to
// every live connection (subscription filtering is the client's concern).
func (b *Broker) Publish(destination string, headers map[string]string, body []byte) {
	f := wire.Frame{
		Command: wire.CmdMessage,
		Headers: make(map[string]string, len(headers)+1),
		Body:    body,
	}
	for k, v := range headers {
		f.Headers[k] = v
	}
	f.Headers[wire.HeaderDestination] = destination

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sess := range b.sessions {
		if sess.replyTo == destination {
			if sess.conn != nil {
				sess.conn.push(f)
			}
			return
		}
	}
	for c := range b.conns {
		c.push(f)
	}
}

// SetAccepting toggles whether new dials succeed. Used to simulate an
// unreachable broker.
func (b *Broker) SetAccepting(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accepting = ok
}

// DropConnections abruptly severs every live connection without protocol
// notice, simulating network loss. Sessions stay resumable within the TTL.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c, sess := range b.conns {
		b.detachLocked(c, sess)
		c.closeDetached()
	}
}

// SendErrorFrame pushes a fatal ERROR frame to every live connection and
// severs them.
func (b *Broker) SendErrorFrame(message string) {
	f := wire.Frame{
		Command: wire.CmdError,
		Headers: map[string]string{wire.HeaderMessage: message},
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c, sess := range b.conns {
		c.push(f)
		b.detachLocked(c, sess)
		c.closeDetached()
	}
}

// SessionCount reports live sessions, resumable ones included.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Broker) detachLocked(c *memConn, sess *brokerSession) {
	delete(b.conns, c)
	if sess == nil {
		return
	}
	if b.cfg.SessionTTL <= 0 {
		delete(b.sessions, sess.id)
		return
	}
	sess.conn = nil
	sess.lostAt = b.now()
}

func (b *Broker) handleFrame(c *memConn, f wire.Frame) {
	b.mu.Lock()
	sess := b.conns[c]

	if sess == nil {
		b.handleConnectLocked(c, f)
		b.mu.Unlock()
		return
	}

	switch f.Command {
	case wire.CmdSend:
		dest := f.Headers[wire.HeaderDestination]
		if fn, ok := b.handlers[dest]; ok {
			b.mu.Unlock()
			fn(f)
			return
		}
		// A SEND addressed at another session's reply address is routed
		// like a reply.
		for _, s := range b.sessions {
			if s.replyTo == dest && s.conn != nil {
				msg := f
				msg.Command = wire.CmdMessage
				s.conn.push(msg)
				break
			}
		}
		b.mu.Unlock()
	case wire.CmdDisconnect:
		delete(b.conns, c)
		delete(b.sessions, sess.id)
		c.closeDetached()
		b.mu.Unlock()
	default:
		b.mu.Unlock()
	}
}

func (b *Broker) handleConnectLocked(c *memConn, f wire.Frame) {
	if f.Command != wire.CmdConnect {
		c.push(errorFrame("expected CONNECT"))
		c.closeDetached()
		return
	}
	if err := b.cfg.Credentials.Validate(f.Headers); err != nil {
		c.push(errorFrame(err.Error()))
		c.closeDetached()
		return
	}

	sess := b.resumeLocked(f.Headers["session"])
	if sess == nil {
		id := "s-" + uuid.NewString()
		sess = &brokerSession{
			id:      id,
			replyTo: "stream://" + id + "@replies",
		}
		b.sessions[id] = sess
	}
	sess.conn = c
	b.conns[c] = sess

	identity := ConnectedIdentity{Identity: f.Headers["login"]}
	if identity.Identity == "" {
		identity.Identity = "anonymous"
	}
	if b.cfg.Identity != nil {
		identity = b.cfg.Identity(f.Headers)
	}
	info, _ := json.Marshal(identity)

	c.push(wire.Frame{
		Command: wire.CmdConnected,
		Headers: map[string]string{
			"session":        sess.id,
			"reply-to":       sess.replyTo,
			"connected-info": string(info),
		},
	})
}

func (b *Broker) resumeLocked(id string) *brokerSession {
	if id == "" || b.cfg.SessionTTL <= 0 {
		return nil
	}
	sess, ok := b.sessions[id]
	if !ok || sess.conn != nil {
		return nil
	}
	if b.now().Sub(sess.lostAt) > b.cfg.SessionTTL {
		delete(b.sessions, id)
		return nil
	}
	return sess
}

func (b *Broker) connClosed(c *memConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(c, b.conns[c])
}

func errorFrame(message string) wire.Frame {
	return wire.Frame{
		Command: wire.CmdError,
		Headers: map[string]string{wire.HeaderMessage: message},
	}
}

type memTransport struct {
	b *Broker
}

func (t memTransport) Dial(ctx context.Context, _ DialConfig) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if !t.b.accepting {
		return nil, ErrBrokerDown
	}
	return &memConn{
		b:    t.b,
		in:   make(chan wire.Frame, 256),
		done: make(chan struct{}),
	}, nil
}

type memConn struct {
	b    *Broker
	in   chan wire.Frame
	done chan struct{}
	once sync.Once
}

func (c *memConn) Send(f wire.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if _, err := wire.Encode(f); err != nil {
		return err
	}
	c.b.handleFrame(c, f)
	return nil
}

func (c *memConn) Receive() (wire.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		// Drain anything delivered before the close won the race.
		select {
		case f := <-c.in:
			return f, nil
		default:
		}
		return wire.Frame{}, ErrClosed
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.b.connClosed(c)
	})
	return nil
}

// closeDetached severs the connection without broker bookkeeping; callers
// hold the broker lock and have already detached it.
func (c *memConn) closeDetached() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *memConn) push(f wire.Frame) {
	select {
	case c.in <- f:
	default:
	}
}
