// Package client turns one duplex bus connection into many concurrent
// correlated conversations: single request/response, request/stream, and
// per-destination observations. It owns the connection lifecycle, including
// bounded jittered reconnection and session resumption.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corewire/buskit/event"
	"github.com/corewire/buskit/internal/logging"
	"github.com/corewire/buskit/transport"
	"github.com/corewire/buskit/wire"
)

// State is the connection lifecycle state.
type State int

const (
	// StateInactive is the resting state; no resources are held.
	StateInactive State = iota
	// StateActivating covers dialing and the connect handshake.
	StateActivating
	// StateConnected means the handshake completed and frames flow.
	StateConnected
	// StateActiveDisconnected means the link dropped and bounded
	// reconnection is running. Sends queue; conversations stay registered.
	StateActiveDisconnected
	// StateDeactivating covers an in-progress deliberate shutdown.
	StateDeactivating
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateConnected:
		return "connected"
	case StateActiveDisconnected:
		return "active-disconnected"
	case StateDeactivating:
		return "deactivating"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ConnectedInfo describes the session granted by the broker handshake.
type ConnectedInfo struct {
	SessionID string
	ReplyTo   string
	Identity  string
	Roles     []string
}

// Client is one bus connection multiplexing many conversations. All methods
// are safe for concurrent use.
type Client struct {
	cfg Config
	log zerolog.Logger
	tr  transport.Transport

	rngMu sync.Mutex
	rng   *rand.Rand

	mu       sync.Mutex
	state    State
	conn     transport.Conn
	gen      int
	readDone chan struct{} // closed when the current conn's read loop exits
	info     ConnectedInfo
	session  string // survives disconnects so reconnects can offer it

	convMu    sync.Mutex
	convs     map[string]*conversation
	observers map[string][]*Observation

	outbox  *sendOutbox
	fatalCh chan error
}

// ErrHostRequired rejects a config with neither a host nor a custom
// transport.
var ErrHostRequired = errors.New("client: host required")

// New builds a client from cfg. The connection starts inactive; call Connect
// to bring it up.
func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if cfg.Host == "" && cfg.Transport == nil {
		return nil, ErrHostRequired
	}
	tr := cfg.Transport
	if tr == nil {
		tr = transport.NewWebsocket()
	}
	log := logging.Default()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	registerMetrics()
	return &Client{
		cfg:       cfg,
		log:       log.With().Str("component", "bus-client").Logger(),
		tr:        tr,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		convs:     make(map[string]*conversation),
		observers: make(map[string][]*Observation),
		outbox:    newSendOutbox(cfg.SendQueueLimit),
		fatalCh:   make(chan error, 8),
	}, nil
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether the connection is between Connect and Disconnect,
// link health aside.
func (c *Client) IsActive() bool {
	switch c.State() {
	case StateActivating, StateConnected, StateActiveDisconnected:
		return true
	}
	return false
}

// IsConnected reports whether a live handshaken link exists right now.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Info returns the session details from the most recent successful
// handshake. Zero value while inactive.
func (c *Client) Info() ConnectedInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// FatalErrors reports unrecoverable failures: reconnect exhaustion and
// broker-sent fatal frames. The channel is buffered; stale entries are
// dropped rather than blocking the engine.
func (c *Client) FatalErrors() <-chan error {
	return c.fatalCh
}

// Connect dials the broker and runs the connect handshake. Dial failures
// retry with the configured backoff; a broker rejection (ERROR frame) fails
// immediately without retry. On success the connection is Connected and
// queued sends are flushed.
func (c *Client) Connect(ctx context.Context) (ConnectedInfo, error) {
	c.mu.Lock()
	if c.state != StateInactive {
		c.mu.Unlock()
		return ConnectedInfo{}, ErrActive
	}
	c.state = StateActivating
	prior := c.session
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleepBackoff(ctx, attempt-1); err != nil {
				c.terminate(-1, fmt.Errorf("%w: %v", ErrConnectionLost, err), false)
				return ConnectedInfo{}, err
			}
		}

		conn, info, err := c.dialAndHandshake(ctx, prior)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrHandshake) || ctx.Err() != nil {
				break
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("connect attempt failed")
			continue
		}

		c.mu.Lock()
		if c.state != StateActivating {
			c.mu.Unlock()
			conn.Close()
			return ConnectedInfo{}, fmt.Errorf("%w: deactivated during connect", ErrNotConnected)
		}
		c.installLocked(conn, info)
		c.mu.Unlock()

		c.log.Info().Str("session", info.SessionID).Str("reply_to", info.ReplyTo).Msg("connected")
		c.flushQueued(conn, info.ReplyTo)
		return info, nil
	}

	c.terminate(-1, fmt.Errorf("%w: connect failed", ErrConnectionLost), false)
	return ConnectedInfo{}, lastErr
}

// Disconnect deliberately deactivates the connection. When force is false
// and a link is up, queued frames are flushed, a DISCONNECT frame is sent,
// and the call waits for the transport to acknowledge closure, all bounded
// by ctx. Pending conversations resolve with a connection error; nothing is
// reported on FatalErrors.
func (c *Client) Disconnect(ctx context.Context, force bool) error {
	c.mu.Lock()
	if c.state == StateInactive || c.state == StateDeactivating {
		c.mu.Unlock()
		return nil
	}
	connected := c.state == StateConnected
	conn := c.conn
	readDone := c.readDone
	session := c.info.SessionID
	replyTo := c.info.ReplyTo
	c.state = StateDeactivating
	c.gen++ // read loop and reconnect loop tokens go stale here
	c.mu.Unlock()

	if !force && connected && conn != nil {
		c.flushQueuedCtx(ctx, conn, replyTo)
		_ = conn.Send(wire.Frame{
			Command: wire.CmdDisconnect,
			Headers: map[string]string{event.HeaderSession: session},
		})
		// The read loop exits once the peer closes its side; that is the
		// closure acknowledgment.
		if readDone != nil {
			select {
			case <-readDone:
			case <-ctx.Done():
			}
		}
	}

	c.terminate(-1, fmt.Errorf("%w: closed by disconnect", ErrConnectionLost), false)
	c.log.Info().Bool("force", force).Msg("disconnected")
	return nil
}

// Send publishes ev fire-and-forget. While Connected it goes straight to the
// transport; while activating or reconnecting it queues; while inactive it
// is rejected with ErrNotConnected.
func (c *Client) Send(ctx context.Context, ev *event.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Headers == nil {
		ev.Headers = make(map[string]string)
	}
	injectTraceContext(ctx, ev.Headers)
	return c.deliver(ev)
}

func (c *Client) deliver(ev *event.Event) error {
	c.mu.Lock()
	state := c.state
	conn := c.conn
	c.mu.Unlock()

	switch state {
	case StateConnected:
		return c.sendFrame(conn, frameFromEvent(ev))
	case StateActivating, StateActiveDisconnected:
		return c.outbox.Enqueue(ev)
	default:
		return ErrNotConnected
	}
}

func (c *Client) sendFrame(conn transport.Conn, f wire.Frame) error {
	if err := conn.Send(f); err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	framesSent.WithLabelValues(string(f.Command)).Inc()
	return nil
}

// installLocked wires a freshly handshaken conn in and starts its read loop.
// Caller holds c.mu.
func (c *Client) installLocked(conn transport.Conn, info ConnectedInfo) {
	c.conn = conn
	c.info = info
	c.session = info.SessionID
	c.state = StateConnected
	c.gen++
	c.readDone = make(chan struct{})
	go c.readLoop(conn, c.gen, c.readDone)
}

func (c *Client) dialAndHandshake(ctx context.Context, priorSession string) (transport.Conn, ConnectedInfo, error) {
	conn, err := c.tr.Dial(ctx, c.cfg.dialConfig())
	if err != nil {
		return nil, ConnectedInfo{}, fmt.Errorf("client: dial: %w", err)
	}

	headers := make(map[string]string, len(c.cfg.ConnectHeaders)+2)
	for k, v := range c.cfg.ConnectHeaders {
		headers[k] = v
	}
	if priorSession != "" {
		headers[event.HeaderSession] = priorSession
	}
	if c.cfg.DisableStickySession {
		headers[event.HeaderDisableStickySession] = "true"
	}

	if err := conn.Send(wire.Frame{Command: wire.CmdConnect, Headers: headers}); err != nil {
		conn.Close()
		return nil, ConnectedInfo{}, fmt.Errorf("client: connect frame: %w", err)
	}

	f, err := receiveWithTimeout(ctx, conn, c.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, ConnectedInfo{}, err
	}

	switch f.Command {
	case wire.CmdConnected:
		info, err := parseConnected(f)
		if err != nil {
			conn.Close()
			return nil, ConnectedInfo{}, err
		}
		return conn, info, nil
	case wire.CmdError:
		conn.Close()
		return nil, ConnectedInfo{}, fmt.Errorf("%w: %s", ErrHandshake, f.Headers[wire.HeaderMessage])
	default:
		conn.Close()
		return nil, ConnectedInfo{}, fmt.Errorf("%w: unexpected %s frame", ErrHandshake, f.Command)
	}
}

func receiveWithTimeout(ctx context.Context, conn transport.Conn, timeout time.Duration) (wire.Frame, error) {
	type result struct {
		f   wire.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.Receive()
		ch <- result{f, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return wire.Frame{}, fmt.Errorf("client: handshake receive: %w", r.err)
		}
		return r.f, nil
	case <-timer.C:
		conn.Close()
		return wire.Frame{}, fmt.Errorf("%w: handshake timed out after %s", ErrHandshake, timeout)
	case <-ctx.Done():
		conn.Close()
		return wire.Frame{}, ctx.Err()
	}
}

func parseConnected(f wire.Frame) (ConnectedInfo, error) {
	info := ConnectedInfo{
		SessionID: f.Headers[event.HeaderSession],
		ReplyTo:   f.Headers[event.HeaderReplyTo],
	}
	if info.SessionID == "" || info.ReplyTo == "" {
		return ConnectedInfo{}, fmt.Errorf("%w: CONNECTED frame missing session or reply-to", ErrHandshake)
	}
	if raw := f.Headers[event.HeaderConnectedInfo]; raw != "" {
		var ident transport.ConnectedIdentity
		if err := json.Unmarshal([]byte(raw), &ident); err != nil {
			return ConnectedInfo{}, fmt.Errorf("%w: malformed connected-info: %v", ErrHandshake, err)
		}
		info.Identity = ident.Identity
		info.Roles = ident.Roles
	}
	return info, nil
}

// readLoop is the sole reader and dispatcher for one conn. gen ties it to
// the install that started it; a stale loop exits without side effects.
func (c *Client) readLoop(conn transport.Conn, gen int, done chan struct{}) {
	defer close(done)
	for {
		f, err := conn.Receive()
		if err != nil {
			c.connLost(gen, err)
			return
		}
		framesReceived.WithLabelValues(string(f.Command)).Inc()

		switch f.Command {
		case wire.CmdMessage:
			c.dispatch(f)
		case wire.CmdError:
			msg := f.Headers[wire.HeaderMessage]
			c.log.Error().Str("message", msg).Msg("fatal frame from broker")
			c.terminate(gen, fmt.Errorf("%w: broker error: %s", ErrConnectionLost, msg), true)
			return
		default:
			c.log.Debug().Str("command", string(f.Command)).Msg("ignoring unexpected frame")
		}
	}
}

// connLost moves a Connected connection to ActiveDisconnected and starts
// bounded reconnection. Stale generations and deliberate shutdowns no-op.
func (c *Client) connLost(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateActiveDisconnected
	c.conn = nil
	session := c.session
	c.mu.Unlock()

	c.log.Warn().Err(cause).Msg("connection lost, reconnecting")
	go c.reconnectLoop(gen, session)
}

func (c *Client) reconnectLoop(gen int, session string) {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		if err := c.sleepBackoff(context.Background(), attempt); err != nil {
			return
		}
		c.mu.Lock()
		if gen != c.gen || c.state != StateActiveDisconnected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, info, err := c.dialAndHandshake(context.Background(), session)
		if err != nil {
			if errors.Is(err, ErrHandshake) {
				c.terminate(gen, err, true)
				return
			}
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if gen != c.gen || c.state != StateActiveDisconnected {
			c.mu.Unlock()
			conn.Close()
			return
		}
		resumed := session != "" && info.SessionID == session
		c.installLocked(conn, info)
		c.mu.Unlock()

		if !resumed {
			// A fresh session means a fresh reply address; replies to the
			// old one can never reach us.
			c.failAllConversations(fmt.Errorf("%w: session not resumed", ErrConnectionLost))
		}
		reconnects.Inc()
		c.log.Info().Str("session", info.SessionID).Bool("resumed", resumed).Msg("reconnected")
		c.flushQueued(conn, info.ReplyTo)
		return
	}

	c.terminate(gen, fmt.Errorf("%w: gave up after %d attempts", ErrReconnectExhausted, c.cfg.MaxReconnectAttempts), true)
}

// terminate forces Inactive, fanning cause out to every pending conversation
// and observation. gen < 0 bypasses the staleness check. report additionally
// surfaces cause on FatalErrors.
func (c *Client) terminate(gen int, cause error, report bool) {
	c.mu.Lock()
	if gen >= 0 && gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.state == StateInactive {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.info = ConnectedInfo{}
	c.state = StateInactive
	c.gen++
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.outbox.Clear()
	c.failAllConversations(cause)
	c.failAllObservations(cause)
	if report {
		select {
		case c.fatalCh <- cause:
		default:
		}
	}
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	c.rngMu.Lock()
	delay := nextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
	c.rngMu.Unlock()
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushQueued replays the outbox onto conn in order. Request frames are
// restamped with the current reply address; request frames whose
// conversation has since gone away are dropped.
func (c *Client) flushQueued(conn transport.Conn, replyTo string) {
	c.flushQueuedCtx(context.Background(), conn, replyTo)
}

func (c *Client) flushQueuedCtx(ctx context.Context, conn transport.Conn, replyTo string) {
	items := c.outbox.Drain()
	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		ev := it.ev
		if id := ev.CorrelationID(); id != "" {
			if _, isRequest := ev.Header(event.HeaderReplyTo); isRequest {
				c.convMu.Lock()
				_, live := c.convs[id]
				c.convMu.Unlock()
				if !live {
					framesDropped.Inc()
					continue
				}
				ev.SetHeader(event.HeaderReplyTo, replyTo)
			}
		}
		if err := c.sendFrame(conn, frameFromEvent(ev)); err != nil {
			c.log.Warn().Err(err).Msg("flush send failed")
			return
		}
	}
	if n := len(items); n > 0 {
		c.log.Debug().Int("frames", n).Msg("flushed queued sends")
	}
}

func frameFromEvent(ev *event.Event) wire.Frame {
	h := make(map[string]string, len(ev.Headers)+1)
	for k, v := range ev.Headers {
		h[k] = v
	}
	h[wire.HeaderDestination] = ev.Destination
	return wire.Frame{Command: wire.CmdSend, Headers: h, Body: ev.Payload}
}

func eventFromFrame(f wire.Frame) *event.Event {
	ev := &event.Event{
		Destination: f.Headers[wire.HeaderDestination],
		Headers:     make(map[string]string, len(f.Headers)),
		Payload:     f.Body,
	}
	for k, v := range f.Headers {
		if k == wire.HeaderDestination {
			continue
		}
		ev.Headers[k] = v
	}
	return ev
}
