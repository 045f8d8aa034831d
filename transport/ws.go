package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corewire/buskit/wire"
)

// Websocket is the production transport: one text websocket message per
// frame.
type Websocket struct {
	// HandshakeTimeout bounds the websocket upgrade, not the protocol
	// handshake the client performs afterwards.
	HandshakeTimeout time.Duration
	Limits           wire.Limits
}

func NewWebsocket() *Websocket {
	return &Websocket{
		HandshakeTimeout: 10 * time.Second,
		Limits:           wire.DefaultLimits(),
	}
}

func (t *Websocket) Dial(ctx context.Context, cfg DialConfig) (Conn, error) {
	scheme := "ws"
	dialer := websocket.Dialer{
		HandshakeTimeout: t.HandshakeTimeout,
		NetDialContext:   (&net.Dialer{}).DialContext,
	}
	if cfg.TLS.Enabled {
		scheme = "wss"
		tlsCfg, err := cfg.TLS.ClientConfig(cfg.Host)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	path := cfg.Path
	if path == "" {
		path = "/bus"
	}
	u := url.URL{Scheme: scheme, Host: cfg.Address(), Path: path}

	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", u.String(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}

	limits := t.Limits
	if limits == (wire.Limits{}) {
		limits = wire.DefaultLimits()
	}
	return &wsConn{ws: ws, limits: limits}, nil
}

type wsConn struct {
	ws     *websocket.Conn
	limits wire.Limits

	// gorilla permits one concurrent writer; Send serializes.
	writeMu sync.Mutex
	closed  sync.Once
}

func (c *wsConn) Send(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (c *wsConn) Receive() (wire.Frame, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return wire.Frame{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		return wire.Decode(data, c.limits)
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closed.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}
