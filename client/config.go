package client

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/corewire/buskit/transport"
)

// BackoffConfig shapes the reconnection delay curve.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config configures one bus connection. The zero value plus a Host (or a
// custom Transport) is usable after WithDefaults.
type Config struct {
	Host string
	Port int
	Path string
	TLS  transport.TLSConfig

	// ConnectHeaders carry credentials and any other handshake headers.
	ConnectHeaders map[string]string
	// DisableStickySession asks a load-balanced broker tier not to pin
	// this session.
	DisableStickySession bool

	// MaxReconnectAttempts bounds reconnection from the
	// active-disconnected state. Initial Connect dial failures share the
	// same bound.
	MaxReconnectAttempts int
	Backoff              BackoffConfig
	HandshakeTimeout     time.Duration

	// SendQueueLimit bounds frames queued while reconnecting.
	SendQueueLimit int
	// StreamBuffer is the per-conversation inbound element buffer. Inbound
	// dispatch is one shared loop: a consumer that stops draining a full
	// buffer blocks it, and with it every other conversation on the
	// connection, until that consumer calls Next or cancels.
	StreamBuffer int

	// Transport overrides the websocket transport; used by tests.
	Transport transport.Transport
	// Logger overrides the package-global logger.
	Logger *zerolog.Logger
}

func (c Config) WithDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = 250 * time.Millisecond
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = 2.0
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SendQueueLimit <= 0 {
		c.SendQueueLimit = 256
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 64
	}
	return c
}

func (c Config) dialConfig() transport.DialConfig {
	return transport.DialConfig{
		Host: c.Host,
		Port: c.Port,
		Path: c.Path,
		TLS:  c.TLS,
	}
}
