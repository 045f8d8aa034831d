// Package transport defines the duplex frame connection the client runs on,
// plus the two provided implementations: a websocket transport for real
// brokers and an in-process broker for tests.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/corewire/buskit/wire"
)

var (
	ErrClosed              = errors.New("transport: connection closed")
	ErrTLSCAFileUnreadable = errors.New("transport: cannot read tls ca bundle")
)

// DialConfig addresses one broker endpoint.
type DialConfig struct {
	Host string
	Port int
	Path string
	TLS  TLSConfig
}

func (d DialConfig) Address() string {
	return net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port))
}

// TLSConfig mirrors the client-side transport security knobs.
type TLSConfig struct {
	Enabled            bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
	Mutual             bool
	InsecureSkipVerify bool
}

// ClientConfig builds the tls.Config for dialing cfg's endpoint.
func (t TLSConfig) ClientConfig(host string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(t.ServerName)
	if serverName == "" {
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(t.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrTLSCAFileUnreadable, caPath, err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("%w: %s", ErrTLSCAFileUnreadable, caPath)
		}
		cfg.RootCAs = pool
	}

	if t.Mutual {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Transport dials broker connections.
type Transport interface {
	Dial(ctx context.Context, cfg DialConfig) (Conn, error)
}

// Conn is one duplex frame connection. Send is safe for concurrent use;
// Receive must be called from a single goroutine. Receive returns ErrClosed
// (or the underlying transport error) once the connection is gone.
type Conn interface {
	Send(f wire.Frame) error
	Receive() (wire.Frame, error)
	Close() error
}
