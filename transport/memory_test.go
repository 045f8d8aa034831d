package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corewire/buskit/internal/testutil/testlog"
	"github.com/corewire/buskit/wire"
)

func dialAndConnect(t *testing.T, b *Broker, headers map[string]string) (Conn, wire.Frame) {
	t.Helper()
	conn, err := b.Transport().Dial(context.Background(), DialConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.Send(wire.Frame{Command: wire.CmdConnect, Headers: headers}); err != nil {
		t.Fatalf("send CONNECT: %v", err)
	}
	f, err := conn.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return conn, f
}

func TestBrokerHandshakeIssuesSession(t *testing.T) {
	testlog.Start(t)
	b := NewBroker(BrokerConfig{})

	_, f := dialAndConnect(t, b, map[string]string{"login": "alice"})
	if f.Command != wire.CmdConnected {
		t.Fatalf("command = %s, want CONNECTED", f.Command)
	}
	if f.Headers["session"] == "" || f.Headers["reply-to"] == "" {
		t.Fatalf("incomplete CONNECTED headers: %v", f.Headers)
	}
	if b.SessionCount() != 1 {
		t.Fatalf("session count = %d, want 1", b.SessionCount())
	}
}

func TestBrokerRejectsBadCredentials(t *testing.T) {
	testlog.Start(t)
	b := NewBroker(BrokerConfig{Credentials: StaticToken{Token: "secret"}})

	_, f := dialAndConnect(t, b, map[string]string{"passcode": "wrong"})
	if f.Command != wire.CmdError {
		t.Fatalf("command = %s, want ERROR", f.Command)
	}
	if b.SessionCount() != 0 {
		t.Fatalf("session count = %d, want 0", b.SessionCount())
	}
}

func TestBrokerSessionResumeWithinTTL(t *testing.T) {
	testlog.Start(t)
	b := NewBroker(BrokerConfig{SessionTTL: time.Minute})

	_, f := dialAndConnect(t, b, nil)
	session := f.Headers["session"]
	replyTo := f.Headers["reply-to"]

	b.DropConnections()

	_, f2 := dialAndConnect(t, b, map[string]string{"session": session})
	if f2.Headers["session"] != session || f2.Headers["reply-to"] != replyTo {
		t.Fatalf("resume gave a different session: %v", f2.Headers)
	}
	if b.SessionCount() != 1 {
		t.Fatalf("session count = %d, want 1", b.SessionCount())
	}
}

func TestBrokerNoResumeWithoutTTL(t *testing.T) {
	testlog.Start(t)
	b := NewBroker(BrokerConfig{})

	_, f := dialAndConnect(t, b, nil)
	session := f.Headers["session"]

	b.DropConnections()

	_, f2 := dialAndConnect(t, b, map[string]string{"session": session})
	if f2.Headers["session"] == session {
		t.Fatal("session resumed despite a zero TTL")
	}
}

func TestBrokerRoutesSendToHandler(t *testing.T) {
	testlog.Start(t)
	b := NewBroker(BrokerConfig{})

	got := make(chan wire.Frame, 1)
	b.Handle("cmd://ping", func(f wire.Frame) { got <- f })

	conn, _ := dialAndConnect(t, b, nil)
	if err := conn.Send(wire.Frame{
		Command: wire.CmdSend,
		Headers: map[string]string{wire.HeaderDestination: "cmd://ping"},
		Body:    []byte("hi"),
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-got:
		if string(f.Body) != "hi" {
			t.Fatalf("body = %q", f.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never saw the frame")
	}
}

func TestBrokerPublishReplyAddressTargetsOneConn(t *testing.T) {
	testlog.Start(t)
	b := NewBroker(BrokerConfig{})

	conn1, f1 := dialAndConnect(t, b, nil)
	conn2, _ := dialAndConnect(t, b, nil)

	b.Publish(f1.Headers["reply-to"], map[string]string{"k": "v"}, []byte("private"))

	f, err := conn1.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if f.Command != wire.CmdMessage || string(f.Body) != "private" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	// The other connection must stay quiet.
	done := make(chan struct{})
	go func() {
		_, _ = conn2.Receive()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("reply leaked to another connection")
	case <-time.After(50 * time.Millisecond):
	}
	conn2.Close()
}

func TestBrokerRejectsDialsWhenNotAccepting(t *testing.T) {
	testlog.Start(t)
	b := NewBroker(BrokerConfig{})
	b.SetAccepting(false)
	if _, err := b.Transport().Dial(context.Background(), DialConfig{}); !errors.Is(err, ErrBrokerDown) {
		t.Fatalf("Dial err = %v, want ErrBrokerDown", err)
	}
}

func TestStaticTokenValidator(t *testing.T) {
	testlog.Start(t)
	v := StaticToken{Token: "secret"}
	if err := v.Validate(map[string]string{"passcode": "secret"}); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := v.Validate(map[string]string{"passcode": "nope"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bad token err = %v, want ErrUnauthorized", err)
	}
	if err := (StaticToken{}).Validate(nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token err = %v, want ErrUnauthorized", err)
	}
}
