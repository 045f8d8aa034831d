package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/corewire/buskit/client"
	"github.com/corewire/buskit/cri"
	"github.com/corewire/buskit/event"
	"github.com/corewire/buskit/internal/testutil/testlog"
	"github.com/corewire/buskit/transport"
	"github.com/corewire/buskit/wire"
)

func connectClient(t *testing.T, b *transport.Broker) *client.Client {
	t.Helper()
	cl, err := client.New(client.Config{Transport: b.Transport()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = cl.Disconnect(context.Background(), true) })
	return cl
}

func TestInvoke(t *testing.T) {
	testlog.Start(t)
	b := transport.NewBroker(transport.BrokerConfig{})
	b.Handle("srv://calc", func(f wire.Frame) {
		var call struct {
			Method string    `json:"method"`
			Args   []float64 `json:"args"`
		}
		if err := json.Unmarshal(f.Body, &call); err != nil || call.Method != "sum" {
			t.Errorf("bad invocation: %s (%v)", f.Body, err)
			return
		}
		var total float64
		for _, a := range call.Args {
			total += a
		}
		out, _ := json.Marshal(map[string]float64{"total": total})
		b.Publish(f.Headers[event.HeaderReplyTo], map[string]string{
			event.HeaderCorrelationID: f.Headers[event.HeaderCorrelationID],
		}, out)
	})
	cl := connectClient(t, b)

	p, err := New(cl, "srv://calc")
	if err != nil {
		t.Fatalf("New proxy: %v", err)
	}
	var result struct {
		Total float64 `json:"total"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Invoke(ctx, "sum", []any{1.0, 2.0, 39.0}, &result); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Total != 42 {
		t.Fatalf("total = %v, want 42", result.Total)
	}
}

func TestInvokeRemoteError(t *testing.T) {
	testlog.Start(t)
	b := transport.NewBroker(transport.BrokerConfig{})
	b.Handle("srv://calc", func(f wire.Frame) {
		b.Publish(f.Headers[event.HeaderReplyTo], map[string]string{
			event.HeaderCorrelationID: f.Headers[event.HeaderCorrelationID],
			event.HeaderError:         "no such method",
		}, nil)
	})
	cl := connectClient(t, b)

	p, err := New(cl, "srv://calc")
	if err != nil {
		t.Fatalf("New proxy: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = p.Invoke(ctx, "divide", nil, nil)
	if !errors.Is(err, client.ErrRemote) {
		t.Fatalf("Invoke err = %v, want ErrRemote", err)
	}
}

func TestInvokeStream(t *testing.T) {
	testlog.Start(t)
	b := transport.NewBroker(transport.BrokerConfig{})
	b.Handle("srv://feed", func(f wire.Frame) {
		replyTo := f.Headers[event.HeaderReplyTo]
		id := f.Headers[event.HeaderCorrelationID]
		for i := 1; i <= 3; i++ {
			out, _ := json.Marshal(map[string]int{"seq": i})
			b.Publish(replyTo, map[string]string{event.HeaderCorrelationID: id}, out)
		}
		b.Publish(replyTo, map[string]string{
			event.HeaderCorrelationID: id,
			event.HeaderControl:       event.ControlComplete,
		}, nil)
	})
	cl := connectClient(t, b)

	p, err := New(cl, "srv://feed")
	if err != nil {
		t.Fatalf("New proxy: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := p.InvokeStream(ctx, "tail", []any{"recent"})
	if err != nil {
		t.Fatalf("InvokeStream: %v", err)
	}
	for i := 1; i <= 3; i++ {
		var elem struct {
			Seq int `json:"seq"`
		}
		if err := st.Next(ctx, &elem); err != nil {
			t.Fatalf("Next: %v", err)
		}
		if elem.Seq != i {
			t.Fatalf("seq = %d, want %d", elem.Seq, i)
		}
	}
	if err := st.Next(ctx, nil); err != io.EOF {
		t.Fatalf("Next after complete = %v, want io.EOF", err)
	}
}

func TestNewRejectsMalformedTarget(t *testing.T) {
	testlog.Start(t)
	b := transport.NewBroker(transport.BrokerConfig{})
	cl := connectClient(t, b)
	if _, err := New(cl, "no scheme"); !errors.Is(err, cri.ErrMalformedAddress) {
		t.Fatalf("New err = %v, want ErrMalformedAddress", err)
	}
}

func TestInvokeBadReplyPayload(t *testing.T) {
	testlog.Start(t)
	b := transport.NewBroker(transport.BrokerConfig{})
	b.Handle("srv://calc", func(f wire.Frame) {
		b.Publish(f.Headers[event.HeaderReplyTo], map[string]string{
			event.HeaderCorrelationID: f.Headers[event.HeaderCorrelationID],
		}, []byte("not json"))
	})
	cl := connectClient(t, b)

	p, err := New(cl, "srv://calc")
	if err != nil {
		t.Fatalf("New proxy: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out map[string]any
	if err := p.Invoke(ctx, "sum", nil, &out); !errors.Is(err, ErrBadReply) {
		t.Fatalf("Invoke err = %v, want ErrBadReply", err)
	}
}
