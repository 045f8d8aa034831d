// Package proxy is a thin call-site adapter over the bus client: it turns a
// method name plus arguments into a JSON invocation event and decodes the
// correlated reply. It holds no state beyond the target address.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/corewire/buskit/client"
	"github.com/corewire/buskit/cri"
	"github.com/corewire/buskit/event"
)

// ErrBadReply means a reply payload could not be decoded into the declared
// result type.
var ErrBadReply = errors.New("proxy: malformed reply payload")

const contentTypeJSON = "application/json"

// Bus is the slice of the client the proxy needs.
type Bus interface {
	Request(ctx context.Context, ev *event.Event) (*event.Event, error)
	RequestStream(ctx context.Context, ev *event.Event) (*client.Stream, error)
}

// invocation is the serialized call envelope.
type invocation struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

// ServiceProxy invokes methods on one remote service address.
type ServiceProxy struct {
	bus    Bus
	target string
}

// New validates target and returns a proxy bound to its normalized form.
func New(bus Bus, target string) (*ServiceProxy, error) {
	rid, err := cri.Parse(target)
	if err != nil {
		return nil, err
	}
	return &ServiceProxy{bus: bus, target: rid.String()}, nil
}

// Target returns the normalized service address.
func (p *ServiceProxy) Target() string {
	return p.target
}

// Invoke calls method with args and decodes the single reply payload into
// result. A nil result discards the payload. Remote failures surface as the
// client's remote error.
func (p *ServiceProxy) Invoke(ctx context.Context, method string, args []any, result any) error {
	ev, err := p.invocationEvent(method, args)
	if err != nil {
		return err
	}
	reply, err := p.bus.Request(ctx, ev)
	if err != nil {
		return err
	}
	if result == nil || len(reply.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Payload, result); err != nil {
		return fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	return nil
}

// InvokeStream calls a streaming-return method and exposes each inbound
// element as a decoded sequence item.
func (p *ServiceProxy) InvokeStream(ctx context.Context, method string, args []any) (*Stream, error) {
	ev, err := p.invocationEvent(method, args)
	if err != nil {
		return nil, err
	}
	st, err := p.bus.RequestStream(ctx, ev)
	if err != nil {
		return nil, err
	}
	return &Stream{inner: st}, nil
}

func (p *ServiceProxy) invocationEvent(method string, args []any) (*event.Event, error) {
	payload, err := json.Marshal(invocation{Method: method, Args: args})
	if err != nil {
		return nil, fmt.Errorf("proxy: encode invocation: %w", err)
	}
	return event.New(p.target).SetPayload(contentTypeJSON, payload), nil
}

// Stream decodes the elements of one streaming invocation.
type Stream struct {
	inner *client.Stream
}

// Next decodes the next element into result. It returns io.EOF when the
// stream completes cleanly. A nil result discards the element payload.
func (s *Stream) Next(ctx context.Context, result any) error {
	ev, err := s.inner.Next(ctx)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(ev.Payload, result); err != nil {
		return fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	return nil
}

// Cancel stops the stream; see the client stream semantics.
func (s *Stream) Cancel() { s.inner.Cancel() }

// Suspend asks the producer to pause.
func (s *Stream) Suspend() error { return s.inner.Suspend() }

// Resume asks the producer to continue.
func (s *Stream) Resume() error { return s.inner.Resume() }
