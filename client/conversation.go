package client

import (
	"context"
	"io"
	"sync"

	"github.com/corewire/buskit/event"
)

type conversationKind int

const (
	kindSingle conversationKind = iota
	kindStream
)

// conversation tracks one correlation id from dispatch to terminal state.
// Elements flow on ch; done closes exactly once with the terminal error (nil
// for graceful completion) stored first. Only the dispatch loop sends on ch,
// so ch is never closed.
type conversation struct {
	id     string
	kind   conversationKind
	target string

	ch   chan *event.Event
	done chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func newConversation(id string, kind conversationKind, target string, buffer int) *conversation {
	if kind == kindSingle {
		buffer = 1
	}
	return &conversation{
		id:     id,
		kind:   kind,
		target: target,
		ch:     make(chan *event.Event, buffer),
		done:   make(chan struct{}),
	}
}

// finish records the terminal error and releases waiters. Idempotent; the
// first caller wins.
func (c *conversation) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *conversation) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stream is one request-stream conversation. Elements arrive in bus order
// for this conversation; no ordering holds across conversations.
type Stream struct {
	cl   *Client
	conv *conversation
}

// CorrelationID returns the token binding this stream to its replies.
func (s *Stream) CorrelationID() string {
	return s.conv.id
}

// Next returns the next element. It returns io.EOF after a graceful
// completion and the terminal error after a failure or cancellation.
// Elements buffered before completion are drained first.
func (s *Stream) Next(ctx context.Context) (*event.Event, error) {
	select {
	case ev := <-s.conv.ch:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.conv.ch:
		return ev, nil
	case <-s.conv.done:
		select {
		case ev := <-s.conv.ch:
			return ev, nil
		default:
		}
		if err := s.conv.terminalErr(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the terminal error once the stream is finished; nil while live
// or after a graceful completion.
func (s *Stream) Err() error {
	select {
	case <-s.conv.done:
		return s.conv.terminalErr()
	default:
		return nil
	}
}

// Cancel removes the stream's local state immediately and best-effort
// notifies the remote peer with a control=cancel frame. Frames arriving for
// this correlation id afterwards are dropped.
func (s *Stream) Cancel() {
	s.cl.cancelConversation(s.conv)
}

// Suspend emits the reserved control=suspend marker for this conversation.
// No pacing behavior is attached locally.
func (s *Stream) Suspend() error {
	return s.cl.sendControl(s.conv, event.ControlSuspend)
}

// Resume emits the reserved control=resume marker for this conversation.
func (s *Stream) Resume() error {
	return s.cl.sendControl(s.conv, event.ControlResume)
}

// Observation is one per-destination inbound subscription.
type Observation struct {
	cl   *Client
	dest string

	ch   chan *event.Event
	done chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (o *Observation) finish(err error) {
	o.once.Do(func() {
		o.mu.Lock()
		o.err = err
		o.mu.Unlock()
		close(o.done)
	})
}

// Destination returns the observed address.
func (o *Observation) Destination() string {
	return o.dest
}

// Next returns the next matching inbound event. It returns io.EOF after
// Cancel and the connection error after the connection goes inactive.
func (o *Observation) Next(ctx context.Context) (*event.Event, error) {
	select {
	case ev := <-o.ch:
		return ev, nil
	default:
	}
	select {
	case ev := <-o.ch:
		return ev, nil
	case <-o.done:
		select {
		case ev := <-o.ch:
			return ev, nil
		default:
		}
		o.mu.Lock()
		err := o.err
		o.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel ends the observation; pending Next calls return io.EOF.
func (o *Observation) Cancel() {
	o.cl.deregisterObservation(o)
	o.finish(nil)
}
