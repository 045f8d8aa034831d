package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/corewire/buskit/cri"
	"github.com/corewire/buskit/event"
	"github.com/corewire/buskit/wire"
)

// Request sends ev and waits for the single correlated reply. The reply is
// claimed atomically; a duplicate or late frame for the same correlation id
// is dropped. ctx expiry cancels the conversation the same way Stream.Cancel
// does, control frame included.
func (c *Client) Request(ctx context.Context, ev *event.Event) (*event.Event, error) {
	conv, err := c.register(ctx, ev, kindSingle)
	if err != nil {
		return nil, err
	}
	if err := c.deliver(ev); err != nil {
		c.deregister(conv.id)
		conv.finish(err)
		return nil, err
	}

	select {
	case reply := <-conv.ch:
		return reply, nil
	case <-conv.done:
		// A reply that won the claim race still counts.
		select {
		case reply := <-conv.ch:
			return reply, nil
		default:
		}
		return nil, conv.terminalErr()
	case <-ctx.Done():
		c.cancelConversation(conv)
		return nil, ctx.Err()
	}
}

// RequestStream sends ev and returns a Stream of correlated elements. The
// stream ends with io.EOF on a control=complete frame and with an error on a
// remote error, protocol violation, cancellation, or connection loss.
func (c *Client) RequestStream(ctx context.Context, ev *event.Event) (*Stream, error) {
	conv, err := c.register(ctx, ev, kindStream)
	if err != nil {
		return nil, err
	}
	if err := c.deliver(ev); err != nil {
		c.deregister(conv.id)
		conv.finish(err)
		return nil, err
	}
	return &Stream{cl: c, conv: conv}, nil
}

// Observe subscribes to inbound events addressed at destination. The
// destination must be a well-formed resource identifier; it is stored in
// normalized form so matching is canonical. Multiple observations of the
// same destination each receive every matching event.
func (c *Client) Observe(ctx context.Context, destination string) (*Observation, error) {
	rid, err := cri.Parse(destination)
	if err != nil {
		return nil, err
	}
	if !c.IsActive() {
		return nil, ErrNotConnected
	}

	o := &Observation{
		cl:   c,
		dest: rid.String(),
		ch:   make(chan *event.Event, c.cfg.StreamBuffer),
		done: make(chan struct{}),
	}
	c.convMu.Lock()
	c.observers[o.dest] = append(c.observers[o.dest], o)
	c.convMu.Unlock()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				o.Cancel()
			case <-o.done:
			}
		}()
	}
	return o, nil
}

// register validates ev, stamps it with a fresh correlation id and the
// current reply address, and registers the conversation. The reply address
// may still be unknown while activating; the flush path restamps it.
func (c *Client) register(ctx context.Context, ev *event.Event, kind conversationKind) (*conversation, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	state := c.state
	replyTo := c.info.ReplyTo
	c.mu.Unlock()
	switch state {
	case StateConnected, StateActivating, StateActiveDisconnected:
	default:
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	ev.SetHeader(event.HeaderCorrelationID, id)
	ev.SetHeader(event.HeaderReplyTo, replyTo)
	injectTraceContext(ctx, ev.Headers)

	conv := newConversation(id, kind, ev.Destination, c.cfg.StreamBuffer)
	c.convMu.Lock()
	c.convs[id] = conv
	c.convMu.Unlock()
	conversationsLive.Inc()
	return conv, nil
}

// deregister removes a conversation from the routing table. Reports whether
// it was still registered.
func (c *Client) deregister(id string) bool {
	c.convMu.Lock()
	_, ok := c.convs[id]
	if ok {
		delete(c.convs, id)
	}
	c.convMu.Unlock()
	if ok {
		conversationsLive.Dec()
	}
	return ok
}

// cancelConversation removes local state immediately, resolves waiters with
// ErrCanceled, and best-effort tells the peer to stop producing.
func (c *Client) cancelConversation(conv *conversation) {
	removed := c.deregister(conv.id)
	conv.finish(ErrCanceled)
	if removed {
		_ = c.sendControl(conv, event.ControlCancel)
	}
}

// sendControl emits a control frame for conv at its original target. Control
// frames carry no reply address and survive the flush filter, so a cancel
// queued during a reconnect still reaches the peer.
func (c *Client) sendControl(conv *conversation, value string) error {
	ev := event.New(conv.target).
		SetHeader(event.HeaderCorrelationID, conv.id).
		SetHeader(event.HeaderControl, value)
	return c.deliver(ev)
}

// dispatch routes one inbound MESSAGE frame. Frames addressed at the shared
// reply address demultiplex by correlation id; everything else fans out to
// observations. Unmatched frames are dropped, counted, and logged at debug.
func (c *Client) dispatch(f wire.Frame) {
	ev := eventFromFrame(f)

	c.mu.Lock()
	replyTo := c.info.ReplyTo
	c.mu.Unlock()

	if replyTo != "" && ev.Destination == replyTo {
		c.dispatchReply(ev)
		return
	}
	c.dispatchObservation(ev)
}

func (c *Client) dispatchReply(ev *event.Event) {
	id := ev.CorrelationID()
	if id == "" {
		framesDropped.Inc()
		c.log.Debug().Str("destination", ev.Destination).Msg("reply frame without correlation id")
		return
	}

	c.convMu.Lock()
	conv, ok := c.convs[id]
	c.convMu.Unlock()
	if !ok {
		framesDropped.Inc()
		c.log.Debug().Str("correlation_id", id).Msg("frame for unknown conversation")
		return
	}

	if msg, isErr := ev.Error(); isErr {
		c.deregister(id)
		conv.finish(fmt.Errorf("%w: %s", ErrRemote, msg))
		return
	}

	if ctrl, isCtrl := ev.Control(); isCtrl {
		switch {
		case ctrl == event.ControlComplete && conv.kind == kindStream:
			c.deregister(id)
			conv.finish(nil)
		case ctrl == event.ControlComplete:
			// Completion of a single-response conversation carries no
			// value; keep waiting for the reply frame.
		default:
			c.deregister(id)
			conv.finish(fmt.Errorf("%w: unsupported control %q", ErrProtocolViolation, ctrl))
		}
		return
	}

	if conv.kind == kindSingle {
		// Claim before delivery so exactly one frame resolves the
		// conversation; ch has capacity one, so this never blocks. done is
		// left alone: for single-response conversations it only ever closes
		// with an error.
		if !c.deregister(id) {
			framesDropped.Inc()
			return
		}
		conv.ch <- ev
		return
	}

	// Blocks when the conversation buffer is full; see Config.StreamBuffer.
	select {
	case conv.ch <- ev:
	case <-conv.done:
		framesDropped.Inc()
	}
}

func (c *Client) dispatchObservation(ev *event.Event) {
	c.convMu.Lock()
	targets := make([]*Observation, len(c.observers[ev.Destination]))
	copy(targets, c.observers[ev.Destination])
	c.convMu.Unlock()

	if len(targets) == 0 {
		framesDropped.Inc()
		c.log.Debug().Str("destination", ev.Destination).Msg("no observation for destination")
		return
	}
	for _, o := range targets {
		select {
		case o.ch <- ev.Clone():
		case <-o.done:
		}
	}
}

func (c *Client) deregisterObservation(o *Observation) {
	c.convMu.Lock()
	defer c.convMu.Unlock()
	list := c.observers[o.dest]
	for i, cand := range list {
		if cand == o {
			c.observers[o.dest] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.observers[o.dest]) == 0 {
		delete(c.observers, o.dest)
	}
}

// failAllConversations resolves every registered conversation with cause and
// empties the table. Used on fatal transitions and non-resumed reconnects.
func (c *Client) failAllConversations(cause error) {
	c.convMu.Lock()
	convs := c.convs
	c.convs = make(map[string]*conversation)
	c.convMu.Unlock()

	for _, conv := range convs {
		conv.finish(cause)
		conversationsLive.Dec()
	}
}

func (c *Client) failAllObservations(cause error) {
	c.convMu.Lock()
	observers := c.observers
	c.observers = make(map[string][]*Observation)
	c.convMu.Unlock()

	for _, list := range observers {
		for _, o := range list {
			o.finish(cause)
		}
	}
}
