// Package event defines the unit of data that flows over the bus: a
// destination, a header bag, and an optional opaque payload.
package event

import (
	"errors"
	"fmt"
	"strconv"
)

// Reserved header tokens. These exact, case-sensitive keys carry protocol
// meaning; everything else passes through untouched.
const (
	HeaderContentType          = "content-type"
	HeaderContentLength        = "content-length"
	HeaderReplyTo              = "reply-to"
	HeaderReplyToID            = "reply-to-id"
	HeaderSession              = "session"
	HeaderConnectedInfo        = "connected-info"
	HeaderDisableStickySession = "disable-sticky-session"
	HeaderCorrelationID        = "__correlation-id"
	HeaderError                = "error"
	HeaderComplete             = "complete"
	HeaderControl              = "control"
	HeaderTraceParent          = "traceparent"
	HeaderTraceState           = "tracestate"
)

// Values carried by the control header.
const (
	ControlComplete = "complete"
	ControlCancel   = "cancel"
	ControlSuspend  = "suspend"
	ControlResume   = "resume"
)

var ErrMissingDestination = errors.New("event: missing destination")

// Event is one bus message. It is constructed per send and may be mutated
// freely until dispatched; the engine never mutates an event after handing it
// to the transport.
type Event struct {
	Destination string
	Headers     map[string]string
	Payload     []byte
}

// New returns an event addressed to destination with an empty header bag.
func New(destination string) *Event {
	return &Event{
		Destination: destination,
		Headers:     make(map[string]string),
	}
}

func (e *Event) Validate() error {
	if e.Destination == "" {
		return ErrMissingDestination
	}
	return nil
}

// SetHeader sets a header and returns the event for chaining.
func (e *Event) SetHeader(key, value string) *Event {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
	return e
}

// Header returns the value for key and whether it is present.
func (e *Event) Header(key string) (string, bool) {
	v, ok := e.Headers[key]
	return v, ok
}

// SetPayload attaches the payload and records its length in content-length.
func (e *Event) SetPayload(contentType string, payload []byte) *Event {
	e.Payload = payload
	e.SetHeader(HeaderContentType, contentType)
	e.SetHeader(HeaderContentLength, strconv.Itoa(len(payload)))
	return e
}

// CorrelationID returns the conversation token, if any.
func (e *Event) CorrelationID() string {
	return e.Headers[HeaderCorrelationID]
}

// Control returns the control header value and whether the event is a
// control frame.
func (e *Event) Control() (string, bool) {
	v, ok := e.Headers[HeaderControl]
	return v, ok
}

// Error returns the error header value and whether the event signals a
// remote failure.
func (e *Event) Error() (string, bool) {
	v, ok := e.Headers[HeaderError]
	return v, ok
}

// Clone returns a deep copy. The engine clones queued events so later header
// mutation by the caller cannot race the flush path.
func (e *Event) Clone() *Event {
	out := &Event{
		Destination: e.Destination,
		Headers:     make(map[string]string, len(e.Headers)),
	}
	for k, v := range e.Headers {
		out.Headers[k] = v
	}
	if e.Payload != nil {
		out.Payload = make([]byte, len(e.Payload))
		copy(out.Payload, e.Payload)
	}
	return out
}

func (e *Event) String() string {
	return fmt.Sprintf("event{dest=%s headers=%d payload=%dB}", e.Destination, len(e.Headers), len(e.Payload))
}
