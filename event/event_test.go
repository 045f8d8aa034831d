package event

import (
	"errors"
	"testing"
)

func TestValidateRequiresDestination(t *testing.T) {
	ev := New("svc://billing")
	if err := ev.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	if err := (&Event{}).Validate(); !errors.Is(err, ErrMissingDestination) {
		t.Fatalf("expected ErrMissingDestination, got %v", err)
	}
}

func TestSetPayloadRecordsContentHeaders(t *testing.T) {
	ev := New("svc://billing").SetPayload("application/json", []byte(`{"a":1}`))
	if ct, _ := ev.Header(HeaderContentType); ct != "application/json" {
		t.Fatalf("unexpected content-type: %q", ct)
	}
	if cl, _ := ev.Header(HeaderContentLength); cl != "7" {
		t.Fatalf("unexpected content-length: %q", cl)
	}
}

func TestControlAndErrorAccessors(t *testing.T) {
	ev := New("svc://billing")
	if _, ok := ev.Control(); ok {
		t.Fatalf("unexpected control header")
	}
	ev.SetHeader(HeaderControl, ControlComplete)
	if v, ok := ev.Control(); !ok || v != ControlComplete {
		t.Fatalf("unexpected control: %q ok=%v", v, ok)
	}
	ev.SetHeader(HeaderError, "boom")
	if v, ok := ev.Error(); !ok || v != "boom" {
		t.Fatalf("unexpected error header: %q ok=%v", v, ok)
	}
}

func TestCloneIsDeep(t *testing.T) {
	ev := New("svc://billing").SetPayload("text/plain", []byte("abc"))
	ev.SetHeader(HeaderCorrelationID, "c1")

	cp := ev.Clone()
	cp.SetHeader(HeaderCorrelationID, "c2")
	cp.Payload[0] = 'x'

	if ev.CorrelationID() != "c1" {
		t.Fatalf("clone mutated original headers")
	}
	if string(ev.Payload) != "abc" {
		t.Fatalf("clone mutated original payload")
	}
}
