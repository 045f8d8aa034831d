package cri

import (
	"errors"
	"testing"
)

func TestParseFullForm(t *testing.T) {
	got, err := Parse("svc://tenant-7@billing/invoices/2024#v2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Scheme != "svc" || got.Scope != "tenant-7" || got.Name != "billing" {
		t.Fatalf("unexpected identifier: %+v", got)
	}
	if len(got.Path) != 2 || got.Path[0] != "invoices" || got.Path[1] != "2024" {
		t.Fatalf("unexpected path: %v", got.Path)
	}
	if got.Version != "v2" {
		t.Fatalf("unexpected version: %q", got.Version)
	}
}

func TestParseMinimalForm(t *testing.T) {
	got, err := Parse("stream://events")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Scheme != "stream" || got.Name != "events" {
		t.Fatalf("unexpected identifier: %+v", got)
	}
	if got.Scope != "" || len(got.Path) != 0 || got.Version != "" {
		t.Fatalf("optional parts should be empty: %+v", got)
	}
}

func TestParseScopeEndsAtFirstSlash(t *testing.T) {
	got, err := Parse("svc://mail/user@example.com")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Scope != "" || got.Name != "mail" {
		t.Fatalf("an @ in a path segment must not become a scope: %+v", got)
	}
	if len(got.Path) != 1 || got.Path[0] != "user@example.com" {
		t.Fatalf("unexpected path: %v", got.Path)
	}

	got, err = Parse("svc://tenant-7@mail/user@example.com")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Scope != "tenant-7" || got.Name != "mail" {
		t.Fatalf("scope before the first slash must still apply: %+v", got)
	}
	if len(got.Path) != 1 || got.Path[0] != "user@example.com" {
		t.Fatalf("unexpected path: %v", got.Path)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"billing",
		"://billing",
		"svc://",
		"svc://@billing",
		"svc://scope@",
		"svc://billing//invoices",
		"svc://billing/",
		"svc://billing#",
	}
	for _, raw := range cases {
		if _, err := Parse(raw); !errors.Is(err, ErrMalformedAddress) {
			t.Fatalf("Parse(%q): expected ErrMalformedAddress, got %v", raw, err)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	cases := []string{
		"svc://billing",
		"svc://tenant-7@billing",
		"svc://billing/invoices",
		"svc://billing#v1",
		"svc://tenant-7@billing/invoices/2024#v2",
		"stream://device-3@telemetry/cpu",
		"svc://mail/user@example.com",
		"svc://tenant-7@mail/user@example.com",
		"custom://thing",
	}
	for _, raw := range cases {
		id, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", raw, err)
		}
		if id.String() != raw {
			t.Fatalf("round trip: %q -> %q", raw, id.String())
		}
		again, err := Parse(id.String())
		if err != nil {
			t.Fatalf("reparse %q: %v", id.String(), err)
		}
		if !id.Equal(again) {
			t.Fatalf("identifiers differ after round trip: %+v vs %+v", id, again)
		}
	}
}

func TestStructuredFormSurvivesReparse(t *testing.T) {
	id := ResourceIdentifier{Scheme: "svc", Name: "mail", Path: []string{"user@example.com"}}
	again, err := Parse(id.String())
	if err != nil {
		t.Fatalf("reparse %q: %v", id.String(), err)
	}
	if again.Scheme != id.Scheme || again.Scope != id.Scope || again.Name != id.Name || again.Version != id.Version {
		t.Fatalf("fields reshuffled after reparse: %+v vs %+v", id, again)
	}
	if len(again.Path) != 1 || again.Path[0] != "user@example.com" {
		t.Fatalf("path reshuffled after reparse: %v", again.Path)
	}
}

func TestEqualIsExactStringEquality(t *testing.T) {
	a := MustParse("svc://billing/invoices")
	b := MustParse("svc://billing/invoices")
	c := MustParse("svc://billing/Invoices")
	if !a.Equal(b) {
		t.Fatalf("identical identifiers should be equal")
	}
	if a.Equal(c) {
		t.Fatalf("case-differing identifiers must not be equal")
	}
}

func TestValidate(t *testing.T) {
	ok := ResourceIdentifier{Scheme: "svc", Name: "billing"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid identifier rejected: %v", err)
	}
	bad := ResourceIdentifier{Scheme: "svc"}
	if err := bad.Validate(); !errors.Is(err, ErrMalformedAddress) {
		t.Fatalf("expected ErrMalformedAddress, got %v", err)
	}
	badSeg := ResourceIdentifier{Scheme: "svc", Name: "billing", Path: []string{"a", ""}}
	if err := badSeg.Validate(); !errors.Is(err, ErrMalformedAddress) {
		t.Fatalf("expected ErrMalformedAddress, got %v", err)
	}
	for _, scope := range []string{"a/b", "a@b"} {
		badScope := ResourceIdentifier{Scheme: "svc", Scope: scope, Name: "billing"}
		if err := badScope.Validate(); !errors.Is(err, ErrMalformedAddress) {
			t.Fatalf("scope %q: expected ErrMalformedAddress, got %v", scope, err)
		}
	}
}
