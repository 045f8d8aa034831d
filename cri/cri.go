// Package cri implements the resource identifiers used to address bus
// destinations.
//
// A resource identifier has the form
//
//	scheme://[scope@]name[/path...][#version]
//
// Scheme and name are mandatory. Scope isolates a tenant or device, path
// segments select a sub-resource, and version pins a contract revision.
// Routing equality is exact string equality of the normalized form; no
// wildcard or prefix matching exists at this layer.
package cri

import (
	"errors"
	"fmt"
	"strings"
)

// Reserved schemes. Consumers may route additional schemes; these two are
// understood by every broker.
const (
	SchemeService = "svc"
	SchemeStream  = "stream"
)

var ErrMalformedAddress = errors.New("cri: malformed resource identifier")

// ResourceIdentifier is one parsed bus address.
type ResourceIdentifier struct {
	Scheme  string
	Scope   string
	Name    string
	Path    []string
	Version string
}

// Parse parses raw into a ResourceIdentifier. The scheme and name parts are
// mandatory; everything else is optional.
func Parse(raw string) (ResourceIdentifier, error) {
	rest, version, hasVersion := strings.Cut(raw, "#")
	if hasVersion && version == "" {
		return ResourceIdentifier{}, fmt.Errorf("%w: empty version: %q", ErrMalformedAddress, raw)
	}

	scheme, rest, ok := strings.Cut(rest, "://")
	if !ok || scheme == "" {
		return ResourceIdentifier{}, fmt.Errorf("%w: missing scheme: %q", ErrMalformedAddress, raw)
	}

	// The scope delimiter only counts before the first path separator; an
	// '@' inside a path segment is ordinary data.
	head := rest
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		head = rest[:slash]
	}
	var scope string
	if at := strings.IndexByte(head, '@'); at >= 0 {
		scope, rest = rest[:at], rest[at+1:]
		if scope == "" {
			return ResourceIdentifier{}, fmt.Errorf("%w: empty scope: %q", ErrMalformedAddress, raw)
		}
	}

	name, pathPart, hasPath := strings.Cut(rest, "/")
	if name == "" {
		return ResourceIdentifier{}, fmt.Errorf("%w: missing name: %q", ErrMalformedAddress, raw)
	}

	var path []string
	if hasPath {
		path = strings.Split(pathPart, "/")
		for _, seg := range path {
			if seg == "" {
				return ResourceIdentifier{}, fmt.Errorf("%w: empty path segment: %q", ErrMalformedAddress, raw)
			}
		}
	}

	return ResourceIdentifier{
		Scheme:  scheme,
		Scope:   scope,
		Name:    name,
		Path:    path,
		Version: version,
	}, nil
}

// MustParse is Parse for identifiers known to be well formed, typically
// package-level constants. It panics on error.
func MustParse(raw string) ResourceIdentifier {
	r, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return r
}

func (r ResourceIdentifier) Validate() error {
	if r.Scheme == "" {
		return fmt.Errorf("%w: missing scheme", ErrMalformedAddress)
	}
	if strings.ContainsAny(r.Scope, "/@") {
		return fmt.Errorf("%w: scope contains a delimiter: %q", ErrMalformedAddress, r.Scope)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: missing name", ErrMalformedAddress)
	}
	for _, seg := range r.Path {
		if seg == "" {
			return fmt.Errorf("%w: empty path segment", ErrMalformedAddress)
		}
	}
	return nil
}

// String renders the normalized form used for routing. Parse(r.String()) is
// the identity for any identifier that passes Validate.
func (r ResourceIdentifier) String() string {
	var b strings.Builder
	b.WriteString(r.Scheme)
	b.WriteString("://")
	if r.Scope != "" {
		b.WriteString(r.Scope)
		b.WriteByte('@')
	}
	b.WriteString(r.Name)
	for _, seg := range r.Path {
		b.WriteByte('/')
		b.WriteString(seg)
	}
	if r.Version != "" {
		b.WriteByte('#')
		b.WriteString(r.Version)
	}
	return b.String()
}

// Equal reports routing equality: identical normalized string form.
func (r ResourceIdentifier) Equal(other ResourceIdentifier) bool {
	return r.String() == other.String()
}
