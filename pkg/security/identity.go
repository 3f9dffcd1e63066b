// Package security turns the verified TLS certificate chain of a request
// into a structured caller identity. Grid clients usually present an
// RFC 3820 proxy certificate in front of their end-entity certificate, so
// extraction walks the chain past proxy links before reading the subject.
package security

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedChain reports a chain that could not be parsed into an
// identity. It maps to 401, never to 403: the peer was not authenticated,
// rather than authenticated and denied.
var ErrMalformedChain = errors.New("malformed certificate chain")

var oidProxyCertInfo = "1.3.6.1.5.5.7.1.14"

// Identity is the resolved caller identity. It is built once per request
// and never mutated afterwards.
type Identity struct {
	DN         string         `json:"DN"`
	Username   string         `json:"username,omitempty"`
	Group      string         `json:"group,omitempty"`
	Properties []string       `json:"properties,omitempty"`
	Extra      map[string]any `json:"extraCredentials,omitempty"`
}

// Authenticated reports whether the identity carries a transport-verified
// subject.
func (id *Identity) Authenticated() bool {
	return id != nil && id.DN != ""
}

// Extractor derives identities from certificate chains, resolving registry
// metadata through the optional Registry.
type Extractor struct {
	Registry *Registry
}

// Extract parses the presented chain and the optional out-of-band
// extraCredentials argument into an Identity. Registry resolution failures
/// are not fatal: a DN unknown to the registry is still authenticated, it
// just carries no group rights.
func (e *Extractor) Extract(chain []*x509.Certificate, extraCredentials string) (*Identity, error) {
	entity, err := endEntity(chain)
	if err != nil {
		return nil, err
	}
	id := &Identity{DN: FormatDN(entity.Subject)}
	if id.DN == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrMalformedChain)
	}
	if e.Registry != nil {
		if user, ok := e.Registry.Resolve(id.DN); ok {
			id.Username = user.Name
			id.Group = user.Group
			id.Properties = user.Properties
		}
	}
	if extra := strings.TrimSpace(extraCredentials); extra != "" {
		id.Extra = decodeExtra(extra)
	}
	return id, nil
}

// endEntity returns the first non-proxy certificate in leaf-first order.
func endEntity(chain []*x509.Certificate) (*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no certificates presented", ErrMalformedChain)
	}
	for _, cert := range chain {
		if cert == nil {
			return nil, fmt.Errorf("%w: nil certificate in chain", ErrMalformedChain)
		}
		if !isProxy(cert) {
			return cert, nil
		}
	}
	return nil, fmt.Errorf("%w: chain contains only proxy certificates", ErrMalformedChain)
}

func isProxy(cert *x509.Certificate) bool {
	switch strings.ToLower(cert.Subject.CommonName) {
	case "proxy", "limited proxy":
		// Legacy Globus proxies flag themselves with a literal CN.
		return true
	}
	for _, ext := range cert.Extensions {
		if ext.Id.String() == oidProxyCertInfo {
			return true
		}
	}
	return false
}

// decodeExtra parses the extraCredentials argument. A JSON object becomes
// the extra-claims map; anything else is kept opaque under "value". The
// caller-supplied claims never override transport-verified fields because
// they live in their own map.
func decodeExtra(raw string) map[string]any {
	var asMap map[string]any
	if err := json.Unmarshal([]byte(raw), &asMap); err == nil {
		delete(asMap, "DN")
		delete(asMap, "username")
		delete(asMap, "group")
		return asMap
	}
	var asString string
	if err := json.Unmarshal([]byte(raw), &asString); err == nil {
		return map[string]any{"value": asString}
	}
	return map[string]any{"value": raw}
}

var dnAttributeNames = map[string]string{
	"2.5.4.6":                    "C",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.3":                    "CN",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.5":                    "serialNumber",
	"0.9.2342.19200300.100.1.25": "DC",
	"1.2.840.113549.1.9.1":       "emailAddress",
}

// FormatDN renders a subject in the slash-separated OpenSSL oneline form
// used across the grid ("/C=CH/O=Grid/CN=alice").
func FormatDN(name pkix.Name) string {
	var b strings.Builder
	for _, attr := range name.Names {
		label, ok := dnAttributeNames[attr.Type.String()]
		if !ok {
			label = attr.Type.String()
		}
		value, ok := attr.Value.(string)
		if !ok {
			value = fmt.Sprintf("%v", attr.Value)
		}
		b.WriteString("/")
		b.WriteString(label)
		b.WriteString("=")
		b.WriteString(value)
	}
	return b.String()
}
