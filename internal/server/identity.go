package server

import (
	"net/http"
	"strings"
)

const defaultSentinel = "unknown@example.com"

// IdentityPolicy decides which identity key a connection presents.
type IdentityPolicy struct {
	QueryKey string
	Header   string
	Sentinel string
	// IsolateAnonymous derives "<sentinel>#<connection id>" so anonymous
	// connections do not share one record.
	IsolateAnonymous bool
}

func (p IdentityPolicy) sanitize() IdentityPolicy {
	if p.QueryKey == "" {
		p.QueryKey = "email"
	}
	if p.Header == "" {
		p.Header = "X-Identity"
	}
	if p.Sentinel == "" {
		p.Sentinel = defaultSentinel
	}
	return p
}

// Handshake reads the identity key from the upgrade request, query
// parameter first.
func (p IdentityPolicy) Handshake(r *http.Request) Handshake {
	if v := strings.TrimSpace(r.URL.Query().Get(p.QueryKey)); v != "" {
		return Handshake{IdentityKey: v}
	}
	return Handshake{IdentityKey: strings.TrimSpace(r.Header.Get(p.Header))}
}

// resolve returns the identity to register and whether the sentinel had to
// be used.
func (p IdentityPolicy) resolve(key, connectionID string) (string, bool) {
	if key != "" {
		return key, false
	}
	if p.IsolateAnonymous {
		return p.Sentinel + "#" + connectionID, true
	}
	return p.Sentinel, true
}
