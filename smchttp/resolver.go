package smchttp

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrSessionHeaderMissing = errors.New("missing smc-session-id header")
	ErrSessionHeaderInvalid = errors.New("invalid smc-session-id header")
)

// SessionIDHeader carries the session identifier of every /next request.
const SessionIDHeader = "Smc-Session-Id"

// maxSessionIDLen bounds caller-chosen session identifiers.
const maxSessionIDLen = 256

// Resolver extracts the session a request belongs to from request metadata.
type Resolver interface {
	SessionID(r *http.Request) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (string, error)

func (f ResolverFunc) SessionID(r *http.Request) (string, error) { return f(r) }

// HeaderResolver reads the session identifier from a request header.
type HeaderResolver struct {
	// Header defaults to SessionIDHeader.
	Header string
}

func (h HeaderResolver) SessionID(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = SessionIDHeader
	}
	vals := r.Header.Values(name)
	if len(vals) == 0 {
		return "", ErrSessionHeaderMissing
	}
	if len(vals) > 1 {
		return "", ErrSessionHeaderInvalid
	}
	id := strings.TrimSpace(vals[0])
	if id == "" {
		return "", ErrSessionHeaderMissing
	}
	if !validSessionID(id) {
		return "", ErrSessionHeaderInvalid
	}
	return id, nil
}

// validSessionID accepts printable ASCII without spaces.
func validSessionID(id string) bool {
	if len(id) > maxSessionIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
