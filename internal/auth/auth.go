// Package auth resolves API bearer tokens to scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API. A ":rw" scope implies its ":ro" twin.
const (
	ScopeAll         = "*"
	ScopeStoreRO     = "store:ro"
	ScopeStoreRW     = "store:rw"
	ScopeProducersRO = "producers:ro"
	ScopeProducersRW = "producers:rw"
	ScopeEventsRO    = "events:ro"
)

var implied = map[string]string{
	ScopeStoreRW:     ScopeStoreRO,
	ScopeProducersRW: ScopeProducersRO,
}

var known = map[string]bool{
	ScopeAll:         true,
	ScopeStoreRO:     true,
	ScopeStoreRW:     true,
	ScopeProducersRO: true,
	ScopeProducersRW: true,
	ScopeEventsRO:    true,
}

// KnownScope reports whether scope is one the API checks for.
func KnownScope(scope string) bool {
	return known[strings.TrimSpace(scope)]
}

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadScheme     = errors.New("invalid Authorization header format")
	ErrEmptyToken    = errors.New("missing API key")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

// FullAccess is the principal of the api_key and of open loopback access.
func FullAccess(token string) Principal {
	return Principal{Token: token, Scopes: map[string]struct{}{ScopeAll: {}}}
}

// Label identifies the principal in logs without revealing the token.
func (p Principal) Label() string {
	switch {
	case p.Token == "":
		return "anonymous"
	case len(p.Token) <= 8:
		return "token:****"
	default:
		return "token:" + p.Token[:4] + "****"
	}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads "Authorization: Bearer <token>". The scheme is
// matched case-insensitively.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrBadScheme
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented token against the api key, which grants
// every scope, and then the scoped tokens.
func Authenticate(presented, apiKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, apiKey) {
		return FullAccess(presented), true
	}
	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{Token: presented, Scopes: normalizeScopes(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		if ro, ok := implied[s]; ok {
			out[ro] = struct{}{}
		}
	}
	return out
}

// HasAnyScope reports whether p holds "*" or one of required. No
// requirement admits everyone.
func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
