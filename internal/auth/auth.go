package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sort"
	"strings"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
// If legacyAPIKey matches, it authenticates as admin with scope "*".
func Authenticate(presented string, legacyAPIKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, legacyAPIKey) {
		return Principal{
			Token:  presented,
			Scopes: map[string]struct{}{ScopeAdmin: {}},
		}, true
	}

	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{
				Token:  presented,
				Scopes: normalizeScopes(t.Scopes),
			}, true
		}
	}
	return Principal{}, false
}

// Scopes understood by the API.
const (
	ScopeAdmin    = "*"
	ScopeJobsRO   = "jobs:ro"
	ScopeJobsRW   = "jobs:rw"
	ScopeEventsRO = "events:ro"
	ScopeEventsRW = "events:rw"
)

var knownScopes = map[string]string{
	ScopeAdmin:    "Full administrative access (all scopes)",
	ScopeJobsRO:   "Read job history and active dispatches",
	ScopeJobsRW:   "Submit and cancel jobs (implies jobs:ro)",
	ScopeEventsRO: "Read the real-time event stream (SSE)",
	ScopeEventsRW: "Event stream access (implies events:ro)",
}

// ScopeInfo describes one grantable scope.
type ScopeInfo struct {
	Scope       string
	Description string
}

// Catalog lists every known scope, admin first.
func Catalog() []ScopeInfo {
	out := make([]ScopeInfo, 0, len(knownScopes))
	for s, d := range knownScopes {
		out = append(out, ScopeInfo{Scope: s, Description: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// IsKnownScope reports whether s grants anything.
func IsKnownScope(s string) bool {
	_, ok := knownScopes[strings.TrimSpace(s)]
	return ok
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Write implies read.
	for _, rw := range []string{ScopeJobsRW, ScopeEventsRW} {
		if _, ok := out[rw]; ok {
			out[strings.TrimSuffix(rw, ":rw")+":ro"] = struct{}{}
		}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAdmin]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
