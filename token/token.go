// Package token implements LSNP's capability tokens (spec.md §4.3). Tokens
// are scope tags, not cryptographic credentials -- the module's job is
// parsing and expiry bookkeeping, not hardening against a hostile network
// (spec.md §9, "Token semantics").
package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lsnp-go/lsnp/dedupe"
	"github.com/lsnp-go/lsnp/wire"
)

var (
	// ErrMalformed is returned when a token string doesn't parse.
	ErrMalformed = errors.New("malformed token")
	// ErrExpired is returned by Check when the token's expiry has passed.
	ErrExpired = errors.New("token expired")
	// ErrScopeMismatch is returned by Check when the token's scope does
	// not match what the caller requires.
	ErrScopeMismatch = errors.New("token scope mismatch")
	// ErrRevoked is returned by Check when the token's user has been
	// revoked (spec.md §4.6, the REVOKE frame).
	ErrRevoked = errors.New("token revoked")
)

// Token is a parsed capability tag: {user_id, scope, expires_at}.
type Token struct {
	UserID    string
	Scope     wire.Scope
	ExpiresAt time.Time
}

// Mint creates a token for userID, scoped to scope, valid for ttl from now.
func Mint(userID string, scope wire.Scope, ttl time.Duration) Token {
	return Token{UserID: userID, Scope: scope, ExpiresAt: time.Now().Add(ttl)}
}

// String serializes a token as "user_id|expires_epoch|scope", per spec.md
// §3.
func (t Token) String() string {
	return fmt.Sprintf("%s|%d|%s", t.UserID, t.ExpiresAt.Unix(), t.Scope)
}

// Parse decodes a token string. No third-party codec earns its keep over
// strings.Split for a fixed three-field pipe-delimited scalar -- see
// DESIGN.md for why this one component stays on the standard library.
func Parse(s string) (Token, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return Token{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	epoch, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("%w: bad expiry in %q", ErrMalformed, s)
	}
	return Token{
		UserID:    parts[0],
		ExpiresAt: time.Unix(epoch, 0),
		Scope:     wire.Scope(parts[2]),
	}, nil
}

// Registry holds the revocation set (spec.md §4.3: "a token whose user_id
// is in the revocation set checks as invalid regardless of expiry") as a
// dedupe.Cache keyed by user_id and TTL'd to token_ttl, so a REVOKE entry
// self-expires rather than growing the set forever.
type Registry struct {
	revoked *dedupe.Cache
}

// NewRegistry creates a token registry whose revocation entries live for
// revokeTTL (spec.md §8 property 7 recommends token_ttl).
func NewRegistry(revokeTTL time.Duration) *Registry {
	return &Registry{revoked: dedupe.New(dedupe.DefaultCap, revokeTTL)}
}

// Revoke marks userID's tokens invalid regardless of expiry, in response
// to a REVOKE frame (spec.md §4.6).
func (r *Registry) Revoke(userID string) {
	r.revoked.Observe(userID)
}

// Check validates a token string against a required scope and the current
// time, returning the specific failure mode spec.md §4.3 enumerates.
func (r *Registry) Check(s string, required wire.Scope, now time.Time) (Token, error) {
	tok, err := Parse(s)
	if err != nil {
		return Token{}, err
	}
	if r.revoked.Contains(tok.UserID) {
		return tok, ErrRevoked
	}
	if now.After(tok.ExpiresAt) {
		return tok, ErrExpired
	}
	if tok.Scope != required {
		return tok, ErrScopeMismatch
	}
	return tok, nil
}
