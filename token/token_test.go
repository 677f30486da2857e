package token

import (
	"errors"
	"testing"
	"time"

	"github.com/lsnp-go/lsnp/wire"
)

func TestMintParseRoundTrip(t *testing.T) {
	tok := Mint("alice@192.168.1.10", wire.ScopeChat, time.Hour)
	parsed, err := Parse(tok.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.UserID != tok.UserID || parsed.Scope != tok.Scope {
		t.Fatalf("round trip mismatch: %+v vs %+v", tok, parsed)
	}
}

func TestCheckExpired(t *testing.T) {
	reg := NewRegistry(time.Hour)
	tok := Mint("alice@192.168.1.10", wire.ScopeChat, -time.Second)
	if _, err := reg.Check(tok.String(), wire.ScopeChat, time.Now()); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestCheckScopeMismatch(t *testing.T) {
	reg := NewRegistry(time.Hour)
	tok := Mint("alice@192.168.1.10", wire.ScopeChat, time.Hour)
	if _, err := reg.Check(tok.String(), wire.ScopeGame, time.Now()); !errors.Is(err, ErrScopeMismatch) {
		t.Fatalf("expected ErrScopeMismatch, got %v", err)
	}
}

func TestRevocationLiveness(t *testing.T) {
	reg := NewRegistry(time.Hour)
	tok := Mint("alice@192.168.1.10", wire.ScopePresence, time.Hour)

	if _, err := reg.Check(tok.String(), wire.ScopePresence, time.Now()); err != nil {
		t.Fatalf("expected valid token before revoke, got %v", err)
	}

	reg.Revoke("alice@192.168.1.10")

	if _, err := reg.Check(tok.String(), wire.ScopePresence, time.Now()); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked after REVOKE, got %v", err)
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse("not-a-token"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
