package token

import (
	"testing"
	"time"
)

func TestMintParseRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := Mint("alice@10.0.0.1", ScopeChat, time.Hour, now)

	tok, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if tok.UserID != "alice@10.0.0.1" {
		t.Errorf("UserID = %q", tok.UserID)
	}
	if tok.Scope != ScopeChat {
		t.Errorf("Scope = %q", tok.Scope)
	}
	if !tok.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", tok.ExpiresAt, now.Add(time.Hour))
	}
}

func TestCheckExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := Mint("alice@10.0.0.1", ScopeChat, time.Second, now)
	c := NewChecker(NewRevocationSet(time.Hour))

	reason := c.Check(raw, ScopeChat, now.Add(2*time.Second))
	if reason != Expired {
		t.Errorf("reason = %v, want Expired", reason)
	}
}

func TestCheckScopeMismatch(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := Mint("alice@10.0.0.1", ScopeFile, time.Hour, now)
	c := NewChecker(NewRevocationSet(time.Hour))

	reason := c.Check(raw, ScopeChat, now)
	if reason != ScopeMismatch {
		t.Errorf("reason = %v, want ScopeMismatch", reason)
	}
}

func TestCheckMalformed(t *testing.T) {
	c := NewChecker(NewRevocationSet(time.Hour))
	reason := c.Check("not-a-token", ScopeChat, time.Now())
	if reason != Malformed {
		t.Errorf("reason = %v, want Malformed", reason)
	}
}

func TestCheckRevokedRegardlessOfExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw := Mint("alice@10.0.0.1", ScopeChat, time.Hour, now)
	rs := NewRevocationSet(time.Hour)
	rs.Revoke("alice@10.0.0.1", now)
	c := NewChecker(rs)

	reason := c.Check(raw, ScopeChat, now.Add(time.Minute))
	if reason != RevokedReason {
		t.Errorf("reason = %v, want RevokedReason", reason)
	}
}

func TestRevocationPrunesAfterTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rs := NewRevocationSet(time.Minute)
	rs.Revoke("alice@10.0.0.1", now)

	if !rs.IsRevoked("alice@10.0.0.1", now.Add(30*time.Second)) {
		t.Error("should still be revoked within ttl")
	}
	if rs.IsRevoked("alice@10.0.0.1", now.Add(2*time.Minute)) {
		t.Error("should no longer be revoked after ttl elapses")
	}
}
