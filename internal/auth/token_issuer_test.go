package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "veilx-auth",
		Audience:      "veilx-api",
		TokenTTL:      15 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := time.Unix(1750000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token, expiresIn, err := issuer.IssueOwnerToken(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if subject != "owner-1" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1750000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token, _, err := issuer.IssueOwnerToken(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	later := newTestIssuer(func() time.Time { return now.Add(16 * time.Minute) })
	if _, err := later.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	now := time.Unix(1750000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	foreign := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "veilx-auth",
		Audience:      "veilx-api",
		Clock:         func() time.Time { return now },
	})
	token, _, err := foreign.IssueOwnerToken(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected token signed with a different secret to be rejected")
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	now := time.Unix(1750000000, 0).UTC()
	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "veilx-auth",
		Audience:      "other-api",
		Clock:         func() time.Time { return now },
	})
	token, _, err := other.IssueOwnerToken(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	issuer := newTestIssuer(func() time.Time { return now })
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected token with a different audience to be rejected")
	}
}

func TestIssueRequiresOwner(t *testing.T) {
	issuer := newTestIssuer(time.Now)
	if _, _, err := issuer.IssueOwnerToken(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty owner id")
	}
}
