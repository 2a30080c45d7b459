package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := Issue(secret, Identity{UserID: "usr_1", Email: "a@x.com", Name: "Avery"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	claims, err := Parse(secret, token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.UserID != "usr_1" || claims.Email != "a@x.com" || claims.Name != "Avery" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if remaining := time.Until(claims.Expiry); remaining < 23*time.Hour || remaining > 25*time.Hour {
		t.Fatalf("expected ~24h expiry, got %v", remaining)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := Issue([]byte("secret-a"), Identity{UserID: "usr_1", Email: "a@x.com", Name: "Avery"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := Parse([]byte("secret-b"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := Issue(secret, Identity{UserID: "usr_1", Email: "a@x.com", Name: "Avery"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + ".x" + parts[1] + "." + parts[2]
	if _, err := Parse(secret, tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("test-secret"), "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
