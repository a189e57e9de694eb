package auth

import (
	"errors"
	"testing"
	"time"

	"marginalia/api/internal/comments"
	"marginalia/api/internal/rbac"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "Avery",
		Role: "commenter",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.User() != (comments.User{ID: "user-1", Name: "Avery"}) || claims.Role != "commenter" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "Avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	token, _, err := issuer.Issue(comments.User{Name: "Avery"}, rbac.RoleEditor)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := NewIssuer("other", time.Hour).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for a foreign secret, got %v", err)
	}
	if _, err := issuer.Verify(token + ".x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for a malformed token, got %v", err)
	}
}

func TestIssuerAssignsUserID(t *testing.T) {
	issuer := NewIssuer("secret", time.Hour)
	token, claims, err := issuer.Issue(comments.User{Name: "Avery", Color: "#f59f00"}, rbac.RoleCommenter)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if claims.Sub == "" {
		t.Fatal("expected a generated subject")
	}
	verified, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if verified.User().Color != "#f59f00" || rbac.Normalize(verified.Role) != rbac.RoleCommenter {
		t.Fatalf("unexpected claims %+v", verified)
	}
}

func TestIssueRequiresName(t *testing.T) {
	if _, _, err := NewIssuer("secret", time.Hour).Issue(comments.User{Name: "  "}, rbac.RoleViewer); err == nil {
		t.Fatal("expected an error for a blank name")
	}
}
