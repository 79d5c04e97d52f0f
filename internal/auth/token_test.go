package auth

import (
	"strings"
	"testing"
	"time"
)

func setSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("PITSTOP_AUTH_SECRET", value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	setSecret(t, "test-secret-0123456789")

	token, err := GenerateToken("user1", "org1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user1" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if claims.OrganizationID != "org1" {
		t.Fatalf("org = %q", claims.OrganizationID)
	}
	if claims.TokenType != "access" {
		t.Fatalf("token type = %q", claims.TokenType)
	}
}

func TestGenerateTokenRequiresIdentity(t *testing.T) {
	setSecret(t, "test-secret-0123456789")

	if _, err := GenerateToken("", "org1", time.Hour); err == nil {
		t.Fatal("empty user must fail")
	}
	if _, err := GenerateToken("user1", " ", time.Hour); err == nil {
		t.Fatal("empty organization must fail")
	}
	if _, err := GenerateToken("user1", "org1", 0); err == nil {
		t.Fatal("non-positive ttl must fail")
	}
}

func TestGenerateTokenRequiresSecret(t *testing.T) {
	setSecret(t, "")

	if _, err := GenerateToken("user1", "org1", time.Hour); err == nil {
		t.Fatal("missing secret must fail")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	setSecret(t, "test-secret-0123456789")

	token, err := GenerateToken("user1", "org1", time.Nanosecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	setSecret(t, "test-secret-0123456789")

	token, err := GenerateToken("user1", "org1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	parts := strings.Split(token, ".")
	parts[1] = strings.Map(func(r rune) rune {
		if r == 'a' {
			return 'b'
		}
		return r
	}, parts[1])
	if _, err := ParseAndValidate(strings.Join(parts, ".")); err == nil {
		t.Fatal("tampered token must be rejected")
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	setSecret(t, "first-secret-0123456789")
	token, err := GenerateToken("user1", "org1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	setSecret(t, "second-secret-987654321")
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("token signed with another secret must be rejected")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	setSecret(t, "test-secret-0123456789")
	for _, raw := range []string{"", "   ", "not.a.jwt", "a.b"} {
		if _, err := ParseAndValidate(raw); err == nil {
			t.Fatalf("ParseAndValidate(%q) must fail", raw)
		}
	}
}
