package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueUserToken(secret, "usr_1", "Avery", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "usr_1" || claims.Name != "Avery" || !strings.HasPrefix(claims.JTI, "tok_") {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub: "usr_1",
		JTI: "jti-1",
		Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	issued, err := IssueUserToken([]byte("secret"), "usr_1", "", 0)
	if err != nil {
		t.Fatalf("IssueUserToken() error = %v", err)
	}
	cases := map[string]string{
		"wrong secret": issued,
		"no signature": strings.Split(issued, ".")[0],
		"garbage":      "abc.def",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			secret := []byte("secret")
			if name == "wrong secret" {
				secret = []byte("other")
			}
			if _, err := ParseToken(secret, token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected invalid token, got %v", err)
			}
		})
	}

	if _, err := IssueUserToken([]byte("secret"), " ", "", time.Hour); err == nil {
		t.Fatal("blank user id should be rejected")
	}
	if _, err := IssueToken(nil, Claims{Sub: "usr_1"}); err == nil {
		t.Fatal("empty secret should be rejected")
	}
}

func TestIssueUserTokenStampsIssueTime(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	issued, err := IssueUserToken([]byte("secret"), " usr_1 ", "", 0)
	if err != nil {
		t.Fatalf("IssueUserToken() error = %v", err)
	}
	claims, err := ParseToken([]byte("secret"), issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "usr_1" || claims.Iat != fixed.Unix() || claims.Exp != fixed.Add(DefaultTTL).Unix() {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	now = func() time.Time { return fixed.Add(DefaultTTL) }
	if _, err := ParseToken([]byte("secret"), issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expiry at the ttl boundary, got %v", err)
	}
}
