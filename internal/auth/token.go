// Package auth issues and verifies the bearer tokens that identify the
// acting user. Tokens are an HMAC-signed JSON payload; there is no session
// store, so a token is valid until it expires.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"coursecore/api/internal/util"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name,omitempty"`
	JTI  string `json:"jti"`
	Iat  int64  `json:"iat,omitempty"`
	Exp  int64  `json:"exp"`
}

// Valid reports whether the claims carry everything a request needs.
func (c Claims) Valid() bool {
	return strings.TrimSpace(c.Sub) != "" && c.JTI != "" && c.Exp != 0
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// DefaultTTL is the lifetime of tokens issued without an explicit one.
const DefaultTTL = 24 * time.Hour

var now = time.Now

var encoding = base64.RawURLEncoding

// IssueToken signs claims as-is.
func IssueToken(secret []byte, claims Claims) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret is empty")
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := encoding.EncodeToString(raw)
	return payload + "." + mac(secret, payload), nil
}

// IssueUserToken signs a token for userID valid for ttl.
func IssueUserToken(secret []byte, userID, name string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	issued := now()
	return IssueToken(secret, Claims{
		Sub:  userID,
		Name: name,
		JTI:  util.NewID("tok"),
		Iat:  issued.Unix(),
		Exp:  issued.Add(ttl).Unix(),
	})
}

// ParseToken verifies the signature and expiry of token and returns its
// claims.
func ParseToken(secret []byte, token string) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(mac(secret, payload))) {
		return Claims{}, ErrInvalidToken
	}

	raw, err := encoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil || !claims.Valid() {
		return Claims{}, ErrInvalidToken
	}
	if now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func mac(secret []byte, payload string) string {
	h := hmac.New(sha256.New, secret)
	_, _ = h.Write([]byte(payload))
	return encoding.EncodeToString(h.Sum(nil))
}
