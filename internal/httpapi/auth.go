package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	tokenIssuer   = "meshd"
	tokenAudience = "meshd-control-surface"
	tokenTTL      = 24 * time.Hour
)

// Claims is the control surface's own bearer-token payload: a role
// gating mutating operations, no third-party identity involved.
// Generalized from control_plane/auth.Claims, dropping TenantID since
// this domain has no multi-tenant partitioning.
type Claims struct {
	Role      string `json:"role"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

// TokenIssuer signs and validates control-surface bearer tokens with
// an HMAC-SHA256 secret, the same hand-rolled three-part JWT-shaped
// token as control_plane/auth, generalized to take the secret as a
// constructor argument instead of reading it from os.Getenv in
// package init — this keeps the package free of global mutable state
// and independently testable with an arbitrary secret.
type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

func (ti *TokenIssuer) Generate(role string) (string, error) {
	now := time.Now().Unix()
	claims := Claims{
		Role:      role,
		Issuer:    tokenIssuer,
		Audience:  tokenAudience,
		ExpiresAt: now + int64(tokenTTL.Seconds()),
		IssuedAt:  now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	tokenPart := base64URLEncode(headerJSON) + "." + base64URLEncode(claimsJSON)
	signature := ti.sign(tokenPart)
	return tokenPart + "." + signature, nil
}

func (ti *TokenIssuer) Validate(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("invalid token format")
	}

	tokenPart := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(ti.sign(tokenPart)), []byte(parts[2])) {
		return nil, errors.New("invalid signature")
	}

	claimsJSON, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, err
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	if claims.Issuer != tokenIssuer || claims.Audience != tokenAudience {
		return nil, errors.New("invalid issuer or audience")
	}
	return &claims, nil
}

func (ti *TokenIssuer) sign(message string) string {
	h := hmac.New(sha256.New, ti.secret)
	h.Write([]byte(message))
	return base64URLEncode(h.Sum(nil))
}

func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64URLDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
