package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Codec encodes and decodes signed token payloads as HS256 JWTs. Decode is
// a pure offline check: it never touches the store, so malformed, forged,
// and expired tokens are rejected before any I/O.
type Codec struct {
	secret []byte
}

// NewCodec creates a codec signing with the given secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Encode signs the claims and returns the token string. A missing TokenID
// is filled with a fresh UUID; a missing IssuedAt with the current time.
// Timestamps are truncated to second precision, matching the JWT wire
// representation, so Decode(Encode(c)) reproduces the claims exactly.
func (c *Codec) Encode(claims Claims) (string, Claims, error) {
	if !claims.Kind.Valid() {
		return "", Claims{}, fmt.Errorf("invalid token kind %q", claims.Kind)
	}
	if claims.Subject == "" {
		return "", Claims{}, fmt.Errorf("claims subject is required")
	}

	if claims.TokenID == "" {
		claims.TokenID = uuid.NewString()
	}
	if claims.IssuedAt.IsZero() {
		claims.IssuedAt = time.Now()
	}
	claims.IssuedAt = claims.IssuedAt.UTC().Truncate(time.Second)
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.UTC().Truncate(time.Second)
		claims.ExpiresAt = &exp
	}
	claims.Scopes = NormalizeScopes(claims.Scopes)

	payload := jwt.MapClaims{
		"jti":    claims.TokenID,
		"sub":    claims.Subject,
		"scopes": claims.Scopes,
		"kind":   string(claims.Kind),
		"iat":    claims.IssuedAt.Unix(),
	}
	if claims.ExpiresAt != nil {
		payload["exp"] = claims.ExpiresAt.Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

// Decode verifies the signature and expiry and returns the claims. It
// fails with ErrTokenMalformed, ErrTokenBadSignature, or ErrTokenExpired;
// all three match ErrInvalidToken under errors.Is. A token without an exp
// claim never expires.
func (c *Codec) Decode(raw string) (*Claims, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenBadSignature
		default:
			return nil, ErrTokenMalformed
		}
	}

	payload, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenMalformed
	}

	claims, err := claimsFromPayload(payload)
	if err != nil {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

func claimsFromPayload(payload jwt.MapClaims) (*Claims, error) {
	jti, _ := payload["jti"].(string)
	sub, _ := payload["sub"].(string)
	kind, _ := payload["kind"].(string)
	if jti == "" || sub == "" || !TokenKind(kind).Valid() {
		return nil, fmt.Errorf("missing required claims")
	}

	rawScopes, ok := payload["scopes"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("missing scopes claim")
	}
	scopes := make([]string, 0, len(rawScopes))
	for _, s := range rawScopes {
		str, ok := s.(string)
		if !ok {
			return nil, fmt.Errorf("non-string scope")
		}
		scopes = append(scopes, str)
	}

	iat, err := payload.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, fmt.Errorf("missing iat claim")
	}

	claims := &Claims{
		TokenID:  jti,
		Subject:  sub,
		Scopes:   NormalizeScopes(scopes),
		Kind:     TokenKind(kind),
		IssuedAt: iat.Time.UTC(),
	}

	exp, err := payload.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("malformed exp claim")
	}
	if exp != nil {
		t := exp.Time.UTC()
		claims.ExpiresAt = &t
	}
	return claims, nil
}
