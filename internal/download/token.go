package download

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "vendora-download"

// ErrInvalidToken indicates a download token failed signature or claim
// validation.
var ErrInvalidToken = errors.New("download: invalid token")

// Token is a signed, short-lived grant to attempt one or more redemptions.
// Issuing a token never spends quota; only redemption does.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	SingleUse bool      `json:"single_use"`
}

// tokenClaims is the wire form of a download token.
type tokenClaims struct {
	EntitlementID string `json:"entitlement_id"`
	SingleUse     bool   `json:"single_use,omitempty"`
	jwt.RegisteredClaims
}

func signToken(secret []byte, userID, entitlementID string, singleUse bool, ttl time.Duration, now time.Time) (Token, error) {
	expiresAt := now.Add(ttl)
	claims := tokenClaims{
		EntitlementID: entitlementID,
		SingleUse:     singleUse,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: signed, ExpiresAt: expiresAt, SingleUse: singleUse}, nil
}

func parseToken(secret []byte, raw string, now func() time.Time) (*tokenClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithTimeFunc(now), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.EntitlementID == "" || strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
