package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkgerrors "github.com/medhive/coordinator/pkg/errors"
)

// Claims are the fields embedded in a coordinator bearer token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken returns an HMAC-signed bearer token for subject with the given
// role, valid for ttl.
func (ks *KeySet) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	if ks == nil || len(ks.jwtSecret) == 0 {
		return "", pkgerrors.ErrNotInitialized
	}

	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(ks.jwtSecret)
}

// VerifyToken validates a bearer token and returns its claims. Expired,
// unsigned, or tampered tokens are rejected with ErrUnauthorized.
func (ks *KeySet) VerifyToken(tokenStr string) (Claims, error) {
	if ks == nil || len(ks.jwtSecret) == 0 {
		return Claims{}, pkgerrors.ErrNotInitialized
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}

		return ks.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: token expired", pkgerrors.ErrUnauthorized)
		}

		return Claims{}, fmt.Errorf("%w: %s", pkgerrors.ErrUnauthorized, err)
	}
	if !token.Valid {
		return Claims{}, pkgerrors.ErrUnauthorized
	}

	return claims, nil
}
