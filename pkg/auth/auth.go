// Package auth issues and verifies client JWTs, hashes client passwords,
// and checks the worker shared-key bearer token, following the claims-based
// bearer-auth shape sketched in the pack's api-gateway reference while
// swapping its placeholder token check for a real golang-jwt verifier.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/marathon/pkg/id"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL is how long an issued access token remains valid.
const DefaultTokenTTL = 24 * time.Hour

// ErrInvalidToken covers every way a presented bearer token can fail
// verification: bad signature, expired, malformed claims.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// ErrNodeAuthMismatch is returned when a worker presents a key that does
// not match the configured NODE_AUTH_KEY.
var ErrNodeAuthMismatch = errors.New("auth: node auth key mismatch")

// Claims is the JWT payload minted for an authenticated client.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies access tokens with an HMAC signing key derived
// from JWT_SECRET.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer builds an Issuer. secret must be non-empty.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth: JWT secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}, nil
}

// Issue mints a signed access token for the given user.
func (iss *Issuer) Issue(userID id.ID, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID.String(),
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(iss.ttl)),
			Subject:   userID.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(iss.secret)
	if err != nil {
		return "", fmt.Errorf("auth: failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token, returning the embedded claims.
func (iss *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return iss.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against its bcrypt hash.
func CheckPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// CheckNodeKey verifies a worker's presented shared key against the
// configured NODE_AUTH_KEY. Comparison happens in CheckNodeKey rather than
// at call sites so every worker-transport entry point enforces it the same
// way.
func CheckNodeKey(configured, presented string) error {
	if configured == "" {
		return errors.New("auth: NODE_AUTH_KEY is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
		return ErrNodeAuthMismatch
	}
	return nil
}
