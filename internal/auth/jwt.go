// Package auth mints and verifies the HS256 bearer tokens that guard the
// upload and delete endpoints.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is written to and required in every token
const Issuer = "sikesa-backend"

// DefaultTTL is used when Generate gets a zero ttl
const DefaultTTL = 24 * time.Hour

// ErrNoSecret is returned by NewSigner for an empty secret
var ErrNoSecret = errors.New("jwt secret is empty")

// Claims are the token claims. Subject names the uploader (a device fleet,
// a CMS, an operator).
type Claims struct {
	jwt.RegisteredClaims
}

// Signer holds the shared HMAC secret
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner returns a signer for secret. Secrets shorter than 32 characters
// are accepted with a warning.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if len(secret) < 32 {
		slog.Warn("jwt secret is shorter than the recommended 32 characters")
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// GenerateSecret returns 32 random bytes hex-encoded, suitable for
// security.auth.jwt_secret
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Generate signs a token for subject valid for ttl
func (s *Signer) Generate(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses tokenString and checks signature, expiry and issuer
func (s *Signer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
