// Package accesstoken reads the claims of backend-issued access tokens.
package accesstoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Inspector. A SigningKey enables HS256 signature verification; without one the
// token is decoded but not verified, which is only suitable for tokens the process received itself.
type Config struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

// Sentinel errors exposed by the inspector.
var (
	ErrMissingToken  = errors.New("accesstoken.missing_token")
	ErrInvalidToken  = errors.New("accesstoken.invalid_token")
	ErrInvalidIssuer = errors.New("accesstoken.invalid_issuer")
	ErrTokenExpired  = errors.New("accesstoken.expired")
)

// Claims are the fields Supabase places in its access tokens.
type Claims struct {
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	AAL       string `json:"aal"`
	jwt.RegisteredClaims
}

// GetUserID returns the subject.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Inspector decodes access tokens.
type Inspector struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// New constructs an Inspector.
func New(configuration Config) *Inspector {
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Inspector{
		signingKey: configuration.SigningKey,
		issuer:     strings.TrimSpace(configuration.Issuer),
		clock:      clock,
	}
}

// Inspect decodes tokenString and enforces issuer and expiry.
func (inspector *Inspector) Inspect(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("accesstoken.inspect: %w", ErrMissingToken)
	}
	claims := &Claims{}
	if len(inspector.signingKey) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
			return nil, fmt.Errorf("accesstoken.inspect: %w", ErrInvalidToken)
		}
	} else {
		parsedToken, parseErr := jwt.ParseWithClaims(tokenString, claims, func(parsed *jwt.Token) (interface{}, error) {
			return inspector.signingKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
		if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
			return nil, fmt.Errorf("accesstoken.inspect: %w", ErrInvalidToken)
		}
	}
	if inspector.issuer != "" && claims.Issuer != inspector.issuer {
		return nil, fmt.Errorf("accesstoken.inspect: %w", ErrInvalidIssuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("accesstoken.inspect: %w", ErrInvalidToken)
	}
	if claims.ExpiresAt != nil && !inspector.clock.Now().Before(claims.ExpiresAt.Time) {
		return claims, fmt.Errorf("accesstoken.inspect: %w", ErrTokenExpired)
	}
	return claims, nil
}
