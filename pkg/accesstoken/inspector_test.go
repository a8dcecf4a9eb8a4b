package accesstoken

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func mintToken(t *testing.T, signingKey []byte, issuer string, subject string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email:     "user@example.com",
		Role:      "authenticated",
		SessionID: "session-123",
		AAL:       "aal1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{"authenticated"},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	result, err := token.SignedString(signingKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return result
}

func TestInspect(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0).UTC()
	issuer := "https://project.supabase.co/auth/v1"
	valid := mintToken(t, []byte("secret"), issuer, "u1", now.Add(-time.Minute), time.Hour)

	testCases := []struct {
		name      string
		config    Config
		token     string
		expectErr error
	}{
		{name: "unverified decode", config: Config{Issuer: issuer}, token: valid},
		{name: "verified decode", config: Config{SigningKey: []byte("secret"), Issuer: issuer}, token: valid},
		{name: "wrong signing key", config: Config{SigningKey: []byte("other")}, token: valid, expectErr: ErrInvalidToken},
		{name: "foreign issuer", config: Config{Issuer: "https://other.supabase.co/auth/v1"}, token: valid, expectErr: ErrInvalidIssuer},
		{name: "expired", config: Config{}, token: mintToken(t, []byte("secret"), issuer, "u1", now.Add(-2*time.Hour), time.Hour), expectErr: ErrTokenExpired},
		{name: "missing subject", config: Config{}, token: mintToken(t, []byte("secret"), issuer, "", now, time.Hour), expectErr: ErrInvalidToken},
		{name: "empty", config: Config{}, token: " ", expectErr: ErrMissingToken},
		{name: "garbage", config: Config{}, token: "not.a.jwt", expectErr: ErrInvalidToken},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			testCase.config.Clock = fixedClock{current: now}
			claims, err := New(testCase.config).Inspect(testCase.token)
			if testCase.expectErr != nil {
				if !errors.Is(err, testCase.expectErr) {
					t.Fatalf("expected %v, got %v", testCase.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if claims.GetUserID() != "u1" || claims.SessionID != "session-123" || claims.Email != "user@example.com" {
				t.Fatalf("unexpected claims %+v", claims)
			}
			if !claims.GetExpiresAt().Equal(now.Add(59 * time.Minute)) {
				t.Fatalf("unexpected expiry %v", claims.GetExpiresAt())
			}
		})
	}
}

func TestNilClaimsAccessors(t *testing.T) {
	t.Parallel()
	var claims *Claims
	if claims.GetUserID() != "" || !claims.GetExpiresAt().IsZero() {
		t.Fatalf("expected zero values from nil claims")
	}
}
