package authkit

import (
	"errors"
	"testing"
)

func TestParseLink(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name           string
		rawURL         string
		expectedKind   LinkPayloadKind
		expectedCode   string
		expectedToken  string
		expectedError  string
		expectedExpiry int64
		expectErr      error
	}{
		{
			name:         "authorization code",
			rawURL:       "app://callback?code=abc123",
			expectedKind: LinkPayloadCode,
			expectedCode: "abc123",
		},
		{
			name:           "fragment tokens",
			rawURL:         "app://callback#access_token=at&refresh_token=rt&expires_in=3600&expires_at=1700003600&token_type=bearer",
			expectedKind:   LinkPayloadTokens,
			expectedToken:  "at",
			expectedExpiry: 1700003600,
		},
		{
			name:          "fragment tokens win over code",
			rawURL:        "app://callback?code=abc#access_token=at&refresh_token=rt",
			expectedKind:  LinkPayloadTokens,
			expectedToken: "at",
		},
		{
			name:          "fragment error",
			rawURL:        "app://callback#error=access_denied&error_code=otp_expired&error_description=Email+link+is+invalid",
			expectedKind:  LinkPayloadError,
			expectedError: "otp_expired",
		},
		{
			name:          "query error",
			rawURL:        "app://callback?error=server_error",
			expectedKind:  LinkPayloadError,
			expectedError: "server_error",
		},
		{
			name:         "plain navigation link",
			rawURL:       "app://settings/profile",
			expectedKind: LinkPayloadNone,
			expectErr:    ErrNotAuthLink,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			payload, err := ParseLink(testCase.rawURL)
			if testCase.expectErr != nil {
				if !errors.Is(err, testCase.expectErr) {
					t.Fatalf("expected %v, got %v", testCase.expectErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if payload.Kind != testCase.expectedKind {
				t.Fatalf("expected kind %d, got %d", testCase.expectedKind, payload.Kind)
			}
			if payload.Code != testCase.expectedCode {
				t.Fatalf("expected code %q, got %q", testCase.expectedCode, payload.Code)
			}
			if payload.Tokens.AccessToken != testCase.expectedToken {
				t.Fatalf("expected access token %q, got %q", testCase.expectedToken, payload.Tokens.AccessToken)
			}
			if payload.ErrorCode != testCase.expectedError {
				t.Fatalf("expected error code %q, got %q", testCase.expectedError, payload.ErrorCode)
			}
			if testCase.expectedExpiry != 0 && payload.Tokens.ExpiresAt != testCase.expectedExpiry {
				t.Fatalf("expected expires_at %d, got %d", testCase.expectedExpiry, payload.Tokens.ExpiresAt)
			}
		})
	}
}

func TestParseLinkRejectsMalformedURL(t *testing.T) {
	t.Parallel()
	if _, err := ParseLink("://bad url"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLinkPayloadCredentialDistinguishesKinds(t *testing.T) {
	t.Parallel()
	code := LinkPayload{Kind: LinkPayloadCode, Code: "x"}
	token := LinkPayload{Kind: LinkPayloadTokens, Tokens: FragmentTokens{AccessToken: "x"}}
	if code.Credential() == token.Credential() {
		t.Fatalf("code and token credentials must not collide")
	}
	if (LinkPayload{Kind: LinkPayloadError}).Credential() != "" {
		t.Fatalf("error payloads carry no credential")
	}
}

func TestCallbackMatcher(t *testing.T) {
	t.Parallel()

	matcher, err := NewCallbackMatcher("http://127.0.0.1:54321/callback")
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	testCases := []struct {
		rawURL  string
		matches bool
	}{
		{rawURL: "http://127.0.0.1:54321/callback?code=a", matches: true},
		{rawURL: "http://127.0.0.1:54321/callback/?code=a", matches: true},
		{rawURL: "http://127.0.0.1:54321/other?code=a", matches: false},
		{rawURL: "https://127.0.0.1:54321/callback?code=a", matches: false},
		{rawURL: "http://evil.example/callback?code=a", matches: false},
	}
	for _, testCase := range testCases {
		if matcher.Matches(testCase.rawURL) != testCase.matches {
			t.Fatalf("Matches(%q) expected %v", testCase.rawURL, testCase.matches)
		}
	}

	schemeOnly, err := NewCallbackMatcher("app://callback")
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	if !schemeOnly.Matches("app://callback?code=abc123") {
		t.Fatalf("expected custom scheme callback to match")
	}

	acceptAll, err := NewCallbackMatcher("")
	if err != nil {
		t.Fatalf("matcher: %v", err)
	}
	if !acceptAll.Matches("anything://at/all") {
		t.Fatalf("empty matcher accepts everything")
	}

	if _, err := NewCallbackMatcher("no-scheme"); err == nil {
		t.Fatalf("expected error for redirect url without scheme")
	}
}
