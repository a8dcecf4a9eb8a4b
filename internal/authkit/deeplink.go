package authkit

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// LinkPayloadKind classifies what a redirect URL carries.
type LinkPayloadKind int

const (
	LinkPayloadNone LinkPayloadKind = iota
	LinkPayloadTokens
	LinkPayloadCode
	LinkPayloadError
)

// LinkPayload is the parsed content of a redirect URL.
type LinkPayload struct {
	Kind             LinkPayloadKind
	Tokens           FragmentTokens
	Code             string
	ErrorCode        string
	ErrorDescription string
}

// Credential returns the secret that identifies this link for duplicate detection.
func (payload LinkPayload) Credential() string {
	switch payload.Kind {
	case LinkPayloadTokens:
		return "token:" + payload.Tokens.AccessToken
	case LinkPayloadCode:
		return "code:" + payload.Code
	default:
		return ""
	}
}

// LinkError describes an error the backend placed on the redirect URL.
type LinkError struct {
	Code        string
	Description string
}

func (linkError *LinkError) Error() string {
	if linkError.Description == "" {
		return "redirect error " + linkError.Code
	}
	return fmt.Sprintf("redirect error %s: %s", linkError.Code, linkError.Description)
}

// ParseLink extracts tokens, a code, or an error from rawURL. Fragment tokens win over a query code.
func ParseLink(rawURL string) (LinkPayload, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return LinkPayload{}, fmt.Errorf("session.deeplink.parse: %w", err)
	}
	query := parsed.Query()
	fragment, fragmentErr := url.ParseQuery(parsed.Fragment)
	if fragmentErr != nil {
		fragment = url.Values{}
	}

	if accessToken := fragment.Get("access_token"); accessToken != "" {
		tokens := FragmentTokens{
			AccessToken:  accessToken,
			RefreshToken: fragment.Get("refresh_token"),
			TokenType:    fragment.Get("token_type"),
		}
		tokens.ExpiresIn, _ = strconv.ParseInt(fragment.Get("expires_in"), 10, 64)
		tokens.ExpiresAt, _ = strconv.ParseInt(fragment.Get("expires_at"), 10, 64)
		return LinkPayload{Kind: LinkPayloadTokens, Tokens: tokens}, nil
	}

	for _, values := range []url.Values{fragment, query} {
		if errorCode := firstNonEmpty(values.Get("error_code"), values.Get("error")); errorCode != "" {
			return LinkPayload{
				Kind:             LinkPayloadError,
				ErrorCode:        errorCode,
				ErrorDescription: values.Get("error_description"),
			}, nil
		}
	}

	if code := query.Get("code"); code != "" {
		return LinkPayload{Kind: LinkPayloadCode, Code: code}, nil
	}
	return LinkPayload{Kind: LinkPayloadNone}, ErrNotAuthLink
}

// CallbackMatcher accepts only URLs under a configured redirect prefix.
type CallbackMatcher struct {
	scheme string
	host   string
	path   string
}

// NewCallbackMatcher builds a matcher from the redirect URL registered with the backend.
// An empty redirect URL accepts every link.
func NewCallbackMatcher(redirectURL string) (CallbackMatcher, error) {
	if strings.TrimSpace(redirectURL) == "" {
		return CallbackMatcher{}, nil
	}
	parsed, err := url.Parse(redirectURL)
	if err != nil {
		return CallbackMatcher{}, fmt.Errorf("session.deeplink.redirect_url: %w", err)
	}
	if parsed.Scheme == "" {
		return CallbackMatcher{}, errors.New("session.deeplink.redirect_url: scheme is required")
	}
	return CallbackMatcher{
		scheme: strings.ToLower(parsed.Scheme),
		host:   strings.ToLower(parsed.Host),
		path:   strings.TrimSuffix(parsed.Path, "/"),
	}, nil
}

// Matches reports whether rawURL targets the callback.
func (matcher CallbackMatcher) Matches(rawURL string) bool {
	if matcher.scheme == "" {
		return true
	}
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	if strings.ToLower(parsed.Scheme) != matcher.scheme || strings.ToLower(parsed.Host) != matcher.host {
		return false
	}
	return matcher.path == "" || strings.TrimSuffix(parsed.Path, "/") == matcher.path
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
