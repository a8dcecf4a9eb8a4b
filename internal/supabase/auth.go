package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tyemirov/sessiond/internal/authkit"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const codeChallengeMethod = "s256"

var consumedFlowCodes = map[string]struct{}{
	"flow_state_not_found": {},
	"flow_state_expired":   {},
	"bad_code_verifier":    {},
}

type idTokenGrant struct {
	Provider string `json:"provider"`
	IDToken  string `json:"id_token"`
	Nonce    string `json:"nonce,omitempty"`
}

type pkceGrant struct {
	AuthCode     string `json:"auth_code"`
	CodeVerifier string `json:"code_verifier"`
}

type refreshGrant struct {
	RefreshToken string `json:"refresh_token"`
}

type otpRequest struct {
	Email               string         `json:"email"`
	CreateUser          bool           `json:"create_user"`
	CodeChallenge       string         `json:"code_challenge"`
	CodeChallengeMethod string         `json:"code_challenge_method"`
	Data                map[string]any `json:"data,omitempty"`
}

// ExchangeIDToken trades a native provider identity token for a session.
func (client *Client) ExchangeIDToken(ctx context.Context, provider authkit.Provider, idToken string, nonce string) (*authkit.Session, error) {
	epoch := client.currentEpoch()
	session, err := client.grant(ctx, "id_token", idTokenGrant{Provider: string(provider), IDToken: idToken, Nonce: nonce})
	if err != nil {
		return nil, err
	}
	if err := client.commitSession(session, epoch, authkit.AuthEventSignedIn); err != nil {
		return nil, err
	}
	client.logger.Info("id token exchanged",
		zap.String("code", "supabase.token.id_token"),
		zap.String("provider", string(provider)),
		zap.String("user_id", session.User.ID))
	return session, nil
}

// AuthorizeURL starts a PKCE browser flow for provider and returns the URL to open.
func (client *Client) AuthorizeURL(ctx context.Context, provider authkit.Provider) (string, error) {
	challenge, err := client.newChallenge(ctx)
	if err != nil {
		return "", err
	}
	query := url.Values{
		"provider":              {string(provider)},
		"code_challenge":        {challenge},
		"code_challenge_method": {codeChallengeMethod},
	}
	if client.redirectURL != "" {
		query.Set("redirect_to", client.redirectURL)
	}
	if provider == authkit.ProviderGoogle {
		query.Set("access_type", "offline")
		query.Set("prompt", "select_account consent")
	}
	return client.authEndpoint("authorize", query).String(), nil
}

// ExchangeOAuthCode completes a PKCE flow started by AuthorizeURL or SendMagicLink.
func (client *Client) ExchangeOAuthCode(ctx context.Context, code string) (*authkit.Session, error) {
	epoch := client.currentEpoch()
	verifier, err := client.verifiers.Get(ctx, VerifierStorageKey)
	if errors.Is(err, authkit.ErrSessionNotFound) {
		return nil, fmt.Errorf("supabase.token.pkce.missing_verifier: %w", authkit.ErrCodeAlreadyUsed)
	}
	if err != nil {
		return nil, fmt.Errorf("supabase.token.pkce.verifier: %w", err)
	}
	session, err := client.grant(ctx, "pkce", pkceGrant{AuthCode: code, CodeVerifier: string(verifier)})
	if err != nil {
		var apiError *APIError
		if errors.As(err, &apiError) {
			if _, consumed := consumedFlowCodes[apiError.Code]; consumed {
				return nil, fmt.Errorf("%w: %w", authkit.ErrCodeAlreadyUsed, apiError)
			}
		}
		return nil, err
	}
	if deleteErr := client.verifiers.Delete(ctx, VerifierStorageKey); deleteErr != nil {
		client.logger.Warn("failed to delete pkce verifier",
			zap.String("code", "supabase.verifier.delete_failed"),
			zap.Error(deleteErr))
	}
	if err := client.commitSession(session, epoch, authkit.AuthEventSignedIn); err != nil {
		return nil, err
	}
	client.logger.Info("auth code exchanged",
		zap.String("code", "supabase.token.pkce"),
		zap.String("user_id", session.User.ID))
	return session, nil
}

// RestoreSession builds a session from implicit-flow fragment tokens by fetching their user.
func (client *Client) RestoreSession(ctx context.Context, tokens authkit.FragmentTokens) (*authkit.Session, error) {
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("supabase.restore: %w", authkit.ErrInvalidSession)
	}
	epoch := client.currentEpoch()
	var user authkit.User
	if err := client.doJSON(ctx, http.MethodGet, client.authEndpoint("user", nil), tokens.AccessToken, nil, &user); err != nil {
		return nil, fmt.Errorf("supabase.restore.user: %w", err)
	}
	session := &authkit.Session{
		AccessToken:  tokens.AccessToken,
		TokenType:    tokens.TokenType,
		ExpiresIn:    tokens.ExpiresIn,
		ExpiresAt:    tokens.ExpiresAt,
		RefreshToken: tokens.RefreshToken,
		User:         &user,
	}
	if session.TokenType == "" {
		session.TokenType = "bearer"
	}
	client.fillExpiry(session)
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if err := client.commitSession(session, epoch, authkit.AuthEventSignedIn); err != nil {
		return nil, err
	}
	return session, nil
}

// SendMagicLink emails a sign-in link bound to a fresh PKCE verifier.
func (client *Client) SendMagicLink(ctx context.Context, email string) error {
	if !client.magicLinks.Allow() {
		return ErrMagicLinkThrottled
	}
	challenge, err := client.newChallenge(ctx)
	if err != nil {
		return err
	}
	query := url.Values{}
	if client.redirectURL != "" {
		query.Set("redirect_to", client.redirectURL)
	}
	request := otpRequest{
		Email:               email,
		CreateUser:          true,
		CodeChallenge:       challenge,
		CodeChallengeMethod: codeChallengeMethod,
		Data:                map[string]any{"redirectTo": client.landingRoute},
	}
	if err := client.doJSON(ctx, http.MethodPost, client.authEndpoint("otp", query), "", request, nil); err != nil {
		return fmt.Errorf("supabase.otp: %w", err)
	}
	client.logger.Info("magic link requested", zap.String("code", "supabase.otp.sent"))
	return nil
}

// SignOut revokes the current session on the server. The local session is always dropped.
func (client *Client) SignOut(ctx context.Context) error {
	client.mutex.Lock()
	session := client.session
	client.mutex.Unlock()
	defer client.clearSession()

	if session == nil {
		return nil
	}
	endpoint := client.authEndpoint("logout", url.Values{"scope": {"local"}})
	if err := client.doJSON(ctx, http.MethodPost, endpoint, session.AccessToken, nil, nil); err != nil {
		var apiError *APIError
		if errors.As(err, &apiError) && (apiError.Status == http.StatusUnauthorized || apiError.Status == http.StatusNotFound) {
			return nil
		}
		return fmt.Errorf("supabase.logout: %w", err)
	}
	return nil
}

// RefreshSession trades the current refresh token for a new session and emits TOKEN_REFRESHED.
// A rejected refresh token drops the session and emits SIGNED_OUT.
func (client *Client) RefreshSession(ctx context.Context) (*authkit.Session, error) {
	client.mutex.Lock()
	current := client.session
	epoch := client.signOutEpoch
	client.mutex.Unlock()
	if current == nil || current.RefreshToken == "" {
		return nil, ErrNoSession
	}
	session, err := client.grant(ctx, "refresh_token", refreshGrant{RefreshToken: current.RefreshToken})
	if err != nil {
		var apiError *APIError
		if errors.As(err, &apiError) && apiError.Status >= 400 && apiError.Status < 500 {
			client.logger.Warn("refresh token rejected",
				zap.String("code", "supabase.token.refresh_rejected"),
				zap.String("error_code", apiError.Code))
			if client.currentEpoch() == epoch {
				client.clearSession()
			}
		}
		return nil, err
	}
	if err := client.commitSession(session, epoch, authkit.AuthEventTokenRefreshed); err != nil {
		return nil, err
	}
	return session, nil
}

func (client *Client) grant(ctx context.Context, grantType string, payload any) (*authkit.Session, error) {
	var session authkit.Session
	endpoint := client.authEndpoint("token", url.Values{"grant_type": {grantType}})
	if err := client.doJSON(ctx, http.MethodPost, endpoint, "", payload, &session); err != nil {
		return nil, fmt.Errorf("supabase.token.%s: %w", grantType, err)
	}
	client.fillExpiry(&session)
	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("supabase.token.%s: %w", grantType, err)
	}
	return &session, nil
}

func (client *Client) fillExpiry(session *authkit.Session) {
	if session.ExpiresAt == 0 && session.ExpiresIn > 0 {
		session.ExpiresAt = client.now().Unix() + session.ExpiresIn
	}
}

// newChallenge stores a fresh verifier and returns its S256 challenge.
func (client *Client) newChallenge(ctx context.Context) (string, error) {
	verifier := oauth2.GenerateVerifier()
	if err := client.verifiers.Set(ctx, VerifierStorageKey, []byte(verifier)); err != nil {
		return "", fmt.Errorf("supabase.verifier.store: %w", err)
	}
	return oauth2.S256ChallengeFromVerifier(verifier), nil
}
