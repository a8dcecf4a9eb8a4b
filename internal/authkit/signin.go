package authkit

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"go.uber.org/zap"
)

// SignInOutcome reports how a sign-in attempt ended.
type SignInOutcome int

const (
	SignInCompleted SignInOutcome = iota + 1
	SignInCancelled
)

func (outcome SignInOutcome) String() string {
	switch outcome {
	case SignInCompleted:
		return "completed"
	case SignInCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// SignInResult is returned by provider sign-in. Session is nil for a cancelled attempt.
type SignInResult struct {
	Outcome SignInOutcome
	Session *Session
}

var errEmptyEmail = errors.New("session.signin.email.empty")

// SignInWithApple runs the native Apple sheet and exchanges its identity token.
func (coordinator *SessionCoordinator) SignInWithApple(ctx context.Context) (SignInResult, error) {
	if coordinator.apple == nil {
		return SignInResult{}, coordinator.signInFailed(ProviderApple, ErrProviderUnavailable)
	}
	return coordinator.signInWithCredential(ctx, ProviderApple, coordinator.apple)
}

// SignInWithGoogle uses the native Google credential source when configured and the browser flow otherwise.
func (coordinator *SessionCoordinator) SignInWithGoogle(ctx context.Context) (SignInResult, error) {
	if coordinator.google != nil {
		return coordinator.signInWithCredential(ctx, ProviderGoogle, coordinator.google)
	}
	return coordinator.signInWithBrowser(ctx, ProviderGoogle)
}

func (coordinator *SessionCoordinator) signInWithCredential(ctx context.Context, provider Provider, source CredentialSource) (SignInResult, error) {
	epoch, err := coordinator.currentEpoch()
	if err != nil {
		return SignInResult{}, err
	}
	credential, err := source.RequestCredential(ctx)
	if errors.Is(err, ErrUserCancelled) {
		return coordinator.signInCancelled(provider), nil
	}
	if err != nil {
		return SignInResult{}, coordinator.signInFailed(provider, err)
	}
	if strings.TrimSpace(credential.IDToken) == "" {
		return SignInResult{}, coordinator.signInFailed(provider, ErrMissingIdentityToken)
	}
	session, err := coordinator.backend.ExchangeIDToken(ctx, provider, credential.IDToken, credential.Nonce)
	if err != nil {
		return SignInResult{}, coordinator.signInFailed(provider, err)
	}
	if err := coordinator.applyAuthenticated(ctx, session, epoch, true, "signin."+string(provider)); err != nil {
		return SignInResult{}, coordinator.signInApplyFailed(provider, err)
	}
	coordinator.metrics.Increment("session.signin." + string(provider) + ".succeeded")
	return SignInResult{Outcome: SignInCompleted, Session: session}, nil
}

func (coordinator *SessionCoordinator) signInWithBrowser(ctx context.Context, provider Provider) (SignInResult, error) {
	if coordinator.browser == nil {
		return SignInResult{}, coordinator.signInFailed(provider, ErrProviderUnavailable)
	}
	epoch, err := coordinator.currentEpoch()
	if err != nil {
		return SignInResult{}, err
	}
	authorizeURL, err := coordinator.backend.AuthorizeURL(ctx, provider)
	if err != nil {
		return SignInResult{}, coordinator.signInFailed(provider, err)
	}
	result, err := coordinator.browser.OpenAuthSession(ctx, authorizeURL)
	if errors.Is(err, ErrUserCancelled) {
		return coordinator.signInCancelled(provider), nil
	}
	if err != nil {
		return SignInResult{}, coordinator.signInFailed(provider, err)
	}
	switch result.Type {
	case BrowserResultCancel, BrowserResultDismiss:
		return coordinator.signInCancelled(provider), nil
	case BrowserResultSuccess:
	default:
		return SignInResult{}, coordinator.signInFailed(provider, errors.New("session.signin.browser.unexpected_result"))
	}

	// A sign-out while the browser was open cancels the flow; the callback is claimed but never exchanged.
	session, err := coordinator.resolveLinkAt(ctx, result.URL, epoch)
	if err != nil {
		return SignInResult{}, coordinator.signInApplyFailed(provider, err)
	}
	if session == nil {
		return SignInResult{}, coordinator.signInFailed(provider, ErrSessionSuperseded)
	}
	coordinator.metrics.Increment("session.signin." + string(provider) + ".succeeded")
	return SignInResult{Outcome: SignInCompleted, Session: session}, nil
}

// SignInWithEmail asks the backend to send a magic link. The session arrives later through a deep link.
func (coordinator *SessionCoordinator) SignInWithEmail(ctx context.Context, email string) error {
	if _, err := coordinator.currentEpoch(); err != nil {
		return err
	}
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return coordinator.emailDispatchFailed(ctx, errEmptyEmail)
	}
	address, parseErr := mail.ParseAddress(trimmed)
	if parseErr != nil {
		return coordinator.emailDispatchFailed(ctx, parseErr)
	}
	if err := coordinator.backend.SendMagicLink(ctx, address.Address); err != nil {
		return coordinator.emailDispatchFailed(ctx, err)
	}
	coordinator.metrics.Increment("session.signin.email.succeeded")
	coordinator.logger.Info("magic link dispatched", zap.String("code", "session.signin.email.dispatched"))
	return nil
}

// SignOut clears the local session unconditionally. A backend failure is reported, never returned; only a
// failure to erase the persisted record is returned.
func (coordinator *SessionCoordinator) SignOut(ctx context.Context) error {
	coordinator.mutex.Lock()
	if coordinator.stopped {
		coordinator.mutex.Unlock()
		return ErrCoordinatorStopped
	}
	coordinator.epoch++
	coordinator.mutex.Unlock()

	coordinator.signOutBackend(ctx)
	return coordinator.applyCleared(context.WithoutCancel(ctx), "signout")
}

func (coordinator *SessionCoordinator) signOutBackend(ctx context.Context) {
	backendCtx, cancel := context.WithTimeout(ctx, coordinator.signOutTimeout)
	defer cancel()
	if err := coordinator.backend.SignOut(backendCtx); err != nil {
		coordinator.metrics.Increment(eventSignOutBackendFailed)
		coordinator.reporter.Report(ctx, "signout", newAuthError(KindSignOutBackendFailed, "", "signout", err))
	}
}

// DeleteAccount invokes the privileged deletion function and then signs out. On failure the session is
// left untouched.
func (coordinator *SessionCoordinator) DeleteAccount(ctx context.Context) error {
	coordinator.mutex.Lock()
	if coordinator.stopped {
		coordinator.mutex.Unlock()
		return ErrCoordinatorStopped
	}
	if coordinator.state != StateAuthenticated || coordinator.session == nil {
		coordinator.mutex.Unlock()
		return newAuthError(KindNoActiveUser, "", "delete_account", nil)
	}
	epoch := coordinator.epoch
	accessToken := coordinator.session.AccessToken
	coordinator.mutex.Unlock()

	if current, err := coordinator.backend.CurrentSession(ctx); err == nil && current != nil && current.AccessToken != "" {
		accessToken = current.AccessToken
	}
	if _, err := coordinator.backend.InvokeSecureFunction(ctx, coordinator.deleteFunctionName, accessToken); err != nil {
		coordinator.metrics.Increment(eventDeleteFailed)
		return newAuthError(KindAccountDeletionFailed, "", "delete_account", err)
	}
	coordinator.metrics.Increment(eventDeleteSucceeded)

	coordinator.mutex.Lock()
	superseded := coordinator.epoch != epoch
	coordinator.mutex.Unlock()
	if superseded {
		coordinator.metrics.Increment(eventDiscardedStale)
		coordinator.logger.Info("account deleted after local sign-out",
			zap.String("code", "session.delete.superseded"))
		return nil
	}
	return coordinator.SignOut(ctx)
}

func (coordinator *SessionCoordinator) signInCancelled(provider Provider) SignInResult {
	coordinator.metrics.Increment("session.signin." + string(provider) + ".cancelled")
	coordinator.logger.Info("sign-in cancelled",
		zap.String("code", "session.signin.cancelled"),
		zap.String("provider", string(provider)))
	return SignInResult{Outcome: SignInCancelled}
}

func (coordinator *SessionCoordinator) signInFailed(provider Provider, cause error) error {
	coordinator.metrics.Increment("session.signin." + string(provider) + ".failed")
	return newAuthError(KindSignInFailed, provider, "signin", cause)
}

// signInApplyFailed passes stale and stopped outcomes through unchanged and wraps everything else.
func (coordinator *SessionCoordinator) signInApplyFailed(provider Provider, err error) error {
	if errors.Is(err, ErrSessionSuperseded) || errors.Is(err, ErrCoordinatorStopped) {
		return err
	}
	if KindOf(err) == KindSessionPersistFailed {
		coordinator.metrics.Increment("session.signin." + string(provider) + ".failed")
		return err
	}
	return coordinator.signInFailed(provider, err)
}

func (coordinator *SessionCoordinator) emailDispatchFailed(ctx context.Context, cause error) error {
	coordinator.metrics.Increment("session.signin.email.failed")
	authError := newAuthError(KindEmailDispatchFailed, ProviderEmail, "signin", cause)
	coordinator.reporter.Report(ctx, "signin_email", authError)
	return authError
}
