package authkit

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates the secure store holds no record for the requested key.
	ErrSessionNotFound = errors.New("session.store.not_found")
	// ErrUserCancelled is returned by credential sources and browser launchers when the user backs out.
	ErrUserCancelled = errors.New("session.signin.user_cancelled")
	// ErrCodeAlreadyUsed signals that the backend refused a link code because it was already exchanged.
	ErrCodeAlreadyUsed = errors.New("session.deeplink.code_already_used")
	// ErrLinkAlreadyConsumed indicates the consumed-link ledger has already seen the link.
	ErrLinkAlreadyConsumed = errors.New("session.deeplink.already_consumed")
	// ErrNotAuthLink indicates the URL carries no auth payload.
	ErrNotAuthLink = errors.New("session.deeplink.not_auth_link")
	// ErrSessionSuperseded indicates an asynchronous result arrived after a sign-out or teardown.
	ErrSessionSuperseded = errors.New("session.coordinator.superseded")
	// ErrCoordinatorStopped indicates the coordinator was stopped.
	ErrCoordinatorStopped = errors.New("session.coordinator.stopped")
	// ErrProviderUnavailable indicates no credential source is configured for the provider.
	ErrProviderUnavailable = errors.New("session.signin.provider_unavailable")
	// ErrMissingIdentityToken indicates a native credential came back without an identity token.
	ErrMissingIdentityToken = errors.New("session.signin.missing_identity_token")
	// ErrInvalidSession indicates a session without tokens or without a user.
	ErrInvalidSession = errors.New("session.invalid")
)

// Kind enumerates the failure outcomes the coordinator surfaces.
type Kind int

const (
	KindSignInFailed Kind = iota + 1
	KindSignInCancelled
	KindEmailDispatchFailed
	KindDeepLinkExchangeFailed
	KindSignOutBackendFailed
	KindAccountDeletionFailed
	KindNoActiveUser
	KindHydrationParseFailed
	KindSessionPersistFailed
)

var kindCodes = map[Kind]string{
	KindSignInFailed:           "auth.signin_failed",
	KindSignInCancelled:        "auth.signin_cancelled",
	KindEmailDispatchFailed:    "auth.email_dispatch_failed",
	KindDeepLinkExchangeFailed: "auth.deeplink_exchange_failed",
	KindSignOutBackendFailed:   "auth.signout_backend_failed",
	KindAccountDeletionFailed:  "auth.account_deletion_failed",
	KindNoActiveUser:           "auth.no_active_user",
	KindHydrationParseFailed:   "auth.hydration_parse_failed",
	KindSessionPersistFailed:   "auth.session_persist_failed",
}

// String returns the stable dotted code of the kind.
func (kind Kind) String() string {
	if code, ok := kindCodes[kind]; ok {
		return code
	}
	return "auth.unknown"
}

// AuthError is the single error type surfaced by the coordinator.
type AuthError struct {
	Kind      Kind
	Provider  Provider
	Operation string
	Cause     error
}

func (authError *AuthError) Error() string {
	message := authError.Kind.String()
	if authError.Provider != "" {
		message += "." + string(authError.Provider)
	}
	if authError.Operation != "" {
		message = authError.Operation + ": " + message
	}
	if authError.Cause != nil {
		message += ": " + authError.Cause.Error()
	}
	return message
}

func (authError *AuthError) Unwrap() error {
	return authError.Cause
}

// Is matches another *AuthError by kind so errors.Is(err, &AuthError{Kind: KindNoActiveUser}) works.
func (authError *AuthError) Is(target error) bool {
	var other *AuthError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == authError.Kind && (other.Provider == "" || other.Provider == authError.Provider)
}

func newAuthError(kind Kind, provider Provider, operation string, cause error) *AuthError {
	return &AuthError{Kind: kind, Provider: provider, Operation: operation, Cause: cause}
}

// KindOf returns the kind carried by err, or zero when err is not an *AuthError.
func KindOf(err error) Kind {
	var authError *AuthError
	if errors.As(err, &authError) {
		return authError.Kind
	}
	return 0
}

// Action is the follow-up a UI should offer for an error.
type Action string

const (
	ActionRetry Action = "retry"
	ActionLogin Action = "login"
	ActionBack  Action = "back"
	ActionHome  Action = "home"
)

// Presentation holds translation keys and the suggested action for an error kind.
type Presentation struct {
	TitleKey   string
	MessageKey string
	Action     Action
}

var defaultPresentation = Presentation{
	TitleKey:   "errors.titles.error",
	MessageKey: "errors.messages.unknown_error",
	Action:     ActionHome,
}

// Present maps err onto translation keys.
func Present(err error) Presentation {
	var authError *AuthError
	if !errors.As(err, &authError) {
		return defaultPresentation
	}
	switch authError.Kind {
	case KindSignInFailed:
		messageKey := "errors.messages.signin_failed"
		if authError.Provider != "" {
			messageKey = fmt.Sprintf("errors.messages.%s_signin_failed", authError.Provider)
		}
		return Presentation{TitleKey: "errors.titles.signin_failed", MessageKey: messageKey, Action: ActionRetry}
	case KindSignInCancelled:
		return Presentation{TitleKey: "errors.titles.signin_cancelled", MessageKey: fmt.Sprintf("errors.messages.%s_signin_cancelled", authError.Provider), Action: ActionBack}
	case KindEmailDispatchFailed:
		return Presentation{TitleKey: "errors.titles.signin_failed", MessageKey: "errors.messages.email_signin_failed", Action: ActionRetry}
	case KindDeepLinkExchangeFailed:
		return Presentation{TitleKey: "errors.titles.invalid_redirect", MessageKey: "errors.messages.invalid_redirect", Action: ActionLogin}
	case KindAccountDeletionFailed:
		return Presentation{TitleKey: "errors.titles.delete_account_failed", MessageKey: "errors.messages.delete_account_failed", Action: ActionRetry}
	case KindNoActiveUser, KindHydrationParseFailed:
		return Presentation{TitleKey: "errors.titles.session_expired", MessageKey: "errors.messages.session_expired", Action: ActionLogin}
	default:
		return defaultPresentation
	}
}
