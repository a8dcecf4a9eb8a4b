package authkit

import "context"

// SecureStore persists small secrets on the device. Get returns ErrSessionNotFound when the key is absent.
type SecureStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// AuthEvent names a backend-pushed auth state change.
type AuthEvent string

const (
	AuthEventSignedIn       AuthEvent = "SIGNED_IN"
	AuthEventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	AuthEventSignedOut      AuthEvent = "SIGNED_OUT"
)

// AuthStateListener receives backend auth state changes.
type AuthStateListener func(event AuthEvent, session *Session)

// FragmentTokens are the implicit-flow tokens carried in a redirect URL fragment.
type FragmentTokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	ExpiresAt    int64
}

// FunctionResult is the decoded body of a successful secure function call.
type FunctionResult struct {
	Status int
	Body   []byte
}

// IdentityBackend issues and revokes sessions.
type IdentityBackend interface {
	ExchangeIDToken(ctx context.Context, provider Provider, idToken string, nonce string) (*Session, error)
	AuthorizeURL(ctx context.Context, provider Provider) (string, error)
	ExchangeOAuthCode(ctx context.Context, code string) (*Session, error)
	RestoreSession(ctx context.Context, tokens FragmentTokens) (*Session, error)
	SendMagicLink(ctx context.Context, email string) error
	SignOut(ctx context.Context) error
	CurrentSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(listener AuthStateListener) (unsubscribe func())
	InvokeSecureFunction(ctx context.Context, name string, accessToken string) (FunctionResult, error)
}

// SessionAdopter is implemented by backends that need the hydrated session to keep refreshing it.
// AdoptSession runs under the coordinator lock and must not block or emit auth events.
type SessionAdopter interface {
	AdoptSession(session *Session)
}

// DeepLinkSource delivers redirect URLs to the running process.
type DeepLinkSource interface {
	InitialURL(ctx context.Context) (string, bool, error)
	OnURL(listener func(rawURL string)) (unsubscribe func())
}

// NativeCredential is produced by a platform sign-in sheet.
type NativeCredential struct {
	IDToken string
	Nonce   string
}

// CredentialSource runs a native sign-in sheet. It returns ErrUserCancelled when the user backs out.
type CredentialSource interface {
	RequestCredential(ctx context.Context) (NativeCredential, error)
}

// BrowserResultType describes how an auth browser session ended.
type BrowserResultType string

const (
	BrowserResultSuccess BrowserResultType = "success"
	BrowserResultCancel  BrowserResultType = "cancel"
	BrowserResultDismiss BrowserResultType = "dismiss"
)

// BrowserResult is returned by a BrowserLauncher.
type BrowserResult struct {
	Type BrowserResultType
	URL  string
}

// BrowserLauncher opens an authorization URL and waits for the redirect back to the app.
type BrowserLauncher interface {
	OpenAuthSession(ctx context.Context, authorizeURL string) (BrowserResult, error)
}

// ErrorReporter receives failures that have no caller to return to.
type ErrorReporter interface {
	Report(ctx context.Context, operation string, err error)
}
