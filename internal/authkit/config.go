package authkit

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultLinkReplayWindow   = 10 * time.Minute
	defaultSignOutTimeout     = 10 * time.Second
	defaultDeleteFunctionName = "user-self-delete"
)

// CoordinatorConfig wires a SessionCoordinator to its collaborators.
type CoordinatorConfig struct {
	Store   SecureStore
	Backend IdentityBackend
	// Links is optional; without it only sign-in results and backend events produce sessions.
	Links DeepLinkSource

	AppleCredentials  CredentialSource
	GoogleCredentials CredentialSource
	Browser           BrowserLauncher

	// RedirectURL restricts which deep links are treated as auth callbacks.
	RedirectURL string
	// DeleteFunctionName is the privileged backend function that removes the account.
	DeleteFunctionName string
	// SignOutTimeout bounds the backend sign-out call; local clearing never waits longer.
	SignOutTimeout time.Duration
	// LinkReplayWindow is how long a consumed link is remembered.
	LinkReplayWindow time.Duration

	Logger   *zap.Logger
	Metrics  MetricsRecorder
	Reporter ErrorReporter
	Clock    func() time.Time
}
