package authkit

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// OpenURL resolves an auth redirect URL into a session. Links outside the callback prefix return
// ErrNotAuthLink. Duplicate deliveries of a consumed link return nil without another transition.
func (coordinator *SessionCoordinator) OpenURL(ctx context.Context, rawURL string) error {
	_, err := coordinator.resolveLink(ctx, rawURL)
	return err
}

func (coordinator *SessionCoordinator) handleInitialLink(ctx context.Context) {
	rawURL, ok, err := coordinator.links.InitialURL(ctx)
	if err != nil {
		coordinator.logger.Warn("failed to read initial url",
			zap.String("code", "session.deeplink.initial_url_failed"),
			zap.Error(err))
		return
	}
	if !ok {
		return
	}
	coordinator.handleDeliveredLink(ctx, rawURL)
}

// handleDeliveredLink processes a URL that has no caller; failures go to the reporter.
func (coordinator *SessionCoordinator) handleDeliveredLink(ctx context.Context, rawURL string) {
	_, err := coordinator.resolveLink(ctx, rawURL)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotAuthLink), errors.Is(err, ErrSessionSuperseded), errors.Is(err, ErrCoordinatorStopped):
	default:
		coordinator.reporter.Report(ctx, "deeplink", err)
	}
}

// resolveLink returns the session the link produced, or the current session for a duplicate delivery.
func (coordinator *SessionCoordinator) resolveLink(ctx context.Context, rawURL string) (*Session, error) {
	epoch, err := coordinator.currentEpoch()
	if err != nil {
		return nil, err
	}
	return coordinator.resolveLinkAt(ctx, rawURL, epoch)
}

// resolveLinkAt resolves rawURL on behalf of an operation that captured epoch earlier.
func (coordinator *SessionCoordinator) resolveLinkAt(ctx context.Context, rawURL string, epoch uint64) (*Session, error) {
	if !coordinator.matcher.Matches(rawURL) {
		coordinator.metrics.Increment(eventDeepLinkIgnored)
		return nil, ErrNotAuthLink
	}
	payload, parseErr := ParseLink(rawURL)
	if parseErr != nil {
		coordinator.metrics.Increment(eventDeepLinkIgnored)
		if errors.Is(parseErr, ErrNotAuthLink) {
			return nil, ErrNotAuthLink
		}
		return nil, newAuthError(KindDeepLinkExchangeFailed, "", "deeplink", parseErr)
	}
	if payload.Kind == LinkPayloadError {
		coordinator.metrics.Increment(eventDeepLinkFailed)
		return nil, newAuthError(KindDeepLinkExchangeFailed, "", "deeplink", &LinkError{
			Code:        payload.ErrorCode,
			Description: payload.ErrorDescription,
		})
	}

	credential := payload.Credential()
	result, exchangeErr, _ := coordinator.exchange.Do(hashCredential(credential), func() (any, error) {
		return coordinator.exchangeLink(ctx, payload, credential, epoch)
	})
	if errors.Is(exchangeErr, ErrLinkAlreadyConsumed) {
		return coordinator.Session(), nil
	}
	if exchangeErr != nil {
		return nil, exchangeErr
	}
	return result.(*Session), nil
}

func (coordinator *SessionCoordinator) exchangeLink(ctx context.Context, payload LinkPayload, credential string, epoch uint64) (*Session, error) {
	if err := coordinator.ledger.Claim(credential); err != nil {
		coordinator.metrics.Increment(eventDeepLinkDuplicate)
		return nil, err
	}
	current, epochErr := coordinator.currentEpoch()
	if epochErr != nil {
		return nil, epochErr
	}
	if current != epoch {
		coordinator.metrics.Increment(eventDiscardedStale)
		coordinator.logger.Info("discarding link delivered for a signed-out flow",
			zap.String("code", "session.discarded.stale"),
			zap.String("source", "deeplink"))
		return nil, ErrSessionSuperseded
	}

	var session *Session
	var err error
	switch payload.Kind {
	case LinkPayloadTokens:
		session, err = coordinator.backend.RestoreSession(ctx, payload.Tokens)
	default:
		session, err = coordinator.backend.ExchangeOAuthCode(ctx, payload.Code)
	}
	if errors.Is(err, ErrCodeAlreadyUsed) {
		coordinator.metrics.Increment(eventDeepLinkDuplicate)
		coordinator.logger.Info("deep link already exchanged",
			zap.String("code", "session.deeplink.duplicate"))
		return nil, ErrLinkAlreadyConsumed
	}
	if err != nil {
		coordinator.ledger.Release(credential)
		coordinator.metrics.Increment(eventDeepLinkFailed)
		return nil, newAuthError(KindDeepLinkExchangeFailed, "", "deeplink", err)
	}
	if validateErr := session.Validate(); validateErr != nil {
		coordinator.ledger.Release(credential)
		coordinator.metrics.Increment(eventDeepLinkFailed)
		return nil, newAuthError(KindDeepLinkExchangeFailed, "", "deeplink", validateErr)
	}

	if applyErr := coordinator.applyAuthenticated(ctx, session, epoch, true, "deeplink"); applyErr != nil {
		return nil, applyErr
	}
	coordinator.metrics.Increment(eventDeepLinkExchanged)
	return session, nil
}
