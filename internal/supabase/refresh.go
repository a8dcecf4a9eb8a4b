package supabase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const refreshRetryDelay = 10 * time.Second

// RunAutoRefresh refreshes the session RefreshMargin before it expires until ctx is done.
func (client *Client) RunAutoRefresh(ctx context.Context) error {
	for {
		wait, ok := client.nextRefreshDelay()
		var timer <-chan time.Time
		var stopTimer func() bool
		if ok {
			scheduled := time.NewTimer(wait)
			timer = scheduled.C
			stopTimer = scheduled.Stop
		}

		select {
		case <-ctx.Done():
			if stopTimer != nil {
				stopTimer()
			}
			return ctx.Err()
		case <-client.sessionChanged:
			if stopTimer != nil {
				stopTimer()
			}
			continue
		case <-timer:
		}

		if _, err := client.RefreshSession(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			client.logger.Warn("session refresh failed",
				zap.String("code", "supabase.refresh.failed"),
				zap.Error(err))
			if !client.waitRetry(ctx) {
				return ctx.Err()
			}
		}
	}
}

// nextRefreshDelay reports how long to wait before refreshing; false when there is nothing to refresh.
func (client *Client) nextRefreshDelay() (time.Duration, bool) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.session == nil || client.session.RefreshToken == "" || client.session.ExpiresAt == 0 {
		return 0, false
	}
	due := client.session.ExpiresAtTime().Add(-client.refreshMargin)
	wait := due.Sub(client.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (client *Client) waitRetry(ctx context.Context) bool {
	timer := time.NewTimer(refreshRetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-client.sessionChanged:
		return true
	case <-timer.C:
		return true
	}
}
