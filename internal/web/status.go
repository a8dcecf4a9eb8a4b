package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/sessiond/internal/authkit"
	"github.com/tyemirov/sessiond/pkg/accesstoken"
	"go.uber.org/zap"
)

// SnapshotSource exposes the coordinator's current state.
type SnapshotSource interface {
	Snapshot() authkit.Snapshot
}

type userStatus struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider,omitempty"`
}

type sessionStatus struct {
	State        string      `json:"state"`
	Hydrated     bool        `json:"hydrated"`
	Generation   uint64      `json:"generation"`
	User         *userStatus `json:"user"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	SessionID    string      `json:"session_id,omitempty"`
	TokenExpired bool        `json:"token_expired"`
}

// HandleSessionStatus reports the current session without exposing tokens.
func HandleSessionStatus(logger *zap.Logger, source SnapshotSource, inspector *accesstoken.Inspector) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if source == nil {
		panic("snapshot source is required")
	}
	if inspector == nil {
		inspector = accesstoken.New(accesstoken.Config{})
	}

	return func(contextGin *gin.Context) {
		snapshot := source.Snapshot()
		status := sessionStatus{
			State:      snapshot.State.String(),
			Hydrated:   snapshot.Hydrated,
			Generation: snapshot.Generation,
		}
		if snapshot.User != nil {
			status.User = &userStatus{
				ID:       snapshot.User.ID,
				Email:    snapshot.User.Email,
				Provider: snapshot.User.AppMetadata.Provider,
			}
		}
		if snapshot.Session != nil {
			claims, inspectErr := inspector.Inspect(snapshot.Session.AccessToken)
			switch {
			case inspectErr == nil:
			case errors.Is(inspectErr, accesstoken.ErrTokenExpired):
				status.TokenExpired = true
			default:
				logger.Warn("access token unreadable",
					zap.String("code", "api.session.token_unreadable"),
					zap.Error(inspectErr))
			}
			if claims != nil {
				status.SessionID = claims.SessionID
				if expiresAt := claims.GetExpiresAt(); !expiresAt.IsZero() {
					status.ExpiresAt = &expiresAt
				}
			}
			if status.ExpiresAt == nil {
				if expiresAt := snapshot.Session.ExpiresAtTime(); !expiresAt.IsZero() {
					status.ExpiresAt = &expiresAt
				}
			}
		}
		contextGin.Header("Cache-Control", "no-store")
		contextGin.JSON(http.StatusOK, status)
	}
}
