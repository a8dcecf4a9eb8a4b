package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireHydrated answers 503 until hydrated is closed so callers never observe the provisional state.
func RequireHydrated(hydrated <-chan struct{}) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		select {
		case <-hydrated:
			contextGin.Next()
		default:
			contextGin.Header("Retry-After", "1")
			contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "session.hydrating",
			})
		}
	}
}
