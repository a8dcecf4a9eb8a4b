package web

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	webassets "github.com/tyemirov/sessiond/web"
	"go.uber.org/zap"
)

// LinkSink receives auth redirect URLs captured by the callback server.
type LinkSink interface {
	Deliver(rawURL string) int
}

type fragmentPayload struct {
	Fragment string `json:"fragment" binding:"required"`
}

// HandleCallback forwards the query of an auth redirect to sinks and serves the callback page. The page
// posts the URL fragment back because browsers never send it to the server.
func HandleCallback(logger *zap.Logger, redirectURL string, sinks ...LinkSink) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := callbackBase(redirectURL)
	return func(contextGin *gin.Context) {
		if rawQuery := contextGin.Request.URL.RawQuery; rawQuery != "" {
			delivered := deliver(sinks, base+"?"+rawQuery)
			logger.Info("auth redirect received",
				zap.String("code", "web.callback.query"),
				zap.Int("listeners", delivered))
		}
		ServeEmbeddedPage(contextGin, webassets.CallbackPageName)
	}
}

// HandleCallbackFragment forwards a fragment posted by the callback page. Only a JSON post from the
// callback page's own loopback origin is accepted, so other sites cannot inject tokens.
func HandleCallbackFragment(logger *zap.Logger, redirectURL string, sinks ...LinkSink) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := callbackBase(redirectURL)
	callbackOrigin := ""
	if origin, err := normalizeOrigin(originOf(base)); err == nil {
		callbackOrigin = origin.String()
	}
	return func(contextGin *gin.Context) {
		if contextGin.ContentType() != gin.MIMEJSON {
			logger.Warn("fragment post with unexpected content type",
				zap.String("code", "web.callback.fragment_content_type"),
				zap.String("content_type", contextGin.ContentType()))
			contextGin.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "web.callback.fragment_content_type"})
			return
		}
		if !isCallbackOrigin(contextGin.Request, callbackOrigin) {
			logger.Warn("fragment post from foreign origin",
				zap.String("code", "web.callback.fragment_forbidden_origin"),
				zap.String("origin", contextGin.GetHeader("Origin")),
				zap.String("fetch_site", contextGin.GetHeader("Sec-Fetch-Site")))
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "web.callback.fragment_forbidden_origin"})
			return
		}
		var payload fragmentPayload
		if err := contextGin.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.Fragment) == "" {
			logger.Warn("invalid fragment payload",
				zap.String("code", "web.callback.fragment_invalid"))
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "web.callback.fragment_invalid"})
			return
		}
		delivered := deliver(sinks, base+"#"+strings.TrimPrefix(payload.Fragment, "#"))
		logger.Info("auth redirect fragment received",
			zap.String("code", "web.callback.fragment"),
			zap.Int("listeners", delivered))
		contextGin.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
	}
}

// ServeEmbeddedPage writes an embedded HTML page that must not be cached.
func ServeEmbeddedPage(contextGin *gin.Context, name string) {
	data, readErr := webassets.FS.ReadFile(name)
	if readErr != nil {
		contextGin.AbortWithStatus(http.StatusNotFound)
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.Header("Referrer-Policy", "no-referrer")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

// isCallbackOrigin accepts requests whose Origin is the configured callback origin or the loopback host
// the request was addressed to.
func isCallbackOrigin(request *http.Request, callbackOrigin string) bool {
	if site := request.Header.Get("Sec-Fetch-Site"); site != "" && site != "same-origin" {
		return false
	}
	rawOrigin := strings.TrimSpace(request.Header.Get("Origin"))
	if rawOrigin == "" {
		return false
	}
	origin, err := normalizeOrigin(rawOrigin)
	if err != nil {
		return false
	}
	if origin.String() == callbackOrigin {
		return true
	}
	return isLoopbackHost(origin.Hostname()) && strings.EqualFold(origin.Host, request.Host)
}

func originOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

func deliver(sinks []LinkSink, rawURL string) int {
	delivered := 0
	for _, sink := range sinks {
		if sink != nil {
			delivered += sink.Deliver(rawURL)
		}
	}
	return delivered
}

func callbackBase(redirectURL string) string {
	base := strings.TrimSpace(redirectURL)
	if index := strings.IndexAny(base, "?#"); index >= 0 {
		base = base[:index]
	}
	return base
}
