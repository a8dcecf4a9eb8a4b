package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors: wildcard origin not allowed")
	errEmptyAllowedOrigins = errors.New("cors: no explicit origins provided")
	errInvalidOrigin       = errors.New("cors: invalid origin format")
)

// ConfigureCORS lets a local front-end read the session status from the listed origins. Plain http is
// accepted for loopback origins only; anything else must be https.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make([]string, 0, len(allowedOrigins))
	seen := make(map[string]struct{}, len(allowedOrigins))
	for _, raw := range allowedOrigins {
		trimmed := strings.TrimSpace(raw)
		switch trimmed {
		case "":
			continue
		case "*":
			return nil, errWildcardOrigin
		}
		origin, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[origin.String()]; duplicate {
			continue
		}
		seen[origin.String()] = struct{}{}
		origins = append(origins, origin.String())
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	logger.Debug("cors origins configured",
		zap.String("code", "web.cors.configured"),
		zap.Strings("origins", origins))

	return cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "X-Requested-With"},
		ExposeHeaders: []string{"Content-Type"},
		MaxAge:        12 * time.Hour,
	}), nil
}

// normalizeOrigin reduces raw to a bare scheme://host origin.
func normalizeOrigin(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	}
	if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" {
		return nil, fmt.Errorf("%w: %s is not a bare origin", errInvalidOrigin, raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme == "https":
	case scheme == "http" && isLoopbackHost(parsed.Hostname()):
	default:
		return nil, fmt.Errorf("%w: %s must be https or a loopback http origin", errInvalidOrigin, raw)
	}
	return &url.URL{Scheme: scheme, Host: strings.ToLower(parsed.Host)}, nil
}

// isLoopbackHost reports whether host names this machine.
func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
