package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/sessiond/internal/authkit"
	"github.com/tyemirov/sessiond/internal/supabase"
	"github.com/tyemirov/sessiond/internal/web"
	"github.com/tyemirov/sessiond/pkg/accesstoken"
	"go.uber.org/zap"
)

const (
	sessionNamespace  = "session"
	verifierNamespace = "pkce"
	encryptionKeyID   = "sessiond-v1"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

// openBrowser shows the authorize URL to the user.
var openBrowser = func(output io.Writer) func(string) error {
	return func(authorizeURL string) error {
		_, err := fmt.Fprintf(output, "Open this URL in your browser to continue:\n%s\n", authorizeURL)
		return err
	}
}

// runtimeOptions carries per-command collaborators.
type runtimeOptions struct {
	AppleIDToken  string
	GoogleIDToken string
	Prompt        io.Writer
}

// sessionRuntime owns every collaborator of a coordinator for the lifetime of one command.
type sessionRuntime struct {
	config      SessiondConfig
	logger      *zap.Logger
	database    *authkit.DatabaseSecureStore
	client      *supabase.Client
	links       *authkit.LinkBroadcaster
	browser     *web.LoopbackBrowser
	registry    *prometheus.Registry
	coordinator *authkit.SessionCoordinator
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildRuntime(ctx context.Context, config SessiondConfig, logger *zap.Logger, options runtimeOptions) (*sessionRuntime, error) {
	database, storeErr := authkit.NewDatabaseSecureStore(ctx, config.DatabaseURL, sessionNamespace)
	if storeErr != nil {
		return nil, storeErr
	}
	var sessionStore authkit.SecureStore = database
	var verifierStore authkit.SecureStore = database.WithNamespace(verifierNamespace)
	if len(config.EncryptionKey) > 0 {
		encryptedSessions, encryptErr := authkit.NewEncryptedSecureStore(sessionStore, config.EncryptionKey, encryptionKeyID)
		if encryptErr != nil {
			_ = database.Close()
			return nil, encryptErr
		}
		encryptedVerifiers, encryptErr := authkit.NewEncryptedSecureStore(verifierStore, config.EncryptionKey, encryptionKeyID)
		if encryptErr != nil {
			_ = database.Close()
			return nil, encryptErr
		}
		sessionStore = encryptedSessions
		verifierStore = encryptedVerifiers
	}
	logger.Info("using persistent secure store",
		zap.String("driver", database.Driver()),
		zap.Bool("encrypted", len(config.EncryptionKey) > 0))

	client, clientErr := supabase.NewClient(supabase.Config{
		ProjectURL:        config.SupabaseURL,
		AnonKey:           config.SupabaseAnonKey,
		RedirectURL:       config.RedirectURL,
		VerifierStore:     verifierStore,
		MagicLinkInterval: config.MagicLinkInterval,
		RefreshMargin:     config.RefreshMargin,
		Logger:            logger,
	})
	if clientErr != nil {
		_ = database.Close()
		return nil, clientErr
	}

	prompt := options.Prompt
	if prompt == nil {
		prompt = io.Discard
	}
	links := authkit.NewLinkBroadcaster("")
	browser := web.NewLoopbackBrowser(openBrowser(prompt), config.SignInTimeout)
	registry := prometheus.NewRegistry()

	coordinatorConfig := authkit.CoordinatorConfig{
		Store:              sessionStore,
		Backend:            client,
		Links:              links,
		Browser:            browser,
		RedirectURL:        config.RedirectURL,
		DeleteFunctionName: config.DeleteFunctionName,
		Logger:             logger,
		Metrics:            authkit.NewPrometheusMetrics(registry),
	}
	if token := strings.TrimSpace(options.AppleIDToken); token != "" {
		coordinatorConfig.AppleCredentials = staticCredential{idToken: token}
	}
	if token := strings.TrimSpace(options.GoogleIDToken); token != "" {
		var googleSource authkit.CredentialSource = staticCredential{idToken: token}
		if config.GoogleWebClientID != "" {
			validator, validatorErr := buildGoogleTokenValidator(ctx)
			if validatorErr != nil {
				_ = database.Close()
				return nil, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
			}
			googleSource = authkit.VerifiedGoogleCredentials{
				Source:    googleSource,
				Validator: validator,
				Audience:  config.GoogleWebClientID,
			}
		}
		coordinatorConfig.GoogleCredentials = googleSource
	}

	coordinator, coordinatorErr := authkit.NewSessionCoordinator(coordinatorConfig)
	if coordinatorErr != nil {
		_ = database.Close()
		return nil, coordinatorErr
	}
	return &sessionRuntime{
		config:      config,
		logger:      logger,
		database:    database,
		client:      client,
		links:       links,
		browser:     browser,
		registry:    registry,
		coordinator: coordinator,
	}, nil
}

// start runs the coordinator and waits until hydration finishes.
func (host *sessionRuntime) start(ctx context.Context) error {
	if err := host.coordinator.Start(ctx); err != nil {
		return err
	}
	select {
	case <-host.coordinator.Hydrated():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (host *sessionRuntime) close() {
	host.coordinator.Stop()
	if err := host.database.Close(); err != nil {
		host.logger.Warn("failed to close secure store",
			zap.String("code", "sessiond.store.close_failed"),
			zap.Error(err))
	}
}

func (host *sessionRuntime) newServer() (*http.Server, error) {
	router, err := web.NewRouter(web.RouterConfig{
		Logger:         host.logger,
		Coordinator:    host.coordinator,
		RedirectURL:    host.config.RedirectURL,
		Sinks:          []web.LinkSink{host.links, host.browser},
		Inspector:      accesstoken.New(accesstoken.Config{}),
		MetricsHandler: promhttp.HandlerFor(host.registry, promhttp.HandlerOpts{}),
		CORSOrigins:    host.corsOrigins(),
		Middleware:     []gin.HandlerFunc{zapLoggerMiddleware(host.logger)},
		ClientConfig: web.ClientConfig{
			BaseURL:        "http://" + host.config.ListenAddr,
			GoogleClientID: host.config.GoogleWebClientID,
		},
	})
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              host.config.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func (host *sessionRuntime) corsOrigins() []string {
	if !host.config.EnableCORS {
		return nil
	}
	return host.config.CORSAllowedOrigins
}

// serveInBackground runs the loopback server until the returned stop function is called.
func (host *sessionRuntime) serveInBackground() (func(), error) {
	server, err := host.newServer()
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if serveErr := serveHTTP(server); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			host.logger.Error("loopback server failed",
				zap.String("code", "sessiond.server.failed"),
				zap.Error(serveErr))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		<-done
	}, nil
}

type staticCredential struct {
	idToken string
}

func (credential staticCredential) RequestCredential(ctx context.Context) (authkit.NativeCredential, error) {
	return authkit.NativeCredential{IDToken: credential.idToken}, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
