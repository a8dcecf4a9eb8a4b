package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultListenAddr  = "127.0.0.1:54321"
	defaultDatabaseURL = "sqlite://sessiond.db"

	configCodeMissingSupabaseURL      = "config.missing_supabase_url"
	configCodeInvalidSupabaseURL      = "config.invalid_supabase_url"
	configCodeMissingAnonKey          = "config.missing_supabase_anon_key"
	configCodeInvalidRedirectURL      = "config.invalid_redirect_url"
	configCodeInvalidListenAddr       = "config.invalid_listen_addr"
	configCodeInvalidEncryptionKey    = "config.invalid_encryption_key"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeInvalidMagicLinkWindow  = "config.invalid_magic_link_interval"
	configCodeInvalidRefreshMargin    = "config.invalid_refresh_margin"
	configCodeInvalidSignInTimeout    = "config.invalid_signin_timeout"
	configCodeUninitializedConfig     = "config.uninitialized_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeMissingDeleteFunction   = "config.missing_delete_function"
	configCodeRedirectOutsideListener = "config.redirect_outside_listener"
)

// SessiondConfig is the validated configuration shared by every command.
type SessiondConfig struct {
	SupabaseURL        string
	SupabaseAnonKey    string
	RedirectURL        string
	DatabaseURL        string
	EncryptionKey      []byte
	ListenAddr         string
	EnableCORS         bool
	CORSAllowedOrigins []string
	GoogleWebClientID  string
	DeleteFunctionName string
	MagicLinkInterval  time.Duration
	RefreshMargin      time.Duration
	SignInTimeout      time.Duration
	Debug              bool
}

type contextKey string

const sessiondConfigContextKey contextKey = "sessiondConfig"

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func prepareConfig(command *cobra.Command, arguments []string) error {
	config, loadErr := LoadConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, sessiondConfigContextKey, config))
	return nil
}

func configFromCommand(command *cobra.Command) (SessiondConfig, error) {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(sessiondConfigContextKey)
	}
	config, ok := contextValue.(SessiondConfig)
	if !ok {
		return SessiondConfig{}, configError(configCodeUninitializedConfig, "configuration not prepared; PersistentPreRunE must execute before RunE")
	}
	return config, nil
}

// LoadConfig reads and validates configuration from viper.
func LoadConfig() (SessiondConfig, error) {
	supabaseURL := strings.TrimSpace(viper.GetString("supabase_url"))
	if supabaseURL == "" {
		return SessiondConfig{}, configError(configCodeMissingSupabaseURL, "supabase_url must be provided")
	}
	if parsed, err := url.Parse(supabaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return SessiondConfig{}, configError(configCodeInvalidSupabaseURL, "supabase_url must be an absolute URL")
	}

	anonKey := strings.TrimSpace(viper.GetString("supabase_anon_key"))
	if anonKey == "" {
		return SessiondConfig{}, configError(configCodeMissingAnonKey, "supabase_anon_key must be provided")
	}

	listenAddr := strings.TrimSpace(viper.GetString("listen_addr"))
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}
	listenHost, _, splitErr := net.SplitHostPort(listenAddr)
	if splitErr != nil || !isLoopbackHost(listenHost) {
		return SessiondConfig{}, configError(configCodeInvalidListenAddr, "listen_addr must be a loopback host:port")
	}

	redirectURL := strings.TrimSpace(viper.GetString("redirect_url"))
	if redirectURL == "" {
		redirectURL = "http://" + listenAddr + "/callback"
	}
	parsedRedirect, redirectErr := url.Parse(redirectURL)
	if redirectErr != nil || parsedRedirect.Scheme == "" || parsedRedirect.Host == "" || parsedRedirect.RawQuery != "" || parsedRedirect.Fragment != "" {
		return SessiondConfig{}, configError(configCodeInvalidRedirectURL, "redirect_url must be an absolute URL without query or fragment")
	}
	if parsedRedirect.Scheme == "http" && !isLoopbackHost(parsedRedirect.Hostname()) {
		return SessiondConfig{}, configError(configCodeRedirectOutsideListener, "http redirect_url must point at the loopback listener")
	}

	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	if databaseURL == "" {
		return SessiondConfig{}, configError(configCodeMissingDatabaseURL, "database_url must be provided")
	}

	var encryptionKey []byte
	if encodedKey := strings.TrimSpace(viper.GetString("encryption_key")); encodedKey != "" {
		decoded, decodeErr := base64.StdEncoding.DecodeString(encodedKey)
		if decodeErr != nil || len(decoded) != 32 {
			return SessiondConfig{}, configError(configCodeInvalidEncryptionKey, "encryption_key must be 32 bytes of standard base64")
		}
		encryptionKey = decoded
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return SessiondConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	deleteFunctionName := strings.TrimSpace(viper.GetString("delete_function"))
	if deleteFunctionName == "" {
		return SessiondConfig{}, configError(configCodeMissingDeleteFunction, "delete_function must be provided")
	}

	magicLinkInterval := viper.GetDuration("magic_link_interval")
	if magicLinkInterval <= 0 {
		return SessiondConfig{}, configError(configCodeInvalidMagicLinkWindow, "magic_link_interval must be greater than zero")
	}
	refreshMargin := viper.GetDuration("refresh_margin")
	if refreshMargin <= 0 {
		return SessiondConfig{}, configError(configCodeInvalidRefreshMargin, "refresh_margin must be greater than zero")
	}
	signInTimeout := viper.GetDuration("signin_timeout")
	if signInTimeout <= 0 {
		return SessiondConfig{}, configError(configCodeInvalidSignInTimeout, "signin_timeout must be greater than zero")
	}

	return SessiondConfig{
		SupabaseURL:        supabaseURL,
		SupabaseAnonKey:    anonKey,
		RedirectURL:        redirectURL,
		DatabaseURL:        databaseURL,
		EncryptionKey:      encryptionKey,
		ListenAddr:         listenAddr,
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
		GoogleWebClientID:  strings.TrimSpace(viper.GetString("google_web_client_id")),
		DeleteFunctionName: deleteFunctionName,
		MagicLinkInterval:  magicLinkInterval,
		RefreshMargin:      refreshMargin,
		SignInTimeout:      signInTimeout,
		Debug:              viper.GetBool("debug"),
	}, nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
