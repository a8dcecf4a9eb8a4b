package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator validates Google-issued ID tokens for an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

var newGoogleTokenValidator = func(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// NewGoogleTokenValidator builds the default idtoken-backed validator.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return newGoogleTokenValidator(ctx)
}

var errInvalidGoogleIssuer = errors.New("session.signin.google.invalid_issuer")

// VerifiedGoogleCredentials wraps a native Google credential source and rejects tokens minted for another client.
type VerifiedGoogleCredentials struct {
	Source    CredentialSource
	Validator GoogleTokenValidator
	Audience  string
}

// RequestCredential runs the native sheet and validates the returned ID token.
func (credentials VerifiedGoogleCredentials) RequestCredential(ctx context.Context) (NativeCredential, error) {
	credential, err := credentials.Source.RequestCredential(ctx)
	if err != nil {
		return NativeCredential{}, err
	}
	if strings.TrimSpace(credential.IDToken) == "" {
		return NativeCredential{}, ErrMissingIdentityToken
	}
	payload, validateErr := credentials.Validator.Validate(ctx, credential.IDToken, credentials.Audience)
	if validateErr != nil {
		return NativeCredential{}, fmt.Errorf("session.signin.google.validate: %w", validateErr)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return NativeCredential{}, errInvalidGoogleIssuer
	}
	return credential, nil
}
