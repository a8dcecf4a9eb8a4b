package authkit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider names an identity provider accepted by the backend.
type Provider string

const (
	ProviderApple  Provider = "apple"
	ProviderGoogle Provider = "google"
	ProviderEmail  Provider = "email"
)

// User is the identity record embedded in a Session.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email,omitempty"`
	Phone        string         `json:"phone,omitempty"`
	Role         string         `json:"role,omitempty"`
	Audience     string         `json:"aud,omitempty"`
	AppMetadata  AppMetadata    `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastSignInAt time.Time      `json:"last_sign_in_at"`
}

// AppMetadata carries provider information assigned by the backend.
type AppMetadata struct {
	Provider  string   `json:"provider,omitempty"`
	Providers []string `json:"providers,omitempty"`
}

// Session is the credential bundle issued by the identity backend. Sessions are replaced wholesale, never edited.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// Validate enforces that a non-nil Session carries tokens and a user with an id.
func (session *Session) Validate() error {
	if session == nil {
		return fmt.Errorf("session.validate: %w", ErrInvalidSession)
	}
	if strings.TrimSpace(session.AccessToken) == "" {
		return fmt.Errorf("session.validate.access_token: %w", ErrInvalidSession)
	}
	if session.User == nil || strings.TrimSpace(session.User.ID) == "" {
		return fmt.Errorf("session.validate.user: %w", ErrInvalidSession)
	}
	return nil
}

// ExpiresAtTime converts ExpiresAt to a time; zero when unknown.
func (session *Session) ExpiresAtTime() time.Time {
	if session == nil || session.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(session.ExpiresAt, 0).UTC()
}

// Expired reports whether the access token is past its expiry at now.
func (session *Session) Expired(now time.Time) bool {
	expiresAt := session.ExpiresAtTime()
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

// SessionStorageKey is the secure-store key owned by the coordinator.
const SessionStorageKey = "session"

const persistedRecordVersion = 1

type persistedSessionRecord struct {
	Version int      `json:"version"`
	Session *Session `json:"session"`
}

// EncodeSession serializes a session into its persisted record form.
func EncodeSession(session *Session) ([]byte, error) {
	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("session.encode: %w", err)
	}
	encoded, err := json.Marshal(persistedSessionRecord{Version: persistedRecordVersion, Session: session})
	if err != nil {
		return nil, fmt.Errorf("session.encode: %w", err)
	}
	return encoded, nil
}

// DecodeSession parses a persisted record. DecodeSession(EncodeSession(s)) equals s.
func DecodeSession(data []byte) (*Session, error) {
	var record persistedSessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("session.decode: %w", err)
	}
	if record.Version != persistedRecordVersion {
		return nil, fmt.Errorf("session.decode.version_%d: %w", record.Version, ErrInvalidSession)
	}
	if err := record.Session.Validate(); err != nil {
		return nil, fmt.Errorf("session.decode: %w", err)
	}
	return record.Session, nil
}
