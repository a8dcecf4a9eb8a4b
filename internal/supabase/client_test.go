package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/sessiond/internal/authkit"
	"golang.org/x/oauth2"
)

const testAnonKey = "anon-key"

var fixedNow = time.Unix(1700000000, 0)

type recordedEvent struct {
	event   authkit.AuthEvent
	session *authkit.Session
}

type eventRecorder struct {
	mutex  sync.Mutex
	events []recordedEvent
	signal chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{signal: make(chan struct{}, 16)}
}

func (recorder *eventRecorder) listen(event authkit.AuthEvent, session *authkit.Session) {
	recorder.mutex.Lock()
	recorder.events = append(recorder.events, recordedEvent{event: event, session: session})
	recorder.mutex.Unlock()
	recorder.signal <- struct{}{}
}

func (recorder *eventRecorder) names() []authkit.AuthEvent {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	names := make([]authkit.AuthEvent, 0, len(recorder.events))
	for _, item := range recorder.events {
		names = append(names, item.event)
	}
	return names
}

func sessionBody(userID string, accessToken string, expiresAt int64) map[string]any {
	return map[string]any{
		"access_token":  accessToken,
		"token_type":    "bearer",
		"expires_in":    3600,
		"expires_at":    expiresAt,
		"refresh_token": "refresh-" + accessToken,
		"user": map[string]any{
			"id":    userID,
			"email": userID + "@example.com",
			"aud":   "authenticated",
			"role":  "authenticated",
		},
	}
}

func writeJSON(t *testing.T, writer http.ResponseWriter, status int, body any) {
	t.Helper()
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func decodeBody(t *testing.T, request *http.Request) map[string]any {
	t.Helper()
	payload, err := io.ReadAll(request.Body)
	if err != nil {
		t.Errorf("read body: %v", err)
		return nil
	}
	decoded := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}
	return decoded
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *authkit.MemorySecureStore) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("apikey") != testAnonKey {
			writeJSON(t, writer, http.StatusUnauthorized, map[string]any{"message": "missing apikey"})
			return
		}
		handler.ServeHTTP(writer, request)
	}))
	t.Cleanup(server.Close)
	verifiers := authkit.NewMemorySecureStore()
	client, err := NewClient(Config{
		ProjectURL:    server.URL,
		AnonKey:       testAnonKey,
		RedirectURL:   "app://callback",
		VerifierStore: verifiers,
		HTTPClient:    server.Client(),
		Clock:         func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, verifiers
}

func TestNewClientValidatesConfig(t *testing.T) {
	t.Parallel()
	store := authkit.NewMemorySecureStore()
	testCases := []struct {
		name   string
		config Config
	}{
		{name: "missing url", config: Config{AnonKey: testAnonKey, VerifierStore: store}},
		{name: "relative url", config: Config{ProjectURL: "project.supabase.co", AnonKey: testAnonKey, VerifierStore: store}},
		{name: "missing anon key", config: Config{ProjectURL: "https://project.supabase.co", VerifierStore: store}},
		{name: "missing verifier store", config: Config{ProjectURL: "https://project.supabase.co", AnonKey: testAnonKey}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewClient(testCase.config); err == nil {
				t.Fatalf("expected config error")
			}
		})
	}
}

func TestExchangeIDTokenEmitsSignedIn(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/auth/v1/token" || request.URL.Query().Get("grant_type") != "id_token" {
			t.Errorf("unexpected request %s", request.URL)
		}
		body := decodeBody(t, request)
		if body["provider"] != "apple" || body["id_token"] != "apple-id-token" || body["nonce"] != "n1" {
			t.Errorf("unexpected body %v", body)
		}
		writeJSON(t, writer, http.StatusOK, sessionBody("u1", "access-1", 0))
	}))
	recorder := newEventRecorder()
	client.OnAuthStateChange(recorder.listen)

	session, err := client.ExchangeIDToken(context.Background(), authkit.ProviderApple, "apple-id-token", "n1")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if session.User.ID != "u1" || session.AccessToken != "access-1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.ExpiresAt != fixedNow.Unix()+3600 {
		t.Fatalf("expected expiry derived from expires_in, got %d", session.ExpiresAt)
	}
	if names := recorder.names(); len(names) != 1 || names[0] != authkit.AuthEventSignedIn {
		t.Fatalf("unexpected events %v", names)
	}
	current, _ := client.CurrentSession(context.Background())
	if current != session {
		t.Fatalf("expected current session to be the exchanged one")
	}
}

func TestAuthorizeURLStoresVerifier(t *testing.T) {
	t.Parallel()
	client, verifiers := newTestClient(t, http.NotFoundHandler())

	authorizeURL, err := client.AuthorizeURL(context.Background(), authkit.ProviderGoogle)
	if err != nil {
		t.Fatalf("authorize url: %v", err)
	}
	parsed, err := url.Parse(authorizeURL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Path != "/auth/v1/authorize" {
		t.Fatalf("unexpected path %s", parsed.Path)
	}
	query := parsed.Query()
	verifier, err := verifiers.Get(context.Background(), VerifierStorageKey)
	if err != nil {
		t.Fatalf("expected stored verifier: %v", err)
	}
	expected := map[string]string{
		"provider":              "google",
		"redirect_to":           "app://callback",
		"code_challenge":        oauth2.S256ChallengeFromVerifier(string(verifier)),
		"code_challenge_method": "s256",
		"access_type":           "offline",
		"prompt":                "select_account consent",
	}
	for key, value := range expected {
		if query.Get(key) != value {
			t.Fatalf("expected %s=%q, got %q", key, value, query.Get(key))
		}
	}
}

func TestExchangeOAuthCode(t *testing.T) {
	t.Parallel()

	t.Run("sends stored verifier", func(t *testing.T) {
		t.Parallel()
		var verifierSent string
		client, verifiers := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.Query().Get("grant_type") != "pkce" {
				t.Errorf("unexpected grant %s", request.URL.RawQuery)
			}
			body := decodeBody(t, request)
			verifierSent, _ = body["code_verifier"].(string)
			if body["auth_code"] != "abc123" {
				t.Errorf("unexpected auth code %v", body["auth_code"])
			}
			writeJSON(t, writer, http.StatusOK, sessionBody("u1", "access-1", fixedNow.Unix()+3600))
		}))
		if _, err := client.AuthorizeURL(context.Background(), authkit.ProviderGoogle); err != nil {
			t.Fatalf("authorize: %v", err)
		}
		stored, _ := verifiers.Get(context.Background(), VerifierStorageKey)

		session, err := client.ExchangeOAuthCode(context.Background(), "abc123")
		if err != nil {
			t.Fatalf("exchange: %v", err)
		}
		if session.User.ID != "u1" || verifierSent != string(stored) {
			t.Fatalf("unexpected exchange: session %+v verifier %q", session, verifierSent)
		}
		if _, err := verifiers.Get(context.Background(), VerifierStorageKey); !errors.Is(err, authkit.ErrSessionNotFound) {
			t.Fatalf("expected verifier to be deleted, got %v", err)
		}
	})

	t.Run("missing verifier counts as used", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			t.Errorf("backend must not be called without a verifier")
		}))
		if _, err := client.ExchangeOAuthCode(context.Background(), "abc123"); !errors.Is(err, authkit.ErrCodeAlreadyUsed) {
			t.Fatalf("expected code already used, got %v", err)
		}
	})

	for _, code := range []string{"flow_state_not_found", "flow_state_expired", "bad_code_verifier"} {
		code := code
		t.Run(code, func(t *testing.T) {
			t.Parallel()
			client, verifiers := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				writeJSON(t, writer, http.StatusBadRequest, map[string]any{"code": 400, "error_code": code, "msg": "invalid flow state"})
			}))
			if err := verifiers.Set(context.Background(), VerifierStorageKey, []byte("verifier")); err != nil {
				t.Fatalf("seed verifier: %v", err)
			}
			_, err := client.ExchangeOAuthCode(context.Background(), "abc123")
			var apiError *APIError
			if !errors.Is(err, authkit.ErrCodeAlreadyUsed) || !errors.As(err, &apiError) || apiError.Code != code {
				t.Fatalf("expected code already used wrapping %s, got %v", code, err)
			}
		})
	}

	t.Run("other failures pass through", func(t *testing.T) {
		t.Parallel()
		client, verifiers := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writeJSON(t, writer, http.StatusInternalServerError, map[string]any{"message": "database unavailable"})
		}))
		_ = verifiers.Set(context.Background(), VerifierStorageKey, []byte("verifier"))
		_, err := client.ExchangeOAuthCode(context.Background(), "abc123")
		if err == nil || errors.Is(err, authkit.ErrCodeAlreadyUsed) {
			t.Fatalf("expected plain failure, got %v", err)
		}
	})
}

func TestExchangeDiscardedAfterSignOut(t *testing.T) {
	t.Parallel()
	arrived := make(chan struct{})
	release := make(chan struct{})
	client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		close(arrived)
		<-release
		writeJSON(t, writer, http.StatusOK, sessionBody("u1", "access-1", fixedNow.Unix()+3600))
	}))
	recorder := newEventRecorder()
	client.OnAuthStateChange(recorder.listen)

	result := make(chan error, 1)
	go func() {
		_, err := client.ExchangeIDToken(context.Background(), authkit.ProviderApple, "token", "")
		result <- err
	}()
	<-arrived
	if err := client.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	close(release)

	if err := <-result; !errors.Is(err, authkit.ErrSessionSuperseded) {
		t.Fatalf("expected superseded, got %v", err)
	}
	if names := recorder.names(); len(names) != 1 || names[0] != authkit.AuthEventSignedOut {
		t.Fatalf("expected only SIGNED_OUT, got %v", names)
	}
	if current, _ := client.CurrentSession(context.Background()); current != nil {
		t.Fatalf("expected no session after sign-out")
	}
}

func TestRestoreSessionFetchesUser(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet || request.URL.Path != "/auth/v1/user" {
			t.Errorf("unexpected request %s %s", request.Method, request.URL)
		}
		if request.Header.Get("Authorization") != "Bearer fragment-access" {
			t.Errorf("unexpected authorization %q", request.Header.Get("Authorization"))
		}
		writeJSON(t, writer, http.StatusOK, map[string]any{"id": "u1", "email": "u1@example.com"})
	}))

	session, err := client.RestoreSession(context.Background(), authkit.FragmentTokens{
		AccessToken:  "fragment-access",
		RefreshToken: "fragment-refresh",
		ExpiresIn:    3600,
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if session.User.ID != "u1" || session.RefreshToken != "fragment-refresh" || session.TokenType != "bearer" {
		t.Fatalf("unexpected session %+v", session)
	}
	if session.ExpiresAt != fixedNow.Unix()+3600 {
		t.Fatalf("unexpected expiry %d", session.ExpiresAt)
	}
}

func TestSendMagicLinkThrottles(t *testing.T) {
	t.Parallel()
	var calls int
	var mutex sync.Mutex
	client, verifiers := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		mutex.Lock()
		calls++
		mutex.Unlock()
		if request.URL.Path != "/auth/v1/otp" || request.URL.Query().Get("redirect_to") != "app://callback" {
			t.Errorf("unexpected request %s", request.URL)
		}
		body := decodeBody(t, request)
		if body["email"] != "user@example.com" || body["create_user"] != true || body["code_challenge_method"] != "s256" {
			t.Errorf("unexpected body %v", body)
		}
		data, _ := body["data"].(map[string]any)
		if data["redirectTo"] != defaultLandingRoute {
			t.Errorf("unexpected data %v", body["data"])
		}
		writeJSON(t, writer, http.StatusOK, map[string]any{})
	}))

	if err := client.SendMagicLink(context.Background(), "user@example.com"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := verifiers.Get(context.Background(), VerifierStorageKey); err != nil {
		t.Fatalf("expected verifier for magic link: %v", err)
	}
	if err := client.SendMagicLink(context.Background(), "user@example.com"); !errors.Is(err, ErrMagicLinkThrottled) {
		t.Fatalf("expected throttle, got %v", err)
	}
	mutex.Lock()
	defer mutex.Unlock()
	if calls != 1 {
		t.Fatalf("expected one otp call, got %d", calls)
	}
}

func TestSignOutAlwaysDropsLocalSession(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name      string
		status    int
		expectErr bool
	}{
		{name: "success", status: http.StatusNoContent},
		{name: "already revoked", status: http.StatusUnauthorized},
		{name: "server failure", status: http.StatusBadGateway, expectErr: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				if request.URL.Path != "/auth/v1/logout" || request.URL.Query().Get("scope") != "local" {
					t.Errorf("unexpected request %s", request.URL)
				}
				if request.Header.Get("Authorization") != "Bearer access-1" {
					t.Errorf("unexpected authorization %q", request.Header.Get("Authorization"))
				}
				writer.WriteHeader(testCase.status)
			}))
			client.AdoptSession(&authkit.Session{AccessToken: "access-1", RefreshToken: "r1", User: &authkit.User{ID: "u1"}})
			recorder := newEventRecorder()
			client.OnAuthStateChange(recorder.listen)

			err := client.SignOut(context.Background())
			if testCase.expectErr != (err != nil) {
				t.Fatalf("unexpected error state: %v", err)
			}
			if current, _ := client.CurrentSession(context.Background()); current != nil {
				t.Fatalf("expected session to be dropped")
			}
			if names := recorder.names(); len(names) != 1 || names[0] != authkit.AuthEventSignedOut {
				t.Fatalf("expected SIGNED_OUT, got %v", names)
			}
		})
	}
}

func TestRefreshSession(t *testing.T) {
	t.Parallel()

	t.Run("emits token refreshed", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			body := decodeBody(t, request)
			if request.URL.Query().Get("grant_type") != "refresh_token" || body["refresh_token"] != "r1" {
				t.Errorf("unexpected refresh request %s %v", request.URL, body)
			}
			writeJSON(t, writer, http.StatusOK, sessionBody("u1", "access-2", fixedNow.Unix()+3600))
		}))
		client.AdoptSession(&authkit.Session{AccessToken: "access-1", RefreshToken: "r1", User: &authkit.User{ID: "u1"}})
		recorder := newEventRecorder()
		client.OnAuthStateChange(recorder.listen)

		session, err := client.RefreshSession(context.Background())
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
		if session.AccessToken != "access-2" {
			t.Fatalf("unexpected session %+v", session)
		}
		if names := recorder.names(); len(names) != 1 || names[0] != authkit.AuthEventTokenRefreshed {
			t.Fatalf("unexpected events %v", names)
		}
	})

	t.Run("rejected token signs out", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writeJSON(t, writer, http.StatusBadRequest, map[string]any{"error_code": "refresh_token_not_found", "msg": "Invalid Refresh Token"})
		}))
		client.AdoptSession(&authkit.Session{AccessToken: "access-1", RefreshToken: "r1", User: &authkit.User{ID: "u1"}})
		recorder := newEventRecorder()
		client.OnAuthStateChange(recorder.listen)

		if _, err := client.RefreshSession(context.Background()); err == nil {
			t.Fatalf("expected refresh error")
		}
		if names := recorder.names(); len(names) != 1 || names[0] != authkit.AuthEventSignedOut {
			t.Fatalf("expected SIGNED_OUT, got %v", names)
		}
	})

	t.Run("no session", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, http.NotFoundHandler())
		if _, err := client.RefreshSession(context.Background()); !errors.Is(err, ErrNoSession) {
			t.Fatalf("expected no session, got %v", err)
		}
	})
}

func TestRunAutoRefreshRefreshesBeforeExpiry(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(t, writer, http.StatusOK, sessionBody("u1", "access-2", fixedNow.Unix()+3600))
	}))
	client.AdoptSession(&authkit.Session{AccessToken: "access-1", RefreshToken: "r1", ExpiresAt: fixedNow.Unix() + 30, User: &authkit.User{ID: "u1"}})
	recorder := newEventRecorder()
	client.OnAuthStateChange(recorder.listen)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.RunAutoRefresh(ctx) }()

	select {
	case <-recorder.signal:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected refresh before expiry")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if names := recorder.names(); len(names) != 1 || names[0] != authkit.AuthEventTokenRefreshed {
		t.Fatalf("unexpected events %v", names)
	}
}

func TestInvokeSecureFunction(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if request.Method != http.MethodPost || request.URL.Path != "/functions/v1/user-self-delete" {
				t.Errorf("unexpected request %s %s", request.Method, request.URL)
			}
			if request.Header.Get("Authorization") != "Bearer access-1" {
				t.Errorf("unexpected authorization %q", request.Header.Get("Authorization"))
			}
			if _, err := uuid.Parse(request.Header.Get("X-Request-Id")); err != nil {
				t.Errorf("expected uuid request id: %v", err)
			}
			writeJSON(t, writer, http.StatusOK, map[string]any{"success": true})
		}))
		result, err := client.InvokeSecureFunction(context.Background(), "user-self-delete", "access-1")
		if err != nil {
			t.Fatalf("invoke: %v", err)
		}
		if result.Status != http.StatusOK || len(result.Body) == 0 {
			t.Fatalf("unexpected result %+v", result)
		}
	})

	t.Run("error body", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writeJSON(t, writer, http.StatusBadRequest, map[string]any{"error": "No profile found"})
		}))
		_, err := client.InvokeSecureFunction(context.Background(), "user-self-delete", "access-1")
		var functionError *FunctionError
		if !errors.As(err, &functionError) || functionError.Status != http.StatusBadRequest || functionError.Message != "No profile found" {
			t.Fatalf("expected function error, got %v", err)
		}
	})

	t.Run("requires token", func(t *testing.T) {
		t.Parallel()
		client, _ := newTestClient(t, http.NotFoundHandler())
		if _, err := client.InvokeSecureFunction(context.Background(), "user-self-delete", ""); !errors.Is(err, ErrNoSession) {
			t.Fatalf("expected no session, got %v", err)
		}
	})
}
