// Package supabase binds the session coordinator to a Supabase project: GoTrue auth endpoints, edge
// functions, PKCE handling and client-side auth state broadcasting.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/sessiond/internal/authkit"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultHTTPTimeout       = 15 * time.Second
	defaultMagicLinkInterval = 60 * time.Second
	defaultRefreshMargin     = 60 * time.Second
	defaultLandingRoute      = "/dashboard"

	// VerifierStorageKey holds the pending PKCE verifier in the secure store.
	VerifierStorageKey = "code-verifier"
)

var (
	// ErrMagicLinkThrottled indicates a magic link was requested again inside the throttle interval.
	ErrMagicLinkThrottled = errors.New("supabase.otp.throttled")
	// ErrNoSession indicates the client holds no session for an operation that needs one.
	ErrNoSession = errors.New("supabase.session.missing")
)

// Config configures a Client.
type Config struct {
	ProjectURL  string
	AnonKey     string
	RedirectURL string
	// LandingRoute is stored in the magic-link user data so the app knows where to go after sign-in.
	LandingRoute string
	// VerifierStore keeps the PKCE verifier across processes. It must not be used for the session key.
	VerifierStore     authkit.SecureStore
	HTTPClient        *http.Client
	MagicLinkInterval time.Duration
	RefreshMargin     time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
}

// Client implements authkit.IdentityBackend against Supabase.
type Client struct {
	authURL       *url.URL
	functionsURL  *url.URL
	anonKey       string
	redirectURL   string
	landingRoute  string
	httpClient    *http.Client
	verifiers     authkit.SecureStore
	magicLinks    *rate.Limiter
	refreshMargin time.Duration
	logger        *zap.Logger
	now           func() time.Time

	mutex          sync.Mutex
	session        *authkit.Session
	signOutEpoch   uint64
	listeners      map[uint64]authkit.AuthStateListener
	nextListenerID uint64
	sessionChanged chan struct{}
}

// NewClient validates configuration and builds a Client.
func NewClient(config Config) (*Client, error) {
	projectURL := strings.TrimRight(strings.TrimSpace(config.ProjectURL), "/")
	if projectURL == "" {
		return nil, errors.New("supabase.config.missing_project_url: project url is required")
	}
	parsed, err := url.Parse(projectURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("supabase.config.invalid_project_url: %q", config.ProjectURL)
	}
	if strings.TrimSpace(config.AnonKey) == "" {
		return nil, errors.New("supabase.config.missing_anon_key: anon key is required")
	}
	if config.VerifierStore == nil {
		return nil, errors.New("supabase.config.missing_verifier_store: verifier store is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	interval := config.MagicLinkInterval
	if interval <= 0 {
		interval = defaultMagicLinkInterval
	}
	refreshMargin := config.RefreshMargin
	if refreshMargin <= 0 {
		refreshMargin = defaultRefreshMargin
	}
	landingRoute := config.LandingRoute
	if landingRoute == "" {
		landingRoute = defaultLandingRoute
	}
	return &Client{
		authURL:        parsed.JoinPath("auth", "v1"),
		functionsURL:   parsed.JoinPath("functions", "v1"),
		anonKey:        config.AnonKey,
		redirectURL:    config.RedirectURL,
		landingRoute:   landingRoute,
		httpClient:     httpClient,
		verifiers:      config.VerifierStore,
		magicLinks:     rate.NewLimiter(rate.Every(interval), 1),
		refreshMargin:  refreshMargin,
		logger:         logger,
		now:            now,
		listeners:      make(map[uint64]authkit.AuthStateListener),
		sessionChanged: make(chan struct{}, 1),
	}, nil
}

// APIError is a non-2xx GoTrue response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (apiError *APIError) Error() string {
	if apiError.Code == "" {
		return fmt.Sprintf("supabase.api.%d: %s", apiError.Status, apiError.Message)
	}
	return fmt.Sprintf("supabase.api.%d.%s: %s", apiError.Status, apiError.Code, apiError.Message)
}

type apiErrorBody struct {
	ErrorCode        string `json:"error_code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"msg"`
	AltMessage       string `json:"message"`
}

func decodeAPIError(status int, body []byte) *APIError {
	apiError := &APIError{Status: status}
	var decoded apiErrorBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		apiError.Message = strings.TrimSpace(string(body))
		return apiError
	}
	apiError.Code = firstNonEmpty(decoded.ErrorCode, decoded.Error)
	apiError.Message = firstNonEmpty(decoded.Message, decoded.ErrorDescription, decoded.AltMessage)
	return apiError
}

// OnAuthStateChange registers listener for SIGNED_IN, TOKEN_REFRESHED and SIGNED_OUT.
func (client *Client) OnAuthStateChange(listener authkit.AuthStateListener) func() {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.nextListenerID++
	id := client.nextListenerID
	client.listeners[id] = listener
	return func() {
		client.mutex.Lock()
		defer client.mutex.Unlock()
		delete(client.listeners, id)
	}
}

// CurrentSession returns the client's session or nil.
func (client *Client) CurrentSession(ctx context.Context) (*authkit.Session, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.session, nil
}

// AdoptSession installs a session restored from storage without emitting an event.
func (client *Client) AdoptSession(session *authkit.Session) {
	if session.Validate() != nil {
		return
	}
	client.mutex.Lock()
	client.session = session
	client.mutex.Unlock()
	client.notifySessionChanged()
}

// commitSession installs session and emits event unless a sign-out happened after epoch was captured.
func (client *Client) commitSession(session *authkit.Session, epoch uint64, event authkit.AuthEvent) error {
	client.mutex.Lock()
	if client.signOutEpoch != epoch {
		client.mutex.Unlock()
		return authkit.ErrSessionSuperseded
	}
	client.session = session
	listeners := client.listenersLocked()
	client.mutex.Unlock()

	client.notifySessionChanged()
	for _, listener := range listeners {
		listener(event, session)
	}
	return nil
}

// clearSession drops the session and emits SIGNED_OUT.
func (client *Client) clearSession() {
	client.mutex.Lock()
	client.signOutEpoch++
	client.session = nil
	listeners := client.listenersLocked()
	client.mutex.Unlock()

	client.notifySessionChanged()
	for _, listener := range listeners {
		listener(authkit.AuthEventSignedOut, nil)
	}
}

func (client *Client) currentEpoch() uint64 {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	return client.signOutEpoch
}

func (client *Client) listenersLocked() []authkit.AuthStateListener {
	listeners := make([]authkit.AuthStateListener, 0, len(client.listeners))
	for _, listener := range client.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}

func (client *Client) notifySessionChanged() {
	select {
	case client.sessionChanged <- struct{}{}:
	default:
	}
}

// doJSON sends payload to endpoint and decodes a 2xx body into target.
func (client *Client) doJSON(ctx context.Context, method string, endpoint *url.URL, bearer string, payload any, target any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("supabase.request.encode: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("supabase.request.build: %w", err)
	}
	request.Header.Set("apikey", client.anonKey)
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("supabase.request.send: %w", err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("supabase.response.read: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		apiError := decodeAPIError(response.StatusCode, responseBody)
		client.logger.Warn("supabase request failed",
			zap.String("code", "supabase.api.error"),
			zap.String("path", endpoint.Path),
			zap.Int("status", response.StatusCode),
			zap.String("error_code", apiError.Code))
		return apiError
	}
	if target == nil || len(responseBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBody, target); err != nil {
		return fmt.Errorf("supabase.response.decode: %w", err)
	}
	return nil
}

func (client *Client) authEndpoint(path string, query url.Values) *url.URL {
	endpoint := client.authURL.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	return endpoint
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
