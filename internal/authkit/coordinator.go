package authkit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State is the authentication state of the coordinator.
type State int

const (
	StateUnknown State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (state State) String() string {
	switch state {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Snapshot is the read-only view handed to observers.
type Snapshot struct {
	State      State
	Session    *Session
	User       *User
	Hydrated   bool
	Generation uint64
}

const (
	eventHydrationRestored       = "session.hydration.restored"
	eventHydrationAbsent         = "session.hydration.absent"
	eventHydrationParseFailed    = "session.hydration.parse_failed"
	eventHydrationSkipped        = "session.hydration.skipped"
	eventTransitionAuthenticated = "session.transition.authenticated"
	eventTransitionCleared       = "session.transition.cleared"
	eventDeepLinkExchanged       = "session.deeplink.exchanged"
	eventDeepLinkDuplicate       = "session.deeplink.duplicate"
	eventDeepLinkFailed          = "session.deeplink.failed"
	eventDeepLinkIgnored         = "session.deeplink.ignored"
	eventSignOutBackendFailed    = "session.signout.backend_failed"
	eventDeleteSucceeded         = "session.delete.succeeded"
	eventDeleteFailed            = "session.delete.failed"
	eventDiscardedStale          = "session.discarded.stale"
)

var errAlreadyStarted = errors.New("session.coordinator.already_started")

// SessionCoordinator owns the authenticated session. It reconciles stored-session hydration, backend auth
// events and deep-link callbacks into one persisted value and is the only writer of SessionStorageKey.
//
// Every accepted transition writes the secure store and the in-memory value under one mutex, so the
// persisted record always matches the last applied session. Observers are notified in transition order.
// Subscribers must not call Stop or mutating operations synchronously from their callback.
type SessionCoordinator struct {
	store    SecureStore
	backend  IdentityBackend
	links    DeepLinkSource
	apple    CredentialSource
	google   CredentialSource
	browser  BrowserLauncher
	matcher  CallbackMatcher
	ledger   *linkLedger
	exchange singleflight.Group

	deleteFunctionName string
	signOutTimeout     time.Duration

	logger   *zap.Logger
	metrics  MetricsRecorder
	reporter ErrorReporter

	mutex        sync.Mutex
	publishMutex sync.Mutex
	state        State
	session      *Session
	hydrated     bool
	generation   uint64
	epoch        uint64
	started      bool
	stopped      bool

	subscribers      map[uint64]func(Snapshot)
	nextSubscriberID uint64
	unsubscribers    []func()

	hydratedSignal chan struct{}
	hydratedOnce   sync.Once
	lifetime       context.Context
	cancelLifetime context.CancelFunc
	workers        sync.WaitGroup
}

// NewSessionCoordinator validates configuration and builds an unstarted coordinator in StateUnknown.
func NewSessionCoordinator(configuration CoordinatorConfig) (*SessionCoordinator, error) {
	if configuration.Store == nil {
		return nil, errors.New("session.coordinator.new: secure store is required")
	}
	if configuration.Backend == nil {
		return nil, errors.New("session.coordinator.new: identity backend is required")
	}
	matcher, err := NewCallbackMatcher(configuration.RedirectURL)
	if err != nil {
		return nil, err
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if configuration.Metrics != nil {
		metrics = configuration.Metrics
	}
	var reporter ErrorReporter = LoggingReporter{Logger: logger}
	if configuration.Reporter != nil {
		reporter = configuration.Reporter
	}
	replayWindow := configuration.LinkReplayWindow
	if replayWindow <= 0 {
		replayWindow = defaultLinkReplayWindow
	}
	signOutTimeout := configuration.SignOutTimeout
	if signOutTimeout <= 0 {
		signOutTimeout = defaultSignOutTimeout
	}
	deleteFunctionName := configuration.DeleteFunctionName
	if deleteFunctionName == "" {
		deleteFunctionName = defaultDeleteFunctionName
	}
	return &SessionCoordinator{
		store:              configuration.Store,
		backend:            configuration.Backend,
		links:              configuration.Links,
		apple:              configuration.AppleCredentials,
		google:             configuration.GoogleCredentials,
		browser:            configuration.Browser,
		matcher:            matcher,
		ledger:             newLinkLedger(replayWindow, configuration.Clock),
		deleteFunctionName: deleteFunctionName,
		signOutTimeout:     signOutTimeout,
		logger:             logger,
		metrics:            metrics,
		reporter:           reporter,
		subscribers:        make(map[uint64]func(Snapshot)),
		hydratedSignal:     make(chan struct{}),
	}, nil
}

// Start kicks off hydration and registers the backend and deep-link listeners.
func (coordinator *SessionCoordinator) Start(ctx context.Context) error {
	coordinator.mutex.Lock()
	if coordinator.started {
		coordinator.mutex.Unlock()
		return errAlreadyStarted
	}
	coordinator.started = true
	coordinator.lifetime, coordinator.cancelLifetime = context.WithCancel(ctx)
	lifetime := coordinator.lifetime
	coordinator.mutex.Unlock()

	coordinator.spawn(func() { coordinator.hydrate(lifetime) })

	unsubscribeBackend := coordinator.backend.OnAuthStateChange(coordinator.handleAuthEvent)
	unsubscribers := []func(){unsubscribeBackend}
	if coordinator.links != nil {
		unsubscribeLinks := coordinator.links.OnURL(func(rawURL string) {
			coordinator.spawn(func() { coordinator.handleDeliveredLink(lifetime, rawURL) })
		})
		unsubscribers = append(unsubscribers, unsubscribeLinks)
		coordinator.spawn(func() { coordinator.handleInitialLink(lifetime) })
	}

	coordinator.mutex.Lock()
	if coordinator.stopped {
		coordinator.mutex.Unlock()
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
		return ErrCoordinatorStopped
	}
	coordinator.unsubscribers = unsubscribers
	coordinator.mutex.Unlock()

	coordinator.logger.Info("session coordinator started", zap.String("code", "session.coordinator.started"))
	return nil
}

// Stop deregisters listeners, discards every in-flight resolution and waits for internal workers.
// The coordinator is inert afterwards.
func (coordinator *SessionCoordinator) Stop() {
	coordinator.mutex.Lock()
	if coordinator.stopped {
		coordinator.mutex.Unlock()
		return
	}
	coordinator.stopped = true
	coordinator.epoch++
	unsubscribers := coordinator.unsubscribers
	coordinator.unsubscribers = nil
	cancel := coordinator.cancelLifetime
	coordinator.mutex.Unlock()

	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	coordinator.signalHydrated()
	coordinator.workers.Wait()
	coordinator.logger.Info("session coordinator stopped", zap.String("code", "session.coordinator.stopped"))
}

// Snapshot returns the current state.
func (coordinator *SessionCoordinator) Snapshot() Snapshot {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return coordinator.snapshotLocked()
}

// Session returns the current session or nil.
func (coordinator *SessionCoordinator) Session() *Session {
	return coordinator.Snapshot().Session
}

// User returns the current user or nil.
func (coordinator *SessionCoordinator) User() *User {
	return coordinator.Snapshot().User
}

// Hydrated is closed once hydration has completed, been skipped, or the coordinator stopped.
func (coordinator *SessionCoordinator) Hydrated() <-chan struct{} {
	return coordinator.hydratedSignal
}

// Subscribe registers listener for every accepted transition. Listener is called in transition order.
func (coordinator *SessionCoordinator) Subscribe(listener func(Snapshot)) func() {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	coordinator.nextSubscriberID++
	id := coordinator.nextSubscriberID
	coordinator.subscribers[id] = listener
	return func() {
		coordinator.mutex.Lock()
		defer coordinator.mutex.Unlock()
		delete(coordinator.subscribers, id)
	}
}

func (coordinator *SessionCoordinator) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		State:      coordinator.state,
		Session:    coordinator.session,
		Hydrated:   coordinator.hydrated,
		Generation: coordinator.generation,
	}
	if coordinator.session != nil {
		snapshot.User = coordinator.session.User
	}
	return snapshot
}

// unlockAndPublish releases the state mutex and notifies subscribers. The publish mutex is taken before
// the state mutex is released so notifications cannot overtake each other.
func (coordinator *SessionCoordinator) unlockAndPublish(changed bool) {
	if !changed {
		coordinator.mutex.Unlock()
		return
	}
	snapshot := coordinator.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(coordinator.subscribers))
	for _, listener := range coordinator.subscribers {
		listeners = append(listeners, listener)
	}
	coordinator.publishMutex.Lock()
	coordinator.mutex.Unlock()
	defer coordinator.publishMutex.Unlock()
	for _, listener := range listeners {
		listener(snapshot)
	}
}

func (coordinator *SessionCoordinator) spawn(work func()) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	if coordinator.stopped {
		return
	}
	coordinator.workers.Add(1)
	go func() {
		defer coordinator.workers.Done()
		work()
	}()
}

func (coordinator *SessionCoordinator) signalHydrated() {
	coordinator.hydratedOnce.Do(func() { close(coordinator.hydratedSignal) })
}

// currentEpoch returns the epoch async operations capture before suspending.
func (coordinator *SessionCoordinator) currentEpoch() (uint64, error) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	if coordinator.stopped {
		return 0, ErrCoordinatorStopped
	}
	return coordinator.epoch, nil
}

func (coordinator *SessionCoordinator) hydrate(ctx context.Context) {
	defer coordinator.signalHydrated()

	epoch, epochErr := coordinator.currentEpoch()
	if epochErr != nil {
		coordinator.metrics.Increment(eventDiscardedStale)
		return
	}
	stored, readErr := coordinator.store.Get(ctx, SessionStorageKey)
	var session *Session
	var hydrationErr error
	switch {
	case errors.Is(readErr, ErrSessionNotFound):
	case readErr != nil:
		hydrationErr = readErr
	default:
		session, hydrationErr = DecodeSession(stored)
	}

	coordinator.mutex.Lock()
	if coordinator.stopped {
		coordinator.mutex.Unlock()
		coordinator.metrics.Increment(eventDiscardedStale)
		return
	}
	coordinator.hydrated = true
	if coordinator.state != StateUnknown {
		coordinator.metrics.Increment(eventHydrationSkipped)
		coordinator.logger.Info("hydration skipped; session already established",
			zap.String("code", "session.hydration.skipped"),
			zap.String("state", coordinator.state.String()))
		coordinator.generation++
		coordinator.unlockAndPublish(true)
		return
	}
	coordinator.generation++
	if coordinator.epoch != epoch {
		coordinator.state = StateUnauthenticated
		coordinator.session = nil
		coordinator.unlockAndPublish(true)
		coordinator.metrics.Increment(eventDiscardedStale)
		coordinator.logger.Info("discarding stored session; signed out during hydration",
			zap.String("code", "session.discarded.stale"),
			zap.String("source", "hydrate"))
		return
	}
	if hydrationErr != nil || session == nil {
		coordinator.state = StateUnauthenticated
		coordinator.session = nil
		coordinator.unlockAndPublish(true)
		if hydrationErr != nil {
			coordinator.metrics.Increment(eventHydrationParseFailed)
			coordinator.reporter.Report(ctx, "hydrate", newAuthError(KindHydrationParseFailed, "", "hydrate", hydrationErr))
		} else {
			coordinator.metrics.Increment(eventHydrationAbsent)
		}
		return
	}
	coordinator.state = StateAuthenticated
	coordinator.session = session
	// The backend must hold the session before anyone can observe it, or a sign-out would miss it.
	if adopter, ok := coordinator.backend.(SessionAdopter); ok {
		adopter.AdoptSession(session)
	}
	coordinator.unlockAndPublish(true)
	coordinator.metrics.Increment(eventHydrationRestored)
	coordinator.logger.Info("session restored from secure store",
		zap.String("code", "session.hydration.restored"),
		zap.String("user_id", session.User.ID))
}

// applyAuthenticated persists session and makes it current. When guarded, the result is discarded if a
// clearing transition happened after epoch was captured.
func (coordinator *SessionCoordinator) applyAuthenticated(ctx context.Context, session *Session, epoch uint64, guarded bool, source string) error {
	encoded, encodeErr := EncodeSession(session)
	if encodeErr != nil {
		return newAuthError(KindSessionPersistFailed, "", source, encodeErr)
	}

	coordinator.mutex.Lock()
	if coordinator.stopped {
		coordinator.mutex.Unlock()
		coordinator.metrics.Increment(eventDiscardedStale)
		return ErrCoordinatorStopped
	}
	if guarded && coordinator.epoch != epoch {
		coordinator.mutex.Unlock()
		coordinator.metrics.Increment(eventDiscardedStale)
		coordinator.logger.Info("discarding stale session result",
			zap.String("code", "session.discarded.stale"),
			zap.String("source", source))
		return ErrSessionSuperseded
	}
	if sameSession(coordinator.session, session) {
		coordinator.mutex.Unlock()
		return nil
	}
	if err := coordinator.store.Set(ctx, SessionStorageKey, encoded); err != nil {
		coordinator.mutex.Unlock()
		return newAuthError(KindSessionPersistFailed, "", source, err)
	}
	coordinator.state = StateAuthenticated
	coordinator.session = session
	coordinator.generation++
	coordinator.unlockAndPublish(true)

	coordinator.metrics.Increment(eventTransitionAuthenticated)
	coordinator.logger.Info("session authenticated",
		zap.String("code", "session.transition.authenticated"),
		zap.String("source", source),
		zap.String("user_id", session.User.ID))
	return nil
}

// applyCleared erases the persisted record and clears the in-memory session. Clearing always proceeds
// in memory; a failed erase is returned.
func (coordinator *SessionCoordinator) applyCleared(ctx context.Context, source string) error {
	coordinator.mutex.Lock()
	if coordinator.stopped {
		coordinator.mutex.Unlock()
		return ErrCoordinatorStopped
	}
	deleteErr := coordinator.store.Delete(ctx, SessionStorageKey)
	changed := coordinator.state != StateUnauthenticated
	coordinator.epoch++
	coordinator.state = StateUnauthenticated
	coordinator.session = nil
	if changed {
		coordinator.generation++
	}
	coordinator.unlockAndPublish(changed)

	if changed {
		coordinator.metrics.Increment(eventTransitionCleared)
		coordinator.logger.Info("session cleared",
			zap.String("code", "session.transition.cleared"),
			zap.String("source", source))
	}
	if deleteErr != nil {
		coordinator.logger.Error("failed to erase persisted session",
			zap.String("code", "session.store.delete_failed"),
			zap.String("source", source),
			zap.Error(deleteErr))
		return deleteErr
	}
	return nil
}

func (coordinator *SessionCoordinator) handleAuthEvent(event AuthEvent, session *Session) {
	ctx := coordinator.lifetimeContext()
	switch event {
	case AuthEventSignedIn, AuthEventTokenRefreshed:
		if session == nil {
			return
		}
		err := coordinator.applyAuthenticated(ctx, session, 0, false, "backend."+string(event))
		if err != nil && !errors.Is(err, ErrCoordinatorStopped) {
			coordinator.reporter.Report(ctx, "backend_event", err)
		}
	case AuthEventSignedOut:
		if err := coordinator.applyCleared(ctx, "backend.SIGNED_OUT"); err != nil && !errors.Is(err, ErrCoordinatorStopped) {
			coordinator.reporter.Report(ctx, "backend_event", err)
		}
	}
}

func (coordinator *SessionCoordinator) lifetimeContext() context.Context {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	if coordinator.lifetime == nil {
		return context.Background()
	}
	return coordinator.lifetime
}

func sameSession(current *Session, candidate *Session) bool {
	if current == nil || candidate == nil {
		return false
	}
	return current.AccessToken == candidate.AccessToken &&
		current.RefreshToken == candidate.RefreshToken &&
		current.User.ID == candidate.User.ID
}

// LoggingReporter reports failures through zap.
type LoggingReporter struct {
	Logger *zap.Logger
}

// Report logs err with its kind code.
func (reporter LoggingReporter) Report(ctx context.Context, operation string, err error) {
	logger := reporter.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("session operation failed",
		zap.String("code", KindOf(err).String()),
		zap.String("operation", operation),
		zap.Error(err))
}
