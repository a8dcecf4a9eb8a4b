package web

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tyemirov/sessiond/internal/authkit"
)

const defaultBrowserTimeout = 5 * time.Minute

// LoopbackBrowser runs an auth browser session whose redirect lands on the local callback server.
type LoopbackBrowser struct {
	open    func(authorizeURL string) error
	timeout time.Duration

	mutex   sync.Mutex
	waiters map[uint64]chan string
	nextID  uint64
}

// NewLoopbackBrowser builds a launcher that calls open with the authorize URL and waits up to timeout.
func NewLoopbackBrowser(open func(authorizeURL string) error, timeout time.Duration) *LoopbackBrowser {
	if timeout <= 0 {
		timeout = defaultBrowserTimeout
	}
	return &LoopbackBrowser{
		open:    open,
		timeout: timeout,
		waiters: make(map[uint64]chan string),
	}
}

// OpenAuthSession opens authorizeURL and waits for the callback. A timeout is a dismissal and a cancelled
// ctx is a cancellation.
func (browser *LoopbackBrowser) OpenAuthSession(ctx context.Context, authorizeURL string) (authkit.BrowserResult, error) {
	if browser.open == nil {
		return authkit.BrowserResult{}, errors.New("web.browser.open: opener is required")
	}
	waiter := make(chan string, 1)
	browser.mutex.Lock()
	browser.nextID++
	id := browser.nextID
	browser.waiters[id] = waiter
	browser.mutex.Unlock()
	defer func() {
		browser.mutex.Lock()
		delete(browser.waiters, id)
		browser.mutex.Unlock()
	}()

	if err := browser.open(authorizeURL); err != nil {
		return authkit.BrowserResult{}, err
	}

	timer := time.NewTimer(browser.timeout)
	defer timer.Stop()
	select {
	case rawURL := <-waiter:
		return authkit.BrowserResult{Type: authkit.BrowserResultSuccess, URL: rawURL}, nil
	case <-timer.C:
		return authkit.BrowserResult{Type: authkit.BrowserResultDismiss}, nil
	case <-ctx.Done():
		return authkit.BrowserResult{Type: authkit.BrowserResultCancel}, nil
	}
}

// Deliver completes every pending browser session with rawURL.
func (browser *LoopbackBrowser) Deliver(rawURL string) int {
	browser.mutex.Lock()
	defer browser.mutex.Unlock()
	delivered := 0
	for _, waiter := range browser.waiters {
		select {
		case waiter <- rawURL:
			delivered++
		default:
		}
	}
	return delivered
}
