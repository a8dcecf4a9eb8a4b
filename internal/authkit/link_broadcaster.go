package authkit

import (
	"context"
	"sync"
)

// LinkBroadcaster is an in-process DeepLinkSource. Hosts push URLs into it with Deliver.
type LinkBroadcaster struct {
	mutex      sync.Mutex
	initialURL string
	listeners  map[uint64]func(rawURL string)
	nextID     uint64
}

// NewLinkBroadcaster creates a broadcaster whose cold-start URL is initialURL (may be empty).
func NewLinkBroadcaster(initialURL string) *LinkBroadcaster {
	return &LinkBroadcaster{
		initialURL: initialURL,
		listeners:  make(map[uint64]func(rawURL string)),
	}
}

// InitialURL returns the URL the process was launched with.
func (broadcaster *LinkBroadcaster) InitialURL(ctx context.Context) (string, bool, error) {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	return broadcaster.initialURL, broadcaster.initialURL != "", nil
}

// OnURL registers listener for warm deliveries.
func (broadcaster *LinkBroadcaster) OnURL(listener func(rawURL string)) func() {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	broadcaster.nextID++
	id := broadcaster.nextID
	broadcaster.listeners[id] = listener
	return func() {
		broadcaster.mutex.Lock()
		defer broadcaster.mutex.Unlock()
		delete(broadcaster.listeners, id)
	}
}

// Deliver hands rawURL to every registered listener and reports how many received it.
func (broadcaster *LinkBroadcaster) Deliver(rawURL string) int {
	broadcaster.mutex.Lock()
	listeners := make([]func(string), 0, len(broadcaster.listeners))
	for _, listener := range broadcaster.listeners {
		listeners = append(listeners, listener)
	}
	broadcaster.mutex.Unlock()

	for _, listener := range listeners {
		listener(rawURL)
	}
	return len(listeners)
}
