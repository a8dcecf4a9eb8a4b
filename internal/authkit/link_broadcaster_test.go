package authkit

import (
	"context"
	"testing"
)

func TestLinkBroadcaster(t *testing.T) {
	t.Parallel()
	broadcaster := NewLinkBroadcaster("app://callback?code=cold")

	initial, ok, err := broadcaster.InitialURL(context.Background())
	if err != nil || !ok || initial != "app://callback?code=cold" {
		t.Fatalf("unexpected initial url %q %v %v", initial, ok, err)
	}

	var first, second []string
	unsubscribeFirst := broadcaster.OnURL(func(rawURL string) { first = append(first, rawURL) })
	broadcaster.OnURL(func(rawURL string) { second = append(second, rawURL) })

	if delivered := broadcaster.Deliver("app://callback?code=warm"); delivered != 2 {
		t.Fatalf("expected 2 listeners, got %d", delivered)
	}
	unsubscribeFirst()
	if delivered := broadcaster.Deliver("app://callback?code=later"); delivered != 1 {
		t.Fatalf("expected 1 listener, got %d", delivered)
	}
	if len(first) != 1 || len(second) != 2 {
		t.Fatalf("unexpected deliveries %v %v", first, second)
	}
}

func TestLinkBroadcasterWithoutInitialURL(t *testing.T) {
	t.Parallel()
	_, ok, err := NewLinkBroadcaster("").InitialURL(context.Background())
	if err != nil || ok {
		t.Fatalf("expected no initial url, got %v %v", ok, err)
	}
}
