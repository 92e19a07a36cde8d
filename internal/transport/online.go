package transport

import (
	"context"
	"sync"
)

// OnlineTracker converts connection-state transitions into a waitable
// online/offline flag. The upload pipeline parks on WaitOnline instead
// of burning retry attempts while the client is offline.
type OnlineTracker struct {
	mu     sync.Mutex
	online bool
	wake   chan struct{}
}

// NewOnlineTracker returns a tracker with the given initial state.
func NewOnlineTracker(online bool) *OnlineTracker {
	return &OnlineTracker{online: online, wake: make(chan struct{})}
}

// Follow subscribes the tracker to a transport's state changes and
// returns the unsubscribe handle.
func (o *OnlineTracker) Follow(t Transport) Unsubscribe {
	return t.OnConnectionStateChange(func(state State) {
		o.Set(state == StateConnected)
	})
}

// Set records the current online state and wakes waiters on the
// offline-to-online edge.
func (o *OnlineTracker) Set(online bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if online == o.online {
		return
	}
	o.online = online
	if online {
		close(o.wake)
		o.wake = make(chan struct{})
	}
}

// IsOnline reports the current state.
func (o *OnlineTracker) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// WaitOnline blocks until the tracker goes online or ctx is done.
func (o *OnlineTracker) WaitOnline(ctx context.Context) error {
	for {
		o.mu.Lock()
		if o.online {
			o.mu.Unlock()
			return nil
		}
		wake := o.wake
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}
