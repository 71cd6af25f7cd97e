package mcpservice

import (
	"context"
	"sync"
)

// ChangeSubscriber is anything a listener can obtain a change signal from.
type ChangeSubscriber interface {
	Subscriber() <-chan struct{}
}

// ChangeNotifier is the in-process signal the containers raise when their
// contents change, feeding the per-session listChanged notifications. Signals
// are edge-triggered and coalesce: a listener that has not drained its channel
// sees at most one pending wakeup.
type ChangeNotifier struct {
	mu        sync.Mutex
	listeners []chan struct{}
	closed    bool
}

var _ ChangeSubscriber = (*ChangeNotifier)(nil)

// Subscriber registers a listener. The channel carries a wakeup per change
// (coalesced) and is closed when the notifier closes. After Close it returns
// an already-closed channel.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{}, 1)
	cn.listeners = append(cn.listeners, ch)
	return ch
}

// Notify wakes every listener. Delivery is best-effort: a listener with a
// wakeup already pending is skipped rather than waited on.
func (cn *ChangeNotifier) Notify(ctx context.Context) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return nil
	}
	for _, ch := range cn.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close ends the stream for every listener. Idempotent.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	listeners := cn.listeners
	cn.listeners = nil
	cn.mu.Unlock()

	for _, ch := range listeners {
		close(ch)
	}
}
