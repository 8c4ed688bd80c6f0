package registry

import "sync"

// ChangeNotifier is a simple in-process pub-sub used to signal that a
// registry's listing has changed. Notifications are advisory: delivery is
// best-effort and never required for correctness of the request path.
type ChangeNotifier struct {
	mu          sync.RWMutex
	subscribers []chan struct{}
	closed      bool
}

// Notify signals every subscriber that the list changed. Non-blocking sends
// drop the signal for subscribers that are backed up.
func (cn *ChangeNotifier) Notify() {
	cn.mu.RLock()
	defer cn.mu.RUnlock()
	if cn.closed {
		return
	}
	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscriber returns a channel that receives a signal whenever Notify is
// called. The channel is buffered so notifiers never block.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{}, 1)
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}

// Close tears down the notifier, closing all subscriber channels.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subscribers
	cn.subscribers = nil
	cn.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
