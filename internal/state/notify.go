package state

import (
	"sync"
	"sync/atomic"
)

type ChangeKind string

const (
	ChangeRebind       ChangeKind = "rebind"
	ChangeStreaming    ChangeKind = "streaming"
	ChangeDocument     ChangeKind = "document"
	ChangeMessages     ChangeKind = "messages"
	ChangeTyping       ChangeKind = "typing"
	ChangeActivity     ChangeKind = "activity"
	ChangeError        ChangeKind = "error"
	ChangeConnectivity ChangeKind = "connectivity"
)

// Change announces that the projection moved to Revision. Receivers read the
// new state through Store.View.
type Change struct {
	Kind     ChangeKind
	Revision uint64
	EntityID string
}

// notifier fans changes out to subscribers without ever blocking the writer;
// a subscriber whose buffer is full misses that change but still sees the
// latest state on its next View.
type notifier struct {
	mu     sync.Mutex
	subs   []*subscriber
	closed bool
}

type subscriber struct {
	c      chan Change
	closed atomic.Bool
	once   sync.Once
}

// Receiver is the consuming end of a subscription.
type Receiver struct {
	C   <-chan Change
	sub *subscriber
}

func (s *subscriber) send(ch Change) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.c <- ch:
	default:
	}
	return true
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.c)
	})
}

// Close ends the subscription from the receiving side.
func (r *Receiver) Close() {
	r.sub.closed.Store(true)
}

func (n *notifier) subscribe(bufSize int) *Receiver {
	if bufSize <= 0 {
		bufSize = 1
	}
	sub := &subscriber{c: make(chan Change, bufSize)}
	recv := &Receiver{C: sub.c, sub: sub}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		sub.close()
		return recv
	}
	n.subs = append(n.subs, sub)
	return recv
}

func (n *notifier) publish(ch Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	alive := n.subs[:0]
	for _, sub := range n.subs {
		if sub.send(ch) {
			alive = append(alive, sub)
			continue
		}
		sub.close()
	}
	n.subs = alive
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for _, sub := range n.subs {
		sub.close()
	}
	n.subs = nil
}
