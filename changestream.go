package velox

import (
	"path"
	"sync"
)

// ChangeOp tags what kind of mutation a change event represents.
type ChangeOp int

const (
	ChangePut ChangeOp = iota
	ChangeDelete
	ChangeDropped // emitted to a subscriber whose backlog overflowed
)

// ChangeEvent is published to every subscriber whose pattern matches Key
// after a successful commit.
type ChangeEvent struct {
	Op    ChangeOp
	Key   string
	Value []byte
}

// subscriberBacklog is the number of queued events before a subscriber is
// considered too slow and is dropped with a notification event rather than
// blocking the committer. Each subscriber channel holds one slot beyond it,
// reserved for that notification.
const subscriberBacklog = 256

type subscriber struct {
	pattern string
	ch      chan ChangeEvent
	dropped bool
	mu      sync.Mutex
}

// ChangeBus fans out committed mutations to glob-pattern subscribers
// without ever blocking the committing transaction.
type ChangeBus struct {
	mu   sync.RWMutex
	subs []*subscriber
}

func NewChangeBus() *ChangeBus {
	return &ChangeBus{}
}

// Subscribe registers a new glob-pattern listener and returns the channel
// events will arrive on, in commit order, best-effort.
func (b *ChangeBus) Subscribe(pattern string) <-chan ChangeEvent {
	if pattern == "" {
		pattern = "*"
	}
	sub := &subscriber{pattern: pattern, ch: make(chan ChangeEvent, subscriberBacklog+1)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe closes and removes a previously subscribed channel.
func (b *ChangeBus) Unsubscribe(ch <-chan ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.ch == ch {
			close(s.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber whose pattern matches Key. A full
// backlog never blocks the caller: the subscriber is marked dropped and
// sent one ChangeDropped notification in its reserved slot, then skipped
// on subsequent publishes.
func (b *ChangeBus) Publish(ev ChangeEvent) {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		ok, _ := path.Match(s.pattern, ev.Key)
		if !ok {
			continue
		}
		s.mu.Lock()
		if s.dropped {
			s.mu.Unlock()
			continue
		}
		if len(s.ch) < subscriberBacklog {
			s.ch <- ev
		} else {
			s.dropped = true
			select {
			case s.ch <- ChangeEvent{Op: ChangeDropped, Key: ev.Key}:
			default:
			}
		}
		s.mu.Unlock()
	}
}

// Close shuts down every subscriber channel, used on engine Close.
func (b *ChangeBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
