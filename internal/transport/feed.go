package transport

import (
	"sync"

	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

const defaultFeedBuffer = 64

// StreamEvent is one inbound stream chunk, tagged with the client that
// received it.
type StreamEvent struct {
	Sender *Client
	Chunk  protocol.StreamChunk
}

// Subscription is the receiving end of a Feed. Events is closed when the
// subscription or the feed is closed.
type Subscription struct {
	Events <-chan StreamEvent

	id     int64
	events chan StreamEvent
	done   chan struct{}
	once   sync.Once
	feed   *Feed
}

// Close stops delivery to this subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.feed.remove(s.id)
	})
}

// Feed fans stream chunks out to every subscriber. Delivery is lossless:
// Broadcast waits for each subscriber to accept the event, to close, or for
// the feed to stop.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[int64]*Subscription
	nextID      int64
	bufferSize  int
	stopped     chan struct{}
	stopOnce    sync.Once
}

func NewFeed(bufferSize int) *Feed {
	if bufferSize <= 0 {
		bufferSize = defaultFeedBuffer
	}
	return &Feed{
		subscribers: make(map[int64]*Subscription),
		bufferSize:  bufferSize,
		stopped:     make(chan struct{}),
	}
}

// Subscribe registers a new subscriber. bufSize <= 0 uses the feed default.
// Subscribing to a stopped feed returns an already closed subscription.
func (f *Feed) Subscribe(bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = f.bufferSize
	}
	events := make(chan StreamEvent, bufSize)
	sub := &Subscription{
		Events: events,
		events: events,
		done:   make(chan struct{}),
		feed:   f,
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.stopped:
		sub.once.Do(func() { close(sub.done) })
		close(events)
		return sub
	default:
	}

	f.nextID++
	sub.id = f.nextID
	f.subscribers[sub.id] = sub
	return sub
}

func (f *Feed) remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sub, ok := f.subscribers[id]; ok {
		close(sub.events)
		delete(f.subscribers, id)
	}
}

func (f *Feed) Broadcast(event StreamEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sub := range f.subscribers {
		select {
		case sub.events <- event:
		case <-sub.done:
		case <-f.stopped:
			return
		}
	}
}

// Stop closes every subscription. Later broadcasts are dropped.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopped)

		f.mu.Lock()
		defer f.mu.Unlock()
		for id, sub := range f.subscribers {
			sub.once.Do(func() { close(sub.done) })
			close(sub.events)
			delete(f.subscribers, id)
		}
	})
}

func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}
