package completion

import (
	"context"
	"strings"
	"sync"

	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

// tokenFeed queues the chunks of one streamed completion. Each queued chunk
// carries the full text accumulated so far instead of its own fragment.
type tokenFeed struct {
	token string

	// claimed is guarded by the provider's feedsMu.
	claimed bool

	mu       sync.Mutex
	text     strings.Builder
	queue    []protocol.StreamChunk
	closed   bool
	closeErr error
	signal   chan struct{}
}

func newTokenFeed(token string) *tokenFeed {
	return &tokenFeed{token: token, signal: make(chan struct{}, 1)}
}

func (f *tokenFeed) push(chunk protocol.StreamChunk) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.text.WriteString(chunk.Response.InsertText)
	chunk.Response.InsertText = f.text.String()
	f.queue = append(f.queue, chunk)
	f.mu.Unlock()

	f.notify()
}

func (f *tokenFeed) close(err error) {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		f.closeErr = err
	}
	f.mu.Unlock()

	f.notify()
}

func (f *tokenFeed) notify() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// next returns the next queued chunk, waiting for one if necessary. Queued
// chunks are still delivered after close; then the close error is returned.
func (f *tokenFeed) next(ctx context.Context) (protocol.StreamChunk, error) {
	for {
		f.mu.Lock()
		if len(f.queue) > 0 {
			chunk := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return chunk, nil
		}
		if f.closed {
			err := f.closeErr
			f.mu.Unlock()
			if err == nil {
				err = ErrStreamConsumed
			}
			return protocol.StreamChunk{}, err
		}
		f.mu.Unlock()

		select {
		case <-f.signal:
		case <-ctx.Done():
			return protocol.StreamChunk{}, ctx.Err()
		}
	}
}

func (f *tokenFeed) accumulated() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text.String()
}
