// Package completion adapts editor inline-completion requests to the
// completion backend's wire protocol and exposes streamed results as
// cancellable sequences of cumulative text.
package completion

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/ricochet1k/inlinecomplete/internal/logging"
	"github.com/ricochet1k/inlinecomplete/internal/transport"
	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

const (
	defaultUnclaimedTTL = 30 * time.Second
	subscriptionBuffer  = 128

	// FallbackLanguage is sent when the editor's MIME type has no language.
	FallbackLanguage = "plain English"
)

var languageAliases = map[string]string{
	"ipython":    "python",
	"ipython2":   "python",
	"ipython3":   "python",
	"ipythongfm": "markdown",
}

func normalizeLanguage(language string) string {
	if language == "" {
		return FallbackLanguage
	}
	if alias, ok := languageAliases[strings.ToLower(language)]; ok {
		return alias
	}
	return language
}

// Transport is the part of transport.Client the provider uses.
type Transport interface {
	Initialize(ctx context.Context) error
	SendMessage(ctx context.Context, req protocol.Request) (protocol.Reply, error)
	Subscribe(bufSize int) *transport.Subscription
	Dispose()
}

var _ Transport = (*transport.Client)(nil)

// StreamUpdate is one step of a streamed completion. Response.InsertText
// holds the full text accumulated so far.
type StreamUpdate struct {
	Response protocol.Item
	Done     bool
}

// Option configures a Provider.
type Option func(*Provider)

func WithLogger(l *zap.Logger) Option {
	return func(p *Provider) {
		p.log = logging.OrNop(l)
	}
}

// WithUnclaimedStreamTTL sets how long a stream announced by a reply waits
// for Stream to claim it before it is dropped.
func WithUnclaimedStreamTTL(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.unclaimedTTL = d
		}
	}
}

type Provider struct {
	transport Transport
	languages LanguageRegistry
	notifier  Notifier
	log       *zap.Logger

	number atomic.Int64

	settingsMu sync.RWMutex
	settings   Settings

	// feedsMu makes lookup-and-update of feeds and inflight atomic.
	feedsMu      sync.Mutex
	feeds        *ttlcache.Cache[string, *tokenFeed]
	inflight     map[int64]struct{}
	unclaimedTTL time.Duration

	sub         *transport.Subscription
	routed      chan struct{}
	disposed    atomic.Bool
	disposeOnce sync.Once
}

// NewProvider subscribes to t's stream feed and starts routing chunks.
// The provider owns t and disposes it.
func NewProvider(t Transport, languages LanguageRegistry, notifier Notifier, settings Settings, opts ...Option) *Provider {
	p := &Provider{
		transport:    t,
		languages:    languages,
		notifier:     notifier,
		log:          zap.NewNop(),
		settings:     settings,
		inflight:     make(map[int64]struct{}),
		unclaimedTTL: defaultUnclaimedTTL,
		routed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.feeds = ttlcache.New[string, *tokenFeed](
		ttlcache.WithTTL[string, *tokenFeed](p.unclaimedTTL),
		ttlcache.WithDisableTouchOnHit[string, *tokenFeed](),
	)
	p.feeds.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *tokenFeed]) {
		if reason == ttlcache.EvictionReasonExpired {
			p.log.Debug("dropping unclaimed completion stream", zap.String("token", item.Key()))
			item.Value().close(errStreamExpired)
		}
	})
	go p.feeds.Start()

	p.sub = t.Subscribe(subscriptionBuffer)
	go p.route()
	return p
}

func (p *Provider) route() {
	defer close(p.routed)
	for ev := range p.sub.Events {
		if err := p.receiveStreamChunk(ev.Chunk); err != nil {
			p.log.Error("cannot route stream chunk", zap.Error(err))
		}
	}
}

// Initialize opens the transport's channel.
func (p *Provider) Initialize(ctx context.Context) error {
	if p.disposed.Load() {
		return ErrDisposed
	}
	return p.transport.Initialize(ctx)
}

// Settings returns the current settings.
func (p *Provider) Settings() Settings {
	p.settingsMu.RLock()
	defer p.settingsMu.RUnlock()
	return p.settings
}

// Configure replaces the settings wholesale.
func (p *Provider) Configure(s Settings) {
	p.settingsMu.Lock()
	p.settings = s
	p.settingsMu.Unlock()
}

// Fetch asks the backend for completions at req.Offset. With the manual
// trigger policy an automatic request returns an empty list without
// contacting the backend, leaving automatic suggestions to other providers.
// A backend-reported error is surfaced through the notifier and returned
// as a *BackendError.
func (p *Provider) Fetch(ctx context.Context, req Request, doc Document) (protocol.ItemList, error) {
	if p.disposed.Load() {
		return protocol.ItemList{}, ErrDisposed
	}
	settings := p.Settings()
	if !settings.Enabled {
		return protocol.ItemList{}, ErrDisabled
	}
	if settings.TriggerKind == TriggerManual && req.TriggerKind != TriggerInvoke {
		return emptyList(), nil
	}
	if req.Offset < 0 || req.Offset > len(req.Text) {
		return protocol.ItemList{}, fmt.Errorf("cursor offset %d outside text of length %d", req.Offset, len(req.Text))
	}

	language, err := p.languages.LanguageForMIME(req.MIME)
	if err != nil {
		p.log.Warn("cannot resolve language for completion", zap.String("mime", req.MIME), zap.Error(err))
		return emptyList(), nil
	}

	number := p.number.Add(1)
	wire := protocol.Request{
		Number:   number,
		Path:     doc.path(),
		Prefix:   req.Text[:req.Offset],
		Suffix:   req.Text[req.Offset:],
		MIME:     req.MIME,
		Stream:   true,
		Language: normalizeLanguage(language),
		CellID:   doc.cellID(),
	}

	p.feedsMu.Lock()
	p.inflight[number] = struct{}{}
	p.feedsMu.Unlock()

	reply, err := p.transport.SendMessage(ctx, wire)

	p.feedsMu.Lock()
	if err == nil && reply.Error == nil {
		p.announceLocked(reply.List.Items)
	}
	delete(p.inflight, number)
	p.feedsMu.Unlock()

	if err != nil {
		return protocol.ItemList{}, fmt.Errorf("fetch completion %d: %w", number, err)
	}
	if reply.Error != nil {
		p.notifyBackendError(reply.Error)
		return protocol.ItemList{}, newBackendError(reply.Error)
	}
	return reply.List, nil
}

func emptyList() protocol.ItemList {
	return protocol.ItemList{Items: []protocol.Item{}}
}

// announceLocked registers an unclaimed feed for every streamed item so
// chunks arriving before Stream is called are kept.
func (p *Provider) announceLocked(items []protocol.Item) {
	for _, item := range items {
		if item.Token == "" || p.feeds.Has(item.Token) {
			continue
		}
		p.feeds.Set(item.Token, newTokenFeed(item.Token), ttlcache.DefaultTTL)
	}
}

// Stream returns the sequence of updates for a token returned by Fetch.
// Every update carries the full text so far. The sequence ends after the
// update marked Done, on a backend error, when ctx is done, or when the
// provider is disposed; it can be iterated once. Leaving the loop early
// releases the token.
func (p *Provider) Stream(ctx context.Context, token string) (iter.Seq2[StreamUpdate, error], error) {
	if p.disposed.Load() {
		return nil, ErrDisposed
	}
	if !p.Settings().Enabled {
		return nil, ErrDisabled
	}

	feed, err := p.claim(token)
	if err != nil {
		return nil, err
	}

	var started atomic.Bool
	return func(yield func(StreamUpdate, error) bool) {
		if !started.CompareAndSwap(false, true) {
			yield(StreamUpdate{}, ErrStreamConsumed)
			return
		}
		defer p.release(feed)

		for {
			chunk, err := feed.next(ctx)
			if err != nil {
				yield(StreamUpdate{}, err)
				return
			}
			if chunk.Error != nil {
				yield(StreamUpdate{Response: chunk.Response, Done: true}, newBackendError(chunk.Error))
				return
			}
			if !yield(StreamUpdate{Response: chunk.Response, Done: chunk.Done}, nil) {
				return
			}
			if chunk.Done {
				return
			}
		}
	}, nil
}

func (p *Provider) claim(token string) (*tokenFeed, error) {
	p.feedsMu.Lock()
	defer p.feedsMu.Unlock()

	if item := p.feeds.Get(token); item != nil {
		feed := item.Value()
		if feed.claimed {
			return nil, ErrStreamConsumed
		}
		feed.claimed = true
		p.feeds.Set(token, feed, ttlcache.NoTTL)
		return feed, nil
	}

	feed := newTokenFeed(token)
	feed.claimed = true
	p.feeds.Set(token, feed, ttlcache.NoTTL)
	return feed, nil
}

func (p *Provider) release(feed *tokenFeed) {
	p.feedsMu.Lock()
	if item := p.feeds.Get(feed.token); item != nil && item.Value() == feed {
		p.feeds.Delete(feed.token)
	}
	p.feedsMu.Unlock()

	feed.close(nil)
}

// receiveStreamChunk routes one chunk from the transport to its token's
// feed. A chunk without a token, or for a token nobody announced or
// claimed, is a *ProtocolViolationError.
func (p *Provider) receiveStreamChunk(chunk protocol.StreamChunk) error {
	if chunk.Error != nil {
		p.notifyBackendError(chunk.Error)
	}

	token := chunk.Response.Token
	if token == "" {
		return &ProtocolViolationError{Reason: "stream chunk without token", ReplyTo: chunk.ReplyTo}
	}

	p.feedsMu.Lock()
	var feed *tokenFeed
	if item := p.feeds.Get(token); item != nil {
		feed = item.Value()
	} else if _, ok := p.inflight[chunk.ReplyTo]; ok {
		// The chunk overtook its reply.
		feed = newTokenFeed(token)
		p.feeds.Set(token, feed, ttlcache.DefaultTTL)
	}
	if feed == nil {
		p.feedsMu.Unlock()
		return &ProtocolViolationError{Reason: "stream chunk for unknown token", Token: token, ReplyTo: chunk.ReplyTo}
	}
	if feed.claimed && (chunk.Done || chunk.Error != nil) {
		p.feeds.Delete(token)
	}
	p.feedsMu.Unlock()

	feed.push(chunk)
	return nil
}

func (p *Provider) notifyBackendError(detail *protocol.ErrorDetail) {
	p.log.Warn("completion backend reported an error", zap.String("type", detail.Type), zap.String("title", detail.Title))
	if p.notifier == nil {
		return
	}

	message := "Inline completion failed: " + detail.Type
	if detail.Title != "" {
		message = "Inline completion failed: " + detail.Title
	}
	p.notifier.Notify(Notification{
		Level:   LevelError,
		Message: message,
		Actions: []Action{{Label: "Show Traceback", Detail: detail.Traceback}},
	})
}

// Dispose stops routing, disposes the transport and ends every open stream
// with ErrDisposed. It is safe to call more than once.
func (p *Provider) Dispose() {
	p.disposeOnce.Do(func() {
		p.disposed.Store(true)
		p.sub.Close()
		p.transport.Dispose()

		p.feedsMu.Lock()
		for _, item := range p.feeds.Items() {
			item.Value().close(ErrDisposed)
		}
		p.feeds.DeleteAll()
		clear(p.inflight)
		p.feedsMu.Unlock()

		p.feeds.Stop()
		p.log.Debug("completion provider disposed")
	})
}

func (p *Provider) IsDisposed() bool {
	return p.disposed.Load()
}

// openStreams reports how many tokens currently have a feed.
func (p *Provider) openStreams() int {
	p.feedsMu.Lock()
	defer p.feedsMu.Unlock()
	return p.feeds.Len()
}
