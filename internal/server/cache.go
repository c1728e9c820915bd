package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

const defaultCacheTTL = 5 * time.Minute

// CachingCompleter remembers finished completions by request content and
// replays them as a single fragment. Failed or interrupted completions are
// not cached.
type CachingCompleter struct {
	next  Completer
	cache *ttlcache.Cache[string, string]
}

var _ Completer = (*CachingCompleter)(nil)

func NewCachingCompleter(next Completer, ttl time.Duration) *CachingCompleter {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go c.Start()
	return &CachingCompleter{next: next, cache: c}
}

// Close stops the cache expiration loop.
func (c *CachingCompleter) Close() {
	c.cache.Stop()
}

func (c *CachingCompleter) Complete(ctx context.Context, req protocol.Request, emit func(string) error) error {
	key := cacheKey(req)
	if item := c.cache.Get(key); item != nil {
		return emit(item.Value())
	}

	var b strings.Builder
	err := c.next.Complete(ctx, req, func(fragment string) error {
		b.WriteString(fragment)
		return emit(fragment)
	})
	if err != nil {
		return err
	}
	c.cache.Set(key, b.String(), ttlcache.DefaultTTL)
	return nil
}

func cacheKey(req protocol.Request) string {
	h := sha256.New()
	for _, part := range []string{req.Language, req.MIME, req.Path, req.Prefix, req.Suffix} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
