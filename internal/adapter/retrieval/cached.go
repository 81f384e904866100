package retrieval

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"squadron/internal/domain"
)

// CachedRetriever memoizes query results for a TTL, keeping at most size
// entries (least recently used evicted first). Errors are not cached.
type CachedRetriever struct {
	inner domain.Retriever
	ttl   time.Duration
	size  int
	now   func() time.Time

	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key       string
	passages  []domain.Passage
	expiresAt time.Time
}

// NewCachedRetriever wraps inner. A size or ttl of zero returns inner
// unchanged.
func NewCachedRetriever(inner domain.Retriever, ttl time.Duration, size int) domain.Retriever {
	if ttl <= 0 || size <= 0 {
		return inner
	}
	return newCachedRetriever(inner, ttl, size, time.Now)
}

func newCachedRetriever(inner domain.Retriever, ttl time.Duration, size int, now func() time.Time) *CachedRetriever {
	return &CachedRetriever{
		inner: inner,
		ttl:   ttl,
		size:  size,
		now:   now,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// FetchContext implements domain.Retriever.
func (c *CachedRetriever) FetchContext(ctx context.Context, query string) ([]domain.Passage, error) {
	key := strings.ToLower(strings.TrimSpace(query))

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*cacheEntry)
		if c.now().Before(e.expiresAt) {
			c.order.MoveToFront(el)
			c.mu.Unlock()
			return e.passages, nil
		}
		c.remove(el)
	}
	c.mu.Unlock()

	passages, err := c.inner.FetchContext(ctx, query)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, passages: passages, expiresAt: c.now().Add(c.ttl)})
	for c.order.Len() > c.size {
		c.remove(c.order.Back())
	}
	return passages, nil
}

func (c *CachedRetriever) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).key)
}

// Invalidate drops every cached result.
func (c *CachedRetriever) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Len reports the number of cached queries.
func (c *CachedRetriever) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
