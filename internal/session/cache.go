package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/example/workspace-sync/internal/types"
)

// cacheEntry is a session remembered locally until cachedUntil.
type cacheEntry struct {
	token       string
	session     types.Session
	cachedUntil time.Time
}

// localCache is a bounded LRU in front of the shared store. It only ever
// answers reads; the shared store stays the source of truth.
type localCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
}

func newLocalCache(capacity int, ttl time.Duration) *localCache {
	if capacity < 1 {
		capacity = 1
	}
	return &localCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *localCache) Get(token string, now time.Time) (types.Session, bool) {
	if c == nil || c.ttl <= 0 {
		return types.Session{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[token]
	if !ok {
		return types.Session{}, false
	}
	entry := element.Value.(cacheEntry)
	if !now.Before(entry.cachedUntil) || entry.session.Expired(now) {
		c.ll.Remove(element)
		delete(c.items, token)
		return types.Session{}, false
	}
	c.ll.MoveToFront(element)
	return entry.session, true
}

func (c *localCache) Put(session types.Session, now time.Time) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cacheEntry{token: session.Token, session: session, cachedUntil: now.Add(c.ttl)}
	if element, ok := c.items[session.Token]; ok {
		element.Value = entry
		c.ll.MoveToFront(element)
		return
	}

	c.items[session.Token] = c.ll.PushFront(entry)
	if c.ll.Len() > c.capacity {
		if last := c.ll.Back(); last != nil {
			c.ll.Remove(last)
			delete(c.items, last.Value.(cacheEntry).token)
		}
	}
}

// Slide updates the expiry of a cached session without extending how long
// it may be served locally.
func (c *localCache) Slide(token string, expiresAt time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.items[token]; ok {
		entry := element.Value.(cacheEntry)
		entry.session.ExpiresAt = expiresAt
		element.Value = entry
	}
}

func (c *localCache) Delete(token string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.items[token]; ok {
		c.ll.Remove(element)
		delete(c.items, token)
	}
}
