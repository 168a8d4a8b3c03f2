package keys

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

type cacheEntry struct {
	material  []byte
	expiresAt time.Time
}

// Cache - вспомогательный кэш развёрнутых ключей с TTL.
// Источник истины - хранилище ключей, кэш всегда можно сбросить.
type Cache struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	items map[string]cacheEntry
	hooks []func(keyID string)

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache создаёт кэш. Нулевой ttl отключает кэширование.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now, items: make(map[string]cacheEntry)}
}

// Get возвращает копию материала ключа, если запись не устарела.
func (c *Cache) Get(keyID string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.items[keyID]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expiresAt) {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	return append([]byte(nil), entry.material...), true
}

// Put сохраняет материал ключа до истечения TTL.
func (c *Cache) Put(keyID string, material []byte) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.items[keyID] = cacheEntry{
		material:  append([]byte(nil), material...),
		expiresAt: c.now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Invalidate удаляет ключ из кэша и вызывает подписчиков.
func (c *Cache) Invalidate(keyID string) {
	c.mu.Lock()
	delete(c.items, keyID)
	hooks := append([]func(string){}, c.hooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(keyID)
	}
}

// Purge очищает кэш полностью.
func (c *Cache) Purge() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Invalidate(id)
	}
}

// OnInvalidate регистрирует обработчик инвалидации ключа.
func (c *Cache) OnInvalidate(hook func(keyID string)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// Stats возвращает счётчики попаданий и промахов.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
