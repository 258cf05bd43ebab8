package cache

import "sync"

type lru struct {
	capacity int
	onEvict  func(string)

	mu    sync.Mutex
	items map[string]*node
	order *list
}

func newLRU(capacity int, onEvict func(string)) *lru {
	return &lru{
		capacity: capacity,
		onEvict:  onEvict,
		items:    make(map[string]*node, capacity),
		order:    newList(),
	}
}

func (c *lru) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.moveToFront(n)
	return n.value, true
}

func (c *lru) Set(key string, value any) {
	evicted, ok := c.insert(key, value)
	if ok && c.onEvict != nil {
		c.onEvict(evicted)
	}
}

func (c *lru) insert(key string, value any) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.items[key]; ok {
		n.value = value
		c.order.moveToFront(n)
		return "", false
	}
	var (
		evicted    string
		hasEvicted bool
	)
	if len(c.items) >= c.capacity {
		evicted, hasEvicted = c.evictUnlocked()
	}
	n := &node{key: key, value: value}
	c.items[key] = n
	c.order.pushFront(n)
	return evicted, hasEvicted
}

// evictUnlocked drops the node adjacent to the tail sentinel. Caller holds mu.
func (c *lru) evictUnlocked() (string, bool) {
	victim := c.order.back()
	if victim == nil {
		return "", false
	}
	c.order.remove(victim)
	delete(c.items, victim.key)
	return victim.key, true
}

func (c *lru) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.items[key]
	if !ok {
		return
	}
	c.order.remove(n)
	delete(c.items, key)
}

func (c *lru) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*node, c.capacity)
	c.order.reset()
}

func (c *lru) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *lru) Capacity() int { return c.capacity }

func (c *lru) Policy() Policy { return PolicyLRU }
