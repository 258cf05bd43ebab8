package cache

import "sync"

// lfu keeps one recency-ordered bucket per access frequency. minFreq always
// names the smallest non-empty bucket, or 1 when the cache is empty.
type lfu struct {
	capacity int
	onEvict  func(string)

	mu      sync.Mutex
	items   map[string]*node
	buckets map[int]*list
	minFreq int
}

func newLFU(capacity int, onEvict func(string)) *lfu {
	return &lfu{
		capacity: capacity,
		onEvict:  onEvict,
		items:    make(map[string]*node, capacity),
		buckets:  make(map[int]*list),
		minFreq:  1,
	}
}

func (c *lfu) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.touchUnlocked(n)
	return n.value, true
}

func (c *lfu) Set(key string, value any) {
	evicted, ok := c.insert(key, value)
	if ok && c.onEvict != nil {
		c.onEvict(evicted)
	}
}

func (c *lfu) insert(key string, value any) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.items[key]; ok {
		n.value = value
		c.touchUnlocked(n)
		return "", false
	}
	var (
		evicted    string
		hasEvicted bool
	)
	if len(c.items) >= c.capacity {
		evicted, hasEvicted = c.evictUnlocked()
	}
	n := &node{key: key, value: value, freq: 1}
	c.items[key] = n
	c.bucketUnlocked(1).pushFront(n)
	c.minFreq = 1
	return evicted, hasEvicted
}

func (c *lfu) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.items[key]
	if !ok {
		return
	}
	delete(c.items, key)
	if c.detachUnlocked(n) && n.freq == c.minFreq {
		c.minFreq = c.lowestFreqUnlocked()
	}
}

func (c *lfu) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*node, c.capacity)
	c.buckets = make(map[int]*list)
	c.minFreq = 1
}

func (c *lfu) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *lfu) Capacity() int { return c.capacity }

func (c *lfu) Policy() Policy { return PolicyLFU }

// touchUnlocked promotes n to the head of the next frequency bucket.
func (c *lfu) touchUnlocked(n *node) {
	old := n.freq
	emptied := c.detachUnlocked(n)
	n.freq = old + 1
	c.bucketUnlocked(n.freq).pushFront(n)
	if emptied && old == c.minFreq {
		// No bucket below old exists, and n now lives in old+1.
		c.minFreq = n.freq
	}
}

// evictUnlocked drops the oldest node of the lowest frequency bucket.
func (c *lfu) evictUnlocked() (string, bool) {
	bucket, ok := c.buckets[c.minFreq]
	if !ok {
		return "", false
	}
	victim := bucket.back()
	if victim == nil {
		return "", false
	}
	delete(c.items, victim.key)
	if c.detachUnlocked(victim) {
		c.minFreq = c.lowestFreqUnlocked()
	}
	return victim.key, true
}

// detachUnlocked unlinks n from its bucket and reports whether the bucket was
// dropped because it became empty.
func (c *lfu) detachUnlocked(n *node) bool {
	bucket, ok := c.buckets[n.freq]
	if !ok {
		return false
	}
	bucket.remove(n)
	if bucket.len > 0 {
		return false
	}
	delete(c.buckets, n.freq)
	return true
}

func (c *lfu) bucketUnlocked(freq int) *list {
	bucket, ok := c.buckets[freq]
	if !ok {
		bucket = newList()
		c.buckets[freq] = bucket
	}
	return bucket
}

func (c *lfu) lowestFreqUnlocked() int {
	lowest := 0
	for freq := range c.buckets {
		if lowest == 0 || freq < lowest {
			lowest = freq
		}
	}
	if lowest == 0 {
		return 1
	}
	return lowest
}
