package common

// Cache is a generic, non-thread-safe LRU cache mapping keys to values.
// When the configured capacity is exceeded, the least recently used entry
// is dropped.
type Cache[K comparable, V any] struct {
	cache    map[K]*entry[K, V]
	capacity int
	head     *entry[K, V]
	tail     *entry[K, V]
}

// NewCache returns an empty cache holding at most capacity entries.
// A capacity below one is raised to one.
func NewCache[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache[K, V]{
		cache:    make(map[K]*entry[K, V], capacity),
		capacity: capacity,
	}
}

// Get returns the value stored for the given key, if present, and marks
// it as recently used.
func (c *Cache[K, V]) Get(key K) (val V, exists bool) {
	item, exists := c.cache[key]
	if exists {
		val = item.val
		c.touch(item)
	}
	return
}

// Set associates the key with the given value. An existing entry is
// updated and marked as used, a new entry may evict the least recently
// used one.
func (c *Cache[K, V]) Set(key K, val V) {
	item, exists := c.cache[key]
	if !exists {
		if len(c.cache) >= c.capacity {
			c.dropLast()
		}

		item = &entry[K, V]{key: key}
		c.cache[key] = item

		item.next = c.head
		if c.head != nil {
			c.head.prev = item
		}
		c.head = item
		if c.tail == nil {
			c.tail = item
		}
	}
	item.val = val
	c.touch(item)
}

// Remove drops the entry for the given key, if present.
func (c *Cache[K, V]) Remove(key K) {
	item, exists := c.cache[key]
	if !exists {
		return
	}
	delete(c.cache, key)
	c.unlink(item)
}

// Clear drops all entries.
func (c *Cache[K, V]) Clear() {
	c.cache = make(map[K]*entry[K, V], c.capacity)
	c.head = nil
	c.tail = nil
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	return len(c.cache)
}

// touch moves the entry to the front of the LRU queue.
func (c *Cache[K, V]) touch(item *entry[K, V]) {
	if item == c.head {
		return
	}

	item.prev.next = item.next
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}

	item.prev = nil
	item.next = c.head
	c.head.prev = item
	c.head = item
}

func (c *Cache[K, V]) unlink(item *entry[K, V]) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
}

// dropLast removes the least recently used entry.
func (c *Cache[K, V]) dropLast() {
	if c.tail == nil {
		return
	}
	delete(c.cache, c.tail.key)
	c.unlink(c.tail)
}

// entry is a cache item holding a key, a value and its position in the
// LRU queue.
type entry[K comparable, V any] struct {
	key  K
	val  V
	prev *entry[K, V]
	next *entry[K, V]
}
