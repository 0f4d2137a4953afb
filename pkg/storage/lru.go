package storage

import "container/list"

// DefaultMaxBytes bounds a SimpleLRU created with a non-positive size.
const DefaultMaxBytes = 1024

type entry struct {
	key   string
	value string
}

func (e *entry) size() int { return len(e.key) + len(e.value) }

// SimpleLRU is a map bounded by the total number of key and value bytes it
// holds. When an insert would exceed the bound, the least recently used
// entries are evicted until the new entry fits. Reads and successful writes
// refresh an entry's recency.
//
// SimpleLRU is not safe for concurrent use; wrap it with NewLocked.
type SimpleLRU struct {
	index    map[string]*list.Element
	order    *list.List // front is most recently used
	maxBytes int
	curBytes int
}

// NewSimpleLRU creates an empty SimpleLRU holding at most maxBytes of keys and values.
func NewSimpleLRU(maxBytes int) *SimpleLRU {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &SimpleLRU{
		index:    make(map[string]*list.Element),
		order:    list.New(),
		maxBytes: maxBytes,
	}
}

// Put implements Storage. Entries larger than the whole cache are rejected.
func (c *SimpleLRU) Put(key, value string) bool {
	if el, ok := c.index[key]; ok {
		return c.update(el, value)
	}
	return c.insert(key, value)
}

// PutIfAbsent implements Storage.
func (c *SimpleLRU) PutIfAbsent(key, value string) bool {
	if _, ok := c.index[key]; ok {
		return false
	}
	return c.insert(key, value)
}

// Set implements Storage.
func (c *SimpleLRU) Set(key, value string) bool {
	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.update(el, value)
}

// Delete implements Storage.
func (c *SimpleLRU) Delete(key string) bool {
	el, ok := c.index[key]
	if !ok {
		return false
	}
	c.remove(el)
	return true
}

// Get implements Storage.
func (c *SimpleLRU) Get(key string) (string, bool) {
	el, ok := c.index[key]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Stats implements StatsReporter.
func (c *SimpleLRU) Stats() Stats {
	return Stats{
		Entries:  len(c.index),
		Bytes:    c.curBytes,
		MaxBytes: c.maxBytes,
	}
}

func (c *SimpleLRU) insert(key, value string) bool {
	n := &entry{key: key, value: value}
	if n.size() > c.maxBytes {
		return false
	}
	c.evict(n.size(), nil)
	c.index[key] = c.order.PushFront(n)
	c.curBytes += n.size()
	return true
}

func (c *SimpleLRU) update(el *list.Element, value string) bool {
	e := el.Value.(*entry)
	if len(e.key)+len(value) > c.maxBytes {
		return false
	}
	c.order.MoveToFront(el)
	c.evict(len(value)-len(e.value), el)
	c.curBytes += len(value) - len(e.value)
	e.value = value
	return true
}

// evict drops least recently used entries, never keep, until growing by delta
// bytes stays within the bound.
func (c *SimpleLRU) evict(delta int, keep *list.Element) {
	for c.curBytes+delta > c.maxBytes {
		back := c.order.Back()
		if back == nil || back == keep {
			return
		}
		c.remove(back)
	}
}

func (c *SimpleLRU) remove(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.index, e.key)
	c.curBytes -= e.size()
}
