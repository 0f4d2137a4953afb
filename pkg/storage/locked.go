package storage

import "sync"

// Locked serializes every call to an underlying Storage.
type Locked struct {
	mu    sync.Mutex
	inner Storage
}

// NewLocked wraps inner for concurrent use.
func NewLocked(inner Storage) *Locked {
	return &Locked{inner: inner}
}

// Put implements Storage.
func (l *Locked) Put(key, value string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Put(key, value)
}

// PutIfAbsent implements Storage.
func (l *Locked) PutIfAbsent(key, value string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.PutIfAbsent(key, value)
}

// Set implements Storage.
func (l *Locked) Set(key, value string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Set(key, value)
}

// Delete implements Storage.
func (l *Locked) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Delete(key)
}

// Get implements Storage. It takes the exclusive lock because an LRU read
// reorders entries.
func (l *Locked) Get(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Get(key)
}

// Update runs fn with exclusive access to the wrapped storage, letting callers
// compose read-modify-write sequences atomically.
func (l *Locked) Update(fn func(Storage)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.inner)
}

// Stats implements StatsReporter when the wrapped storage does.
func (l *Locked) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.inner.(StatsReporter); ok {
		return r.Stats()
	}
	return Stats{}
}
