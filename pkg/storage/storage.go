// Package storage provides the key-value backends that mirkv commands execute against.
//
// The Storage interface is deliberately small: every operation reports success
// or presence through a boolean and nothing else crosses the boundary, so a
// backend can be swapped without touching the protocol or network layers.
//
// Backends:
//   - SimpleLRU: a byte-bounded map evicting the least recently used entries.
//     It is not safe for concurrent use.
//   - Locked: wraps any Storage with a mutex so it can be shared by the
//     executor's worker goroutines.
//
// Example usage:
//
//	store := storage.NewLocked(storage.NewSimpleLRU(64 << 20))
//	store.Put("user:123", "john_doe")
//	if value, ok := store.Get("user:123"); ok {
//		fmt.Println(value)
//	}
package storage

// Storage is the capability set the command layer relies on.
type Storage interface {
	// Put stores value under key, replacing any previous value.
	Put(key, value string) bool

	// PutIfAbsent stores value only if key is not present.
	PutIfAbsent(key, value string) bool

	// Set replaces the value of an existing key. It fails if key is absent.
	Set(key, value string) bool

	// Delete removes key and reports whether it was present.
	Delete(key string) bool

	// Get returns the value stored under key.
	Get(key string) (string, bool)
}

// Stats describes the occupancy of a backend.
type Stats struct {
	Entries  int `json:"entries"`
	Bytes    int `json:"bytes"`
	MaxBytes int `json:"max_bytes"`
}

// StatsReporter is implemented by backends that can report occupancy.
type StatsReporter interface {
	Stats() Stats
}
