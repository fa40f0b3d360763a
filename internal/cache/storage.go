package cache

// Storage is the persistence collaborator the token cache is built on.
// Implementations must be safe for concurrent use; the cache layers its own
// write serialization and atomicity on top, so Storage only needs per-call
// consistency.
//
// Keys and values are opaque strings; the cache owns all key construction.
type Storage interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)

	// Put stores value under key, replacing any existing value.
	Put(key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error

	// GetAll returns a snapshot copy of every entry. Mutating the returned
	// map does not affect the store.
	GetAll() (map[string]string, error)
}
