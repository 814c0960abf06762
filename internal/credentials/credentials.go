// Package credentials holds the process-wide map of decrypted provider
// secrets, keyed by model id. It is written exclusively by the config plane
// (internal/configplane) and read by provider adapters at dispatch time.
package credentials

import "sync"

// Store is a process-wide, concurrency-safe secret map.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

// key derives the storage key for a model id: "store_<model_id>".
func key(modelID string) string { return "store_" + modelID }

// Put installs (or replaces) the secret for a model id. Safe to call
// concurrently with Get; never called concurrently with itself for the same
// model id because C1 serializes writes through a single subscriber
// goroutine.
func (s *Store) Put(modelID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.values[key(modelID)] = secret
}

// Get returns the decrypted secret for a model id and whether it was found.
func (s *Store) Get(modelID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key(modelID)]
	return v, ok
}

// Delete removes the secret for a model id, e.g. on a config-plane `del` event.
func (s *Store) Delete(modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key(modelID))
}

// Len reports the number of stored secrets.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Close releases all secret material and rejects further writes. Idempotent.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
	s.closed = true
}
