package vault

import "sync"

// HashSet is the locally synced copy of registry hashes.
type HashSet struct {
	mu       sync.RWMutex
	hashes   map[string]struct{}
	lastSync int64
}

// NewHashSet creates an empty set.
func NewHashSet() *HashSet {
	return &HashSet{hashes: make(map[string]struct{})}
}

// Merge adds hashes and advances the sync cursor to ts (unix ms) if later.
// It returns how many hashes were new.
func (s *HashSet) Merge(hashes []string, ts int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, h := range hashes {
		if !ValidHash(h) {
			continue
		}
		if _, ok := s.hashes[h]; !ok {
			s.hashes[h] = struct{}{}
			added++
		}
	}
	if ts > s.lastSync {
		s.lastSync = ts
	}
	return added
}

// Contains reports whether hash is known.
func (s *HashSet) Contains(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hashes[hash]
	return ok
}

// Lookup hashes the URL's hostname and reports whether it is known.
func (s *HashSet) Lookup(rawURL string) (string, bool) {
	h := HashHostname(rawURL)
	return h, s.Contains(h)
}

// Len returns the number of hashes held.
func (s *HashSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hashes)
}

// LastSync returns the registry timestamp of the last merge, 0 if none.
func (s *HashSet) LastSync() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}
