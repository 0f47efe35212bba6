package policy

import (
	"sync"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
)

// WatchedSet is the shared mutable set of lowercased recipient addresses
// under the WatchAddress strategy. It is the one piece of cross-goroutine
// shared state between producer and consumer: the Address Registry
// Listener (C8) writes to it, the Policy Filter (C3) reads it, lookups
// run O(1) average via a Go map guarded by a RWMutex.
type WatchedSet struct {
	mu   sync.RWMutex
	addr map[string]struct{}
}

func NewWatchedSet() *WatchedSet {
	return &WatchedSet{addr: make(map[string]struct{})}
}

// Add inserts a lowercased address. Idempotent.
func (s *WatchedSet) Add(address string) {
	lower := chain.Lowercase(address)
	s.mu.Lock()
	s.addr[lower] = struct{}{}
	s.mu.Unlock()
}

// Remove deletes a lowercased address. Idempotent.
func (s *WatchedSet) Remove(address string) {
	lower := chain.Lowercase(address)
	s.mu.Lock()
	delete(s.addr, lower)
	s.mu.Unlock()
}

// Contains reports whether address (any case) is in the set.
func (s *WatchedSet) Contains(address string) bool {
	lower := chain.Lowercase(address)
	s.mu.RLock()
	_, ok := s.addr[lower]
	s.mu.RUnlock()
	return ok
}

// Len returns the number of watched addresses.
func (s *WatchedSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.addr)
}

// Snapshot returns a copy of the current address set; later mutations of
// the set do not affect the returned slice.
func (s *WatchedSet) Snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.addr))
	for a := range s.addr {
		out = append(out, a)
	}
	return out
}
