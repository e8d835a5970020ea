// Package blacklist tracks misbehaving peer addresses so the orchestrator
// skips every announcement from a peer whose metadata fetch failed, until
// that peer's entry expires or is evicted for capacity (§4.D).
package blacklist

import (
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// TTL is how long a blacklist entry remains valid after insertion.
const TTL = 15 * time.Minute

// Blacklist is a capacity-bounded, TTL-expiring LRU of peer socket
// addresses. Expired-entry eviction happens lazily from the LRU head on
// every read or write, which is exactly what expirable.LRU does internally.
type Blacklist struct {
	cache *lru.LRU[string, struct{}]
}

// New creates a Blacklist holding at most capacity entries, each valid for
// TTL after insertion.
func New(capacity int) *Blacklist {
	return &Blacklist{
		cache: lru.NewLRU[string, struct{}](capacity, nil, TTL),
	}
}

// Contains reports whether addr has a non-expired blacklist entry.
func (b *Blacklist) Contains(addr *net.UDPAddr) bool {
	_, ok := b.cache.Get(addr.String())
	return ok
}

// Insert records addr as misbehaving, starting a fresh TTL.
func (b *Blacklist) Insert(addr *net.UDPAddr) {
	b.cache.Add(addr.String(), struct{}{})
}

// Len returns the number of entries currently held (expired or not, until
// the next lazy eviction touches them).
func (b *Blacklist) Len() int {
	return b.cache.Len()
}
