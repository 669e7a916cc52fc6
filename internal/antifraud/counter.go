package antifraud

import (
	"sync"
	"time"
)

// MemoryCounter is a TTL-bounded suspicion counter. Each Bump records a
// timestamp; Count only sees bumps younger than the TTL, so suspicion decays
// without a background sweeper.
type MemoryCounter struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string][]time.Time

	now func() time.Time // test override
}

// NewMemoryCounter creates a counter whose entries expire after ttl
// (1 hour if <= 0).
func NewMemoryCounter(ttl time.Duration) *MemoryCounter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryCounter{
		ttl:     ttl,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (c *MemoryCounter) Bump(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.prune(accountID)
	live = append(live, c.now())
	c.entries[accountID] = live
	return len(live)
}

func (c *MemoryCounter) Count(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.prune(accountID)
	if len(live) == 0 {
		delete(c.entries, accountID)
		return 0
	}
	c.entries[accountID] = live
	return len(live)
}

func (c *MemoryCounter) Evict(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
}

// prune drops expired bumps. Caller holds c.mu.
func (c *MemoryCounter) prune(accountID string) []time.Time {
	cutoff := c.now().Add(-c.ttl)
	var live []time.Time
	for _, t := range c.entries[accountID] {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	return live
}
