package directory

import "sync"

// recordCache is the local address→record mapping. Single writer, many
// readers; concurrent resolves for one address must not race-insert
// conflicting key records.
type recordCache struct {
	mu      sync.RWMutex
	records map[string]Record
}

func newRecordCache() *recordCache {
	return &recordCache{records: make(map[string]Record)}
}

func (c *recordCache) Get(address string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[address]
	return rec, ok
}

// Put accepts a record keyed by address only. A record whose keys disagree
// with the cached one is rejected with ErrKeyConflict; a matching record
// may refresh endpoints when newer.
func (c *recordCache) Put(rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.records[rec.Address]
	if !ok {
		c.records[rec.Address] = rec
		return nil
	}
	if !existing.SameKeys(rec) {
		return ErrKeyConflict
	}
	if rec.UpdatedAt > existing.UpdatedAt {
		c.records[rec.Address] = rec
	}
	return nil
}

func (c *recordCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
