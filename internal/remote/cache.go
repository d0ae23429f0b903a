// v1
// internal/remote/cache.go
package remote

import (
	"strings"
	"sync"
	"time"

	"github.com/hzj1203/BYD/internal/models"
)

// CacheObserver is told about every status lookup.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// vinKey is a VIN folded to the form the service treats as identical.
type vinKey string

func keyOf(vin string) vinKey { return vinKey(strings.ToUpper(strings.TrimSpace(vin))) }

type statusEntry struct {
	status    models.VehicleStatus
	fetchedAt time.Time
}

// statusCache holds the last reported status per vehicle. Every command
// that reached the service bumps the vehicle's epoch, which drops the
// entry and discards any fetch that started before the command.
type statusCache struct {
	mu      sync.Mutex
	entries map[vinKey]statusEntry
	epochs  map[vinKey]uint64
	ttl     time.Duration
	obs     CacheObserver
	now     func() time.Time
}

func newStatusCache(ttl time.Duration, obs CacheObserver) *statusCache {
	return &statusCache{
		entries: make(map[vinKey]statusEntry),
		epochs:  make(map[vinKey]uint64),
		ttl:     ttl,
		obs:     obs,
		now:     time.Now,
	}
}

// lookup returns a fresh status or, on a miss, the epoch a fetch must
// present to store.
func (c *statusCache) lookup(vin string) (models.VehicleStatus, uint64, bool) {
	k := keyOf(vin)
	c.mu.Lock()
	e, ok := c.entries[k]
	epoch := c.epochs[k]
	fresh := ok && c.now().Sub(e.fetchedAt) <= c.ttl
	c.mu.Unlock()
	if c.obs != nil {
		if fresh {
			c.obs.CacheHit()
		} else {
			c.obs.CacheMiss()
		}
	}
	if !fresh {
		return models.VehicleStatus{}, epoch, false
	}
	return e.status, epoch, true
}

// store keeps st unless a command for the vehicle went out after epoch
// was read.
func (c *statusCache) store(vin string, epoch uint64, st models.VehicleStatus) bool {
	k := keyOf(vin)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochs[k] != epoch {
		return false
	}
	c.entries[k] = statusEntry{status: st, fetchedAt: c.now()}
	return true
}

// invalidate is called once per command the service answered, whatever
// the answer.
func (c *statusCache) invalidate(vin string) {
	k := keyOf(vin)
	c.mu.Lock()
	delete(c.entries, k)
	c.epochs[k]++
	c.mu.Unlock()
}
