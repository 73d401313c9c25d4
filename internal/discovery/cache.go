// SPDX-License-Identifier: GPL-2.0-only

package discovery

import (
	"sync"
	"time"

	"github.com/usbip-hostagent/deviceplane/internal/clock"
)

// Cache is the DeviceListCache from spec §3: a mapping keyed by identity
// plus a monotonic build timestamp. A hit returns a snapshot no older than
// TTL; on miss or expiry the caller is responsible for rebuilding it
// atomically via Replace.
type Cache struct {
	clk clock.Clock
	ttl time.Duration

	mu      sync.RWMutex
	devices map[string]UsbDevice
	builtAt time.Time
	valid   bool

	hits   *cacheCounter
	misses *cacheCounter
}

type cacheCounter struct {
	inc func()
}

// NewCache constructs an empty, invalid Cache. Hit/miss metrics stay
// disabled until SetCounters is called (tests that do not care about them
// never call it).
func NewCache(clk clock.Clock, ttl time.Duration) *Cache {
	return &Cache{clk: clk, ttl: ttl, devices: make(map[string]UsbDevice)}
}

// SetCounters wires Prometheus counters for cache_hits_total/
// cache_misses_total; called once from main.go's metrics setup.
func (c *Cache) SetCounters(hitInc, missInc func()) {
	c.hits = &cacheCounter{inc: hitInc}
	c.misses = &cacheCounter{inc: missInc}
}

// Snapshot returns the cached device list if it is fresh (age < TTL), and
// whether the cache was fresh enough to use.
func (c *Cache) Snapshot() ([]UsbDevice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fresh := c.valid && c.clk.Now().Sub(c.builtAt) < c.ttl
	if !fresh {
		if c.misses != nil {
			c.misses.inc()
		}
		return nil, false
	}
	if c.hits != nil {
		c.hits.inc()
	}
	out := make([]UsbDevice, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out, true
}

// Lookup consults the cache by identity regardless of freshness; used by
// discovery.Lookup's connect-cache semantics, which are refreshed by the
// notification path rather than by TTL expiry.
func (c *Cache) Lookup(busID, deviceID string) (UsbDevice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[busID+":"+deviceID]
	return d, ok
}

// Replace atomically rebuilds the cache from a fresh enumeration.
func (c *Cache) Replace(devices []UsbDevice) {
	next := make(map[string]UsbDevice, len(devices))
	for _, d := range devices {
		next[d.Identity()] = d
	}
	c.mu.Lock()
	c.devices = next
	c.builtAt = c.clk.Now()
	c.valid = true
	c.mu.Unlock()
}

// Put inserts or updates a single device, used by the connect-cache path
// when a first-match notification fires outside a full Discover.
func (c *Cache) Put(d UsbDevice) {
	c.mu.Lock()
	c.devices[d.Identity()] = d
	c.mu.Unlock()
}

// Remove deletes a single device by identity, used when a terminated
// notification fires.
func (c *Cache) Remove(busID, deviceID string) {
	c.mu.Lock()
	delete(c.devices, busID+":"+deviceID)
	c.mu.Unlock()
}

// Clear empties the cache and invalidates it, used by stop_notifications.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.devices = make(map[string]UsbDevice)
	c.valid = false
	c.mu.Unlock()
}

// Size reports the current entry count, for cache_size gauge scraping.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}
