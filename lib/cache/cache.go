/*
Copyright 2024 Ordinals Plus

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache keeps per-replica, two-level TTL caches in front of the
// upstream provider: inscription details by id and ordered inscription
// listings by sat. Replicas do not share cache state; concurrent misses may
// duplicate upstream calls, which is acceptable.
package cache

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"

	"github.com/ordinalsplus/btcoindexer"
	"github.com/ordinalsplus/btcoindexer/lib/defaults"
	"github.com/ordinalsplus/btcoindexer/lib/provider"
)

// Config holds cache construction parameters.
type Config struct {
	// TTL is how long entries stay valid.
	TTL time.Duration
	// SweepInterval is how often expired entries are evicted in the
	// background.
	SweepInterval time.Duration
	// Clock drives the sweep, overridden in tests.
	Clock clockwork.Clock
	// Logger is the cache logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.TTL < 0 {
		return trace.BadParameter("cache TTL must not be negative")
	}
	if c.TTL == 0 {
		c.TTL = defaults.CacheTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.CacheSweepInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(btcoindexer.ComponentKey, btcoindexer.ComponentCache)
	}
	return nil
}

// Cache is the two-level inscription cache. It is safe for concurrent use.
type Cache struct {
	inscriptions *gocache.Cache
	sats         *gocache.Cache
	logger       *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a cache and starts its background sweep.
func New(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Cache{
		// Sweeping is driven by our own ticker below so it can share
		// the configured clock and stop deterministically on Close;
		// the stores are created without their internal janitor.
		inscriptions: gocache.New(cfg.TTL, 0),
		sats:         gocache.New(cfg.TTL, 0),
		logger:       cfg.Logger,
		done:         make(chan struct{}),
	}
	go c.sweep(cfg.Clock, cfg.SweepInterval)
	return c, nil
}

// GetInscription looks up inscription details by id.
func (c *Cache) GetInscription(id string) (*provider.Inscription, bool) {
	v, ok := c.inscriptions.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*provider.Inscription), true
}

// SetInscription stores inscription details under its id.
func (c *Cache) SetInscription(ins *provider.Inscription) {
	c.inscriptions.SetDefault(ins.ID, ins)
}

// GetSatInscriptions looks up the ordered inscription listing of a sat.
func (c *Cache) GetSatInscriptions(sat int64) ([]string, bool) {
	v, ok := c.sats.Get(satKey(sat))
	if !ok {
		return nil, false
	}
	return v.([]string), true
}

// SetSatInscriptions stores the ordered inscription listing of a sat.
func (c *Cache) SetSatInscriptions(sat int64, ids []string) {
	c.sats.SetDefault(satKey(sat), ids)
}

// Size reports how many entries each level currently holds, expired
// entries included until the next sweep.
func (c *Cache) Size() (inscriptions, sats int) {
	return c.inscriptions.ItemCount(), c.sats.ItemCount()
}

// Close stops the background sweep. Lookups keep working after Close, only
// eviction stops.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) sweep(clock clockwork.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.Chan():
			c.inscriptions.DeleteExpired()
			c.sats.DeleteExpired()
			c.logger.Debug("Swept expired cache entries",
				"inscriptions", c.inscriptions.ItemCount(),
				"sats", c.sats.ItemCount())
		}
	}
}

func satKey(sat int64) string {
	return strconv.FormatInt(sat, 10)
}
