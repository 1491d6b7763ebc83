package container

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/lib/util"
	"github.com/ValentinKolb/dGrid/lib/version"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("container")

const (
	defaultSweepInterval = 100 * time.Millisecond
	defaultTombstoneTTL  = time.Minute
)

// --------------------------------------------------------------------------
// Core container structure
// --------------------------------------------------------------------------

// shard holds a slice of the key space together with its expiry schedule.
// mu only guards the heap; entry atomicity comes from the xsync map.
// graves is only written inside a Compute of data for the same key.
type shard struct {
	data   *xsync.MapOf[string, Entry]
	graves *xsync.MapOf[string, tombstone]
	mu     sync.Mutex
	expiry *util.MapHeap[string]
}

// tombstone is the last version of a removed or expired key
type tombstone struct {
	version version.EntryVersion
	at      time.Time
}

// Container is the in-memory map of key to versioned entry.
type Container struct {
	seed   uint64
	shards []*shard
	gen    *version.Generator
	now    func() time.Time
	sizes  *util.SizeHistogram
	ttl    time.Duration // how long tombstones are kept, 0 keeps none

	sweepInterval time.Duration
	sweeping      atomic.Bool
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// Options configures a Container
type Options struct {
	NumShards     int              // number of shards (0 = number of CPUs)
	SweepInterval time.Duration    // interval of the background expiry sweep (0 = default, <0 = disabled)
	Clock         func() time.Time // time source (nil = time.Now)
	TombstoneTTL  time.Duration    // how long the last version of a removed key is remembered (0 = default, <0 = never)
}

// DefaultOptions returns the default container options
func DefaultOptions() *Options {
	return &Options{
		NumShards:     runtime.NumCPU(),
		SweepInterval: defaultSweepInterval,
		Clock:         time.Now,
		TombstoneTTL:  defaultTombstoneTTL,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// New creates a container issuing versions from gen.
// The background sweep starts immediately unless disabled in opts.
func New(gen *version.Generator, opts *Options) *Container {
	if opts == nil {
		opts = DefaultOptions()
	}
	numShards := opts.NumShards
	if numShards <= 0 {
		numShards = runtime.NumCPU()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := opts.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	ttl := opts.TombstoneTTL
	switch {
	case ttl == 0:
		ttl = defaultTombstoneTTL
	case ttl < 0:
		ttl = 0
	}

	shards := make([]*shard, numShards)
	for i := range shards {
		shards[i] = &shard{
			data:   xsync.NewMapOf[string, Entry](),
			graves: xsync.NewMapOf[string, tombstone](),
			expiry: util.NewMapHeap[string](),
		}
	}

	c := &Container{
		seed:          util.GenerateSeed(),
		shards:        shards,
		gen:           gen,
		now:           clock,
		sizes:         util.NewSizeHistogram(),
		ttl:           ttl,
		sweepInterval: interval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	if interval > 0 {
		c.sweeping.Store(true)
		go c.sweeper()
	} else {
		close(c.doneCh)
	}
	return c
}

func (c *Container) shardFor(key string) *shard {
	return c.shards[util.ShardIndex(util.HashString(key, c.seed), len(c.shards))]
}

// Generator returns the version generator used by this container
func (c *Container) Generator() *version.Generator {
	return c.gen
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// Put stores value under key and returns the freshly issued version.
// The version is strictly greater than any version the key held before, expired or not.
//
// Thread-safety: concurrent puts on the same key serialize on the key; each one
// observes the previous writer's version as its baseline.
func (c *Container) Put(key string, value []byte, meta Metadata) version.EntryVersion {
	meta = meta.Normalize()
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	sh := c.shardFor(key)
	var issued version.EntryVersion
	sh.data.Compute(key, func(old Entry, loaded bool) (Entry, bool) {
		var prev version.EntryVersion
		if loaded {
			prev = old.Version
		} else if t, ok := sh.graves.LoadAndDelete(key); ok {
			prev = t.version
		}
		issued = c.gen.Next(prev)
		now := c.now()
		e := Entry{
			Key:      key,
			Value:    valueCopy,
			Metadata: meta,
			Version:  issued,
			Created:  now,
			LastUsed: now,
		}
		sh.schedule(e)
		return e, false
	})
	c.sizes.AddSample(len(valueCopy))
	return issued
}

// PutVersioned installs an entry carrying a version issued elsewhere (preload, replica apply).
// Created and LastUsed are kept when set so a preloaded lifespan keeps counting from the original write.
// An entry older than or equal to the current one, or to the tombstone of the
// key, is ignored and false is returned.
func (c *Container) PutVersioned(e Entry) bool {
	e = e.clone()
	e.Metadata = e.Metadata.Normalize()
	now := c.now()
	if e.Created.IsZero() {
		e.Created = now
	}
	if e.LastUsed.IsZero() {
		e.LastUsed = e.Created
	}

	sh := c.shardFor(e.Key)
	installed := false
	sh.data.Compute(e.Key, func(old Entry, loaded bool) (Entry, bool) {
		if loaded && !old.Version.Less(e.Version) {
			return old, false
		}
		if t, ok := sh.graves.Load(e.Key); ok && !t.version.Less(e.Version) {
			return old, !loaded
		}
		sh.graves.Delete(e.Key)
		installed = true
		sh.schedule(e)
		return e, false
	})

	c.gen.Observe(e.Version)
	if installed {
		c.sizes.AddSample(len(e.Value))
	}
	return installed
}

// Remove deletes key and returns the entry it held if that entry was live.
// The removed version stays known as the tombstone of the key.
func (c *Container) Remove(key string) (Entry, bool) {
	return c.remove(key, version.EntryVersion{})
}

// RemoveVersioned applies a removal issued elsewhere under removal. An entry
// newer than removal survives. The tombstone of the key becomes removal.
func (c *Container) RemoveVersioned(key string, removal version.EntryVersion) (Entry, bool) {
	prev, live := c.remove(key, removal)
	c.gen.Observe(removal)
	return prev, live
}

func (c *Container) remove(key string, removal version.EntryVersion) (Entry, bool) {
	sh := c.shardFor(key)
	var (
		prev Entry
		live bool
	)
	sh.data.Compute(key, func(old Entry, loaded bool) (Entry, bool) {
		grave := removal
		if loaded {
			if !removal.IsZero() && removal.Less(old.Version) {
				return old, false
			}
			live = !old.IsExpired(c.now())
			prev = old
			sh.unschedule(key)
			if grave.IsZero() {
				grave = old.Version
			}
		}
		c.bury(sh, key, grave)
		return old, true
	})
	return prev, live
}

// bury records v as the tombstone of key; must be called inside the key's Compute
func (c *Container) bury(sh *shard, key string, v version.EntryVersion) {
	if c.ttl <= 0 || v.IsZero() {
		return
	}
	if t, ok := sh.graves.Load(key); ok && v.Less(t.version) {
		return
	}
	sh.graves.Store(key, tombstone{version: v, at: c.now()})
}

// Clear empties the container. Versions keep increasing after a clear.
func (c *Container) Clear() {
	for _, sh := range c.shards {
		sh.data.Clear()
		sh.graves.Clear()
		sh.mu.Lock()
		sh.expiry.Clear()
		sh.mu.Unlock()
	}
}

// --------------------------------------------------------------------------
// Read Operations
// --------------------------------------------------------------------------

// Get returns a copy of the live entry for key.
// Expired entries are removed on the spot and reported as absent.
// Reading an entry with a max-idle moves its idle deadline.
func (c *Container) Get(key string) (Entry, bool) {
	return c.read(key, true)
}

// Peek is Get without touching the idle deadline
func (c *Container) Peek(key string) (Entry, bool) {
	return c.read(key, false)
}

func (c *Container) read(key string, touch bool) (Entry, bool) {
	sh := c.shardFor(key)
	var (
		result Entry
		ok     bool
	)
	sh.data.Compute(key, func(e Entry, loaded bool) (Entry, bool) {
		if !loaded {
			return e, true
		}
		now := c.now()
		if e.IsExpired(now) {
			sh.unschedule(key)
			c.bury(sh, key, e.Version)
			return e, true
		}
		if touch && e.Metadata.MaxIdle > 0 {
			e.LastUsed = now
			sh.schedule(e)
		}
		result, ok = e.clone(), true
		return e, false
	})
	return result, ok
}

// Version returns the version of the live entry for key
func (c *Container) Version(key string) (version.EntryVersion, bool) {
	e, ok := c.Peek(key)
	if !ok {
		return version.EntryVersion{}, false
	}
	return e.Version, true
}

// Last returns the version of the live entry for key. For a key without a
// live entry it returns the version of its tombstone (zero when none is
// remembered) and false.
func (c *Container) Last(key string) (version.EntryVersion, bool) {
	if v, ok := c.Version(key); ok {
		return v, true
	}
	if t, ok := c.shardFor(key).graves.Load(key); ok {
		return t.version, false
	}
	return version.EntryVersion{}, false
}

// Size counts the live entries
func (c *Container) Size() int {
	now := c.now()
	count := 0
	for _, sh := range c.shards {
		sh.data.Range(func(_ string, e Entry) bool {
			if !e.IsExpired(now) {
				count++
			}
			return true
		})
	}
	return count
}

// Range calls fn with a copy of every live entry until fn returns false
func (c *Container) Range(fn func(Entry) bool) {
	now := c.now()
	for _, sh := range c.shards {
		cont := true
		sh.data.Range(func(_ string, e Entry) bool {
			if e.IsExpired(now) {
				return true
			}
			cont = fn(e.clone())
			return cont
		})
		if !cont {
			return
		}
	}
}

// Page returns up to limit live entries whose keys sort after the given key,
// in ascending key order, and whether more entries follow. Paging through a
// container that is written concurrently sees every key that existed for the
// whole walk.
func (c *Container) Page(after string, limit int) ([]Entry, bool) {
	now := c.now()
	var keys []string
	for _, sh := range c.shards {
		sh.data.Range(func(key string, e Entry) bool {
			if key > after && !e.IsExpired(now) {
				keys = append(keys, key)
			}
			return true
		})
	}
	slices.Sort(keys)

	out := make([]Entry, 0, min(limit, len(keys)))
	for _, key := range keys {
		if len(out) == limit {
			return out, true
		}
		if e, ok := c.Peek(key); ok {
			out = append(out, e)
		}
	}
	return out, false
}

// --------------------------------------------------------------------------
// Expiry
// --------------------------------------------------------------------------

// schedule registers the entry's expiry deadline; must be called inside the key's Compute
func (sh *shard) schedule(e Entry) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if at, ok := e.ExpiresAt(); ok {
		sh.expiry.AddItem(e.Key, at.UnixNano())
	} else {
		sh.expiry.RemoveByKey(e.Key)
	}
}

func (sh *shard) unschedule(key string) {
	sh.mu.Lock()
	sh.expiry.RemoveByKey(key)
	sh.mu.Unlock()
}

// PurgeExpired physically removes every entry whose deadline has passed and returns how many were removed
func (c *Container) PurgeExpired() int {
	now := c.now()
	purged := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		due := sh.expiry.PopDue(now.UnixNano())
		sh.mu.Unlock()

		for _, key := range due {
			sh.data.Compute(key, func(e Entry, loaded bool) (Entry, bool) {
				if !loaded {
					return e, true
				}
				// the entry may have been rewritten or touched since it was scheduled
				if !e.IsExpired(now) {
					sh.schedule(e)
					return e, false
				}
				purged++
				c.bury(sh, key, e.Version)
				return e, true
			})
		}
		c.forget(sh, now)
	}
	return purged
}

// forget drops the tombstones older than the tombstone ttl
func (c *Container) forget(sh *shard, now time.Time) {
	sh.graves.Range(func(key string, t tombstone) bool {
		if now.Sub(t.at) >= c.ttl {
			sh.data.Compute(key, func(e Entry, loaded bool) (Entry, bool) {
				if cur, ok := sh.graves.Load(key); ok && cur.version == t.version {
					sh.graves.Delete(key)
				}
				return e, !loaded
			})
		}
		return true
	})
}

// sweeper periodically purges expired entries until Close is called
func (c *Container) sweeper() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.PurgeExpired(); n > 0 {
				log.Debugf("expiry sweep removed %d entries", n)
			}
		}
	}
}

// Close stops the background sweep. The container stays usable for reads and writes.
func (c *Container) Close() {
	if c.sweeping.CompareAndSwap(true, false) {
		close(c.stopCh)
	}
	<-c.doneCh
}

// --------------------------------------------------------------------------
// Info
// --------------------------------------------------------------------------

// Info describes the container contents
type Info struct {
	Entries          int                    `json:"entries"`
	Shards           int                    `json:"shards"`
	Distribution     util.DistributionStats `json:"distribution"`
	AverageValueSize int                    `json:"average_value_size"`
	P99ValueSize     int                    `json:"p99_value_size"`
	Generation       uint64                 `json:"generation"`
}

// Info collects statistics about the container
func (c *Container) Info() Info {
	sizes := make([]float64, len(c.shards))
	total := 0
	now := c.now()
	for i, sh := range c.shards {
		n := 0
		sh.data.Range(func(_ string, e Entry) bool {
			if !e.IsExpired(now) {
				n++
			}
			return true
		})
		sizes[i] = float64(n)
		total += n
	}
	return Info{
		Entries:          total,
		Shards:           len(c.shards),
		Distribution:     util.NewDistributionStats(sizes),
		AverageValueSize: c.sizes.AverageSize(),
		P99ValueSize:     c.sizes.PercentileEstimate(99),
		Generation:       c.gen.Generation(),
	}
}
