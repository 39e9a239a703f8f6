// Package lru implements the LRU-bounded cache Policy: admission is
// governed by a byte size limit enforced through the Metadata Store
// Adapter's sorted-set/hash/counter primitives, with payloads held in
// a Blob Store. Eviction runs inside a watched transaction so the
// admission decision and the victim pop are atomic with respect to
// other concurrent puts.
package lru

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goatherd/mirror-cache/cache"
	"github.com/goatherd/mirror-cache/cache/blob"
	"github.com/goatherd/mirror-cache/cache/metadata"
	"github.com/goatherd/mirror-cache/metric"
)

// errInconsistentMetadata is returned internally when eviction needs a
// victim but entries_index is empty; it is logged and the put is
// abandoned, never surfaced to the caller.
var errInconsistentMetadata = errors.New("lru: inconsistent metadata: entries_index empty during eviction")

// Policy is the Redis-accounted, filesystem-backed LRU cache described
// in section 4.4: a byte budget enforced across every key sharing one
// instance id.
type Policy struct {
	instanceID string
	sizeLimit  int64

	store metadata.Store
	blobs blob.Store
	log   cache.Logger

	hits      metric.Counter
	misses    metric.Counter
	evictions metric.Counter
	oversize  metric.Counter
	sizeGauge metric.Gauge
}

// New returns a Policy. instanceID namespaces every metadata key this
// Policy touches, so multiple LRU-bounded routes can share one Redis
// database without colliding.
func New(instanceID string, sizeLimit int64, store metadata.Store, blobs blob.Store, log cache.Logger, collector metric.Collector) *Policy {
	if collector == nil {
		collector = noopCollector{}
	}
	return &Policy{
		instanceID: instanceID,
		sizeLimit:  sizeLimit,
		store:      store,
		blobs:      blobs,
		log:        log,
		hits:       collector.NewCounter(instanceID + "_lru_hits"),
		misses:     collector.NewCounter(instanceID + "_lru_misses"),
		evictions:  collector.NewCounter(instanceID + "_lru_evictions"),
		oversize:   collector.NewCounter(instanceID + "_lru_oversize_rejections"),
		sizeGauge:  collector.NewGuage(instanceID + "_lru_total_size_bytes"),
	}
}

type noopCollector struct{}

func (noopCollector) NewCounter(string) metric.Counter { return metric.NoOpCounter() }
func (noopCollector) NewGuage(string) metric.Gauge     { return metric.NoOpGauge() }

func (p *Policy) totalSizeKey() string { return p.instanceID + "_total_size" }
func (p *Policy) indexKey() string     { return p.instanceID + "_cache_keys" }
func (p *Policy) entryKey(key string) string {
	return p.instanceID + "_" + key
}

// Put implements cache.Policy. It never fails the caller: every
// internal fault is logged and the put is abandoned, leaving any
// previously cached entry for key untouched.
func (p *Policy) Put(ctx context.Context, key string, payload cache.Payload) {
	size := payload.Len()
	if size > p.sizeLimit {
		// Oversize entries are skipped outright: no eviction, no
		// metadata touched, no blob written.
		p.oversize.Inc()
		p.log.Printf("lru: %s: entry of %d bytes exceeds limit %d, skipping", key, size, p.sizeLimit)
		return
	}

	entryK := p.entryKey(key)
	var oldSize int64
	var evictedPaths []string

	err := p.store.Transaction(ctx, []string{entryK, p.totalSizeKey(), p.indexKey()}, func(tx metadata.Tx) error {
		oldSize = 0
		evictedPaths = evictedPaths[:0]

		existing, err := tx.HGetAll(ctx, entryK)
		if err != nil {
			return fmt.Errorf("read existing entry: %w", err)
		}
		if s, ok := existing["size"]; ok {
			oldSize, _ = strconv.ParseInt(s, 10, 64)
		}

		// current is read only through the watched connection, never a
		// separate one, so the limit check is never fooled by a stale
		// value from before a concurrent put's eviction.
		current, err := tx.GetCounter(ctx, p.totalSizeKey())
		if err != nil {
			return fmt.Errorf("read total_size: %w", err)
		}
		effective := current - oldSize

		for effective+size > p.sizeLimit {
			victim, _, ok, err := tx.ZPopMin(ctx, p.indexKey())
			if err != nil {
				return fmt.Errorf("pop eviction victim: %w", err)
			}
			if !ok {
				return errInconsistentMetadata
			}
			if victim == entryK {
				// Evicting ourselves: oldSize is already excluded from
				// effective, so there is nothing further to subtract.
				// The hash is about to be overwritten below regardless.
				continue
			}

			victimHash, err := tx.HGetAll(ctx, victim)
			if err != nil {
				return fmt.Errorf("read victim %s: %w", victim, err)
			}
			var victimSize int64
			if s, ok := victimHash["size"]; ok {
				victimSize, _ = strconv.ParseInt(s, 10, 64)
			}
			if err := tx.Del(ctx, victim); err != nil {
				return fmt.Errorf("delete victim hash %s: %w", victim, err)
			}
			if _, err := tx.IncrBy(ctx, p.totalSizeKey(), -victimSize); err != nil {
				return fmt.Errorf("decrement total_size for victim %s: %w", victim, err)
			}
			effective -= victimSize
			if path, ok := victimHash["path"]; ok {
				evictedPaths = append(evictedPaths, path)
			}
		}
		return nil
	})
	if err != nil {
		p.log.Printf("lru: %s: put abandoned: %v", key, err)
		return
	}

	for _, path := range evictedPaths {
		p.evictions.Inc()
		if err := p.blobs.Remove(path); err != nil {
			// The metadata delete already happened and is authoritative;
			// a stray blob left on disk is logged, not fatal.
			p.log.Printf("lru: %s: failed to remove evicted blob: %v", path, err)
		}
	}

	if err := p.blobs.Persist(key, payload); err != nil {
		p.log.Printf("lru: %s: failed to persist blob: %v", key, err)
		return
	}

	now := time.Now().Unix()
	fields := map[string]string{
		"path":  key,
		"size":  strconv.FormatInt(size, 10),
		"atime": strconv.FormatInt(now, 10),
	}
	if err := p.store.HSet(ctx, entryK, fields); err != nil {
		p.log.Printf("lru: %s: failed to write entry metadata: %v", key, err)
		return
	}
	if err := p.store.ZAdd(ctx, p.indexKey(), entryK, float64(now)); err != nil {
		p.log.Printf("lru: %s: failed to index entry: %v", key, err)
		return
	}
	total, err := p.store.IncrBy(ctx, p.totalSizeKey(), size-oldSize)
	if err != nil {
		p.log.Printf("lru: %s: failed to update total_size: %v", key, err)
		return
	}
	p.sizeGauge.Set(float64(total))
}

// Reconcile imports blobs already present in the Blob Store but
// missing from the metadata store's accounting, then trims the
// result back to sizeLimit, evicting the entries with the oldest
// filesystem access time first. Without this, a blob written before
// a process restart is invisible to total_size and entries_index:
// never evicted and never served, since Get looks the key up in the
// metadata store before ever touching the Blob Store. Reconcile is
// meant to run once at startup, before the front door accepts
// traffic, so it talks to the store directly rather than through a
// watched Transaction.
func (p *Policy) Reconcile(ctx context.Context) error {
	imported := 0
	err := p.blobs.Walk(func(key string, size int64, accessedAt time.Time) error {
		entryK := p.entryKey(key)
		existing, err := p.store.HGetAll(ctx, entryK)
		if err != nil {
			p.log.Printf("lru: reconcile: %s: failed to check existing entry: %v", key, err)
			return nil
		}
		if len(existing) > 0 {
			// Already tracked: the metadata store is authoritative over
			// what's on disk, nothing to import.
			return nil
		}

		fields := map[string]string{
			"path":  key,
			"size":  strconv.FormatInt(size, 10),
			"atime": strconv.FormatInt(accessedAt.Unix(), 10),
		}
		if err := p.store.HSet(ctx, entryK, fields); err != nil {
			p.log.Printf("lru: reconcile: %s: failed to write entry: %v", key, err)
			return nil
		}
		if err := p.store.ZAdd(ctx, p.indexKey(), entryK, float64(accessedAt.Unix())); err != nil {
			p.log.Printf("lru: reconcile: %s: failed to index entry: %v", key, err)
			return nil
		}
		if _, err := p.store.IncrBy(ctx, p.totalSizeKey(), size); err != nil {
			p.log.Printf("lru: reconcile: %s: failed to update total_size: %v", key, err)
			return nil
		}
		imported++
		return nil
	})
	if err != nil {
		return fmt.Errorf("lru: reconcile: walking blob store: %w", err)
	}
	if imported > 0 {
		p.log.Printf("lru: reconcile: imported %d pre-existing blob(s) into %s", imported, p.instanceID)
	}

	if err := p.trimToLimit(ctx); err != nil {
		return err
	}
	if total, err := p.store.GetCounter(ctx, p.totalSizeKey()); err == nil {
		p.sizeGauge.Set(float64(total))
	}
	return nil
}

// trimToLimit evicts oldest-atime entries, via the same
// sorted-set/hash/counter primitives Put uses, until total_size fits
// within sizeLimit.
func (p *Policy) trimToLimit(ctx context.Context) error {
	for {
		current, err := p.store.GetCounter(ctx, p.totalSizeKey())
		if err != nil {
			return fmt.Errorf("lru: reconcile: read total_size: %w", err)
		}
		if current <= p.sizeLimit {
			return nil
		}
		victim, _, ok, err := p.store.ZPopMin(ctx, p.indexKey())
		if err != nil {
			return fmt.Errorf("lru: reconcile: pop eviction victim: %w", err)
		}
		if !ok {
			// entries_index is empty but total_size says otherwise;
			// nothing left to evict, so stop rather than loop forever.
			return nil
		}

		victimHash, err := p.store.HGetAll(ctx, victim)
		if err != nil {
			p.log.Printf("lru: reconcile: %s: failed to read victim: %v", victim, err)
			continue
		}
		var victimSize int64
		if s, ok := victimHash["size"]; ok {
			victimSize, _ = strconv.ParseInt(s, 10, 64)
		}
		if err := p.store.Del(ctx, victim); err != nil {
			p.log.Printf("lru: reconcile: %s: failed to delete entry: %v", victim, err)
		}
		if _, err := p.store.IncrBy(ctx, p.totalSizeKey(), -victimSize); err != nil {
			p.log.Printf("lru: reconcile: %s: failed to update total_size: %v", victim, err)
		}
		p.evictions.Inc()
		if path, ok := victimHash["path"]; ok {
			if err := p.blobs.Remove(path); err != nil {
				p.log.Printf("lru: reconcile: failed to remove evicted blob %s: %v", path, err)
			}
		}
	}
}

// Get implements cache.Policy.
func (p *Policy) Get(ctx context.Context, key string) (cache.Payload, bool) {
	entryK := p.entryKey(key)
	hash, err := p.store.HGetAll(ctx, entryK)
	if err != nil || len(hash) == 0 {
		p.misses.Inc()
		return cache.Payload{}, false
	}

	now := time.Now().Unix()
	if err := p.store.HSet(ctx, entryK, map[string]string{"atime": strconv.FormatInt(now, 10)}); err != nil {
		p.log.Printf("lru: %s: failed to update atime: %v", key, err)
	}
	if err := p.store.ZAdd(ctx, p.indexKey(), entryK, float64(now)); err != nil {
		p.log.Printf("lru: %s: failed to update index score: %v", key, err)
	}

	path := hash["path"]
	if path == "" {
		path = key
	}
	payload, err := p.blobs.Read(path)
	if err != nil {
		// Metadata says the entry exists but the blob is gone: tolerate
		// the inconsistency as a miss rather than propagating an error.
		p.misses.Inc()
		return cache.Payload{}, false
	}
	p.hits.Inc()
	return payload, true
}

var _ cache.Policy = (*Policy)(nil)
