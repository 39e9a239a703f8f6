// Package ttl implements the TTL-bounded cache Policy: a blob is kept
// alive only as long as a companion metadata key has not expired. A
// background reaper subscribes to the Metadata Store Adapter's
// keyspace-event notifications and deletes the corresponding blob the
// moment its presence marker expires, so the blob store does not
// accumulate content nothing will ever serve again.
package ttl

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goatherd/mirror-cache/cache"
	"github.com/goatherd/mirror-cache/cache/blob"
	"github.com/goatherd/mirror-cache/cache/metadata"
	"github.com/goatherd/mirror-cache/metric"
)

// pollTimeout bounds how long the reaper blocks on a single
// ReceiveTimeout call before re-checking the shutdown flag.
const pollTimeout = 1 * time.Second

// reconnectBackoff is how long the reaper waits before retrying a
// failed Subscribe, also re-checked against the shutdown flag.
const reconnectBackoff = 3 * time.Second

// Policy is the TTL-bounded cache described in section 4.5.
type Policy struct {
	instanceID string
	ttl        time.Duration

	store metadata.Store
	blobs blob.Store
	log   cache.Logger

	hits     metric.Counter
	misses   metric.Counter
	expiries metric.Counter

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New returns a Policy and starts its background reaper. The reaper
// runs until Close is called.
func New(instanceID string, ttl time.Duration, store metadata.Store, blobs blob.Store, log cache.Logger, collector metric.Collector) *Policy {
	if collector == nil {
		collector = noopCollector{}
	}
	p := &Policy{
		instanceID: instanceID,
		ttl:        ttl,
		store:      store,
		blobs:      blobs,
		log:        log,
		hits:       collector.NewCounter(instanceID + "_ttl_hits"),
		misses:     collector.NewCounter(instanceID + "_ttl_misses"),
		expiries:   collector.NewCounter(instanceID + "_ttl_expiries"),
		shutdown:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.reap()
	return p
}

type noopCollector struct{}

func (noopCollector) NewCounter(string) metric.Counter { return metric.NoOpCounter() }
func (noopCollector) NewGuage(string) metric.Gauge     { return metric.NoOpGauge() }

func (p *Policy) markerKey(key string) string {
	return p.instanceID + "/" + key
}

// Put implements cache.Policy. The blob write and the marker write are
// each attempted unconditionally and independently; either failing is
// logged but never fails the caller.
func (p *Policy) Put(ctx context.Context, key string, payload cache.Payload) {
	if err := p.blobs.Persist(key, payload); err != nil {
		p.log.Printf("ttl: %s: failed to persist blob: %v", key, err)
	}
	if err := p.store.SetString(ctx, p.markerKey(key), "", p.ttl); err != nil {
		p.log.Printf("ttl: %s: failed to set expiry marker: %v", key, err)
	}
}

// Get implements cache.Policy.
func (p *Policy) Get(ctx context.Context, key string) (cache.Payload, bool) {
	_, ok, err := p.store.GetString(ctx, p.markerKey(key))
	if err != nil || !ok {
		p.misses.Inc()
		return cache.Payload{}, false
	}
	payload, err := p.blobs.Read(key)
	if err != nil {
		p.misses.Inc()
		return cache.Payload{}, false
	}
	p.hits.Inc()
	return payload, true
}

// Close signals the reaper to stop and blocks until it has joined,
// within at most one poll interval.
func (p *Policy) Close() error {
	p.closeOnce.Do(func() { close(p.shutdown) })
	p.wg.Wait()
	return nil
}

// reap drives the state machine from section 4.5: Disconnected ->
// Subscribing -> Polling -> Stopped, reconnecting on any error other
// than a plain poll timeout.
func (p *Policy) reap() {
	defer p.wg.Done()

	pattern := "__keyspace*__:" + p.instanceID + "*"
	ctx := context.Background()

	for {
		select {
		case <-p.shutdown:
			return
		default:
		}

		sub, err := p.store.Subscribe(ctx, pattern)
		if err != nil {
			p.log.Printf("ttl: reaper: subscribe failed, reconnecting: %v", err)
			if !p.sleepOrShutdown(reconnectBackoff) {
				return
			}
			continue
		}

		if p.poll(ctx, sub) {
			sub.Close()
			return
		}
		sub.Close()

		if !p.sleepOrShutdown(reconnectBackoff) {
			return
		}
	}
}

// poll runs the Polling state until shutdown (returns true) or a
// non-timeout receive error forces a reconnect (returns false).
func (p *Policy) poll(ctx context.Context, sub metadata.Subscription) bool {
	for {
		select {
		case <-p.shutdown:
			return true
		default:
		}

		msg, timedOut, err := sub.ReceiveTimeout(ctx, pollTimeout)
		if err != nil {
			p.log.Printf("ttl: reaper: receive failed, reconnecting: %v", err)
			return false
		}
		if timedOut || msg == nil {
			continue
		}

		key := p.keyFromChannel(msg.Channel)
		if key == "" {
			continue
		}
		p.expiries.Inc()
		if err := p.blobs.Remove(key); err != nil {
			p.log.Printf("ttl: reaper: %s: failed to remove expired blob: %v", key, err)
		}
	}
}

// keyFromChannel extracts the cache key from a keyspace-event channel
// name of the form __keyspace@<db>__:<id>/<key>, returning "" if the
// channel does not carry this policy's marker prefix.
func (p *Policy) keyFromChannel(channel string) string {
	prefix := p.instanceID + "/"
	idx := strings.Index(channel, prefix)
	if idx < 0 {
		return ""
	}
	return channel[idx+len(prefix):]
}

func (p *Policy) sleepOrShutdown(d time.Duration) bool {
	select {
	case <-p.shutdown:
		return false
	case <-time.After(d):
		return true
	}
}

var _ cache.Policy = (*Policy)(nil)
