package metadata

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process fake of Store, used by the cache policy
// test suites so they do not require a live Redis server. It keeps the
// same key namespacing and keyspace-notification behaviour as
// RedisStore (including publishing an expiry event once a TTL elapses),
// just without talking to a network service.
type MemoryStore struct {
	mu       sync.Mutex
	strings  map[string]string
	expireAt map[string]time.Time
	hashes   map[string]map[string]string
	zsets    map[string]map[string]float64

	subMu sync.Mutex
	subs  []*memorySubscription

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryStore returns a ready-to-use fake Store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		strings:  make(map[string]string),
		expireAt: make(map[string]time.Time),
		hashes:   make(map[string]map[string]string),
		zsets:    make(map[string]map[string]float64),
		done:     make(chan struct{}),
	}
	go s.reapExpiredLoop()
	return s
}

func (s *MemoryStore) reapExpiredLoop() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.reapExpired(now)
		}
	}
}

func (s *MemoryStore) reapExpired(now time.Time) {
	var expired []string
	s.mu.Lock()
	for k, at := range s.expireAt {
		if !now.Before(at) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		delete(s.strings, k)
		delete(s.expireAt, k)
	}
	s.mu.Unlock()

	for _, k := range expired {
		s.publish("__keyspace@0__:"+k, "expired")
	}
}

func (s *MemoryStore) GetString(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.expireAt[key]; ok && !time.Now().Before(at) {
		delete(s.strings, key)
		delete(s.expireAt, key)
		return "", false, nil
	}
	v, ok := s.strings[key]
	return v, ok, nil
}

func (s *MemoryStore) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	s.strings[key] = value
	if ttl > 0 {
		s.expireAt[key] = time.Now().Add(ttl)
	} else {
		delete(s.expireAt, key)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, key)
	delete(s.expireAt, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	return nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *MemoryStore) ZPopMin(ctx context.Context, key string) (string, float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	if len(z) == 0 {
		return "", 0, false, nil
	}
	var minMember string
	var minScore float64
	first := true
	for m, sc := range z {
		if first || sc < minScore {
			minMember, minScore, first = m, sc, false
		}
	}
	delete(z, minMember)
	return minMember, minScore, true, nil
}

func (s *MemoryStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _ := parseCounter(s.strings[key])
	cur += delta
	s.strings[key] = formatCounter(cur)
	return cur, nil
}

func (s *MemoryStore) GetCounter(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := parseCounter(s.strings[key])
	return v, nil
}

// Transaction takes the store-wide lock for the whole callback. This
// is stricter than Redis's optimistic WATCH/MULTI/EXEC, but it
// satisfies the same observable contract (fn's reads and writes are
// serialized against every other Transaction and single-key op) and
// never needs to retry, which keeps the test fake simple.
func (s *MemoryStore) Transaction(ctx context.Context, watch []string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryTx{s: s})
}

// memoryTx reuses MemoryStore's unexported helpers directly since the
// caller already holds s.mu for the duration of the transaction.
type memoryTx struct {
	s *MemoryStore
}

func (t *memoryTx) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	out := make(map[string]string, len(t.s.hashes[key]))
	for k, v := range t.s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (t *memoryTx) HSet(ctx context.Context, key string, fields map[string]string) error {
	h, ok := t.s.hashes[key]
	if !ok {
		h = make(map[string]string)
		t.s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (t *memoryTx) Del(ctx context.Context, key string) error {
	delete(t.s.strings, key)
	delete(t.s.expireAt, key)
	delete(t.s.hashes, key)
	delete(t.s.zsets, key)
	return nil
}

func (t *memoryTx) ZAdd(ctx context.Context, key, member string, score float64) error {
	z, ok := t.s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		t.s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (t *memoryTx) ZPopMin(ctx context.Context, key string) (string, float64, bool, error) {
	z := t.s.zsets[key]
	if len(z) == 0 {
		return "", 0, false, nil
	}
	var minMember string
	var minScore float64
	first := true
	for m, sc := range z {
		if first || sc < minScore {
			minMember, minScore, first = m, sc, false
		}
	}
	delete(z, minMember)
	return minMember, minScore, true, nil
}

func (t *memoryTx) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	cur, _ := parseCounter(t.s.strings[key])
	cur += delta
	t.s.strings[key] = formatCounter(cur)
	return cur, nil
}

func (t *memoryTx) GetCounter(ctx context.Context, key string) (int64, error) {
	v, _ := parseCounter(t.s.strings[key])
	return v, nil
}

func parseCounter(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	var n int64
	var neg bool
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int64(r-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}

func formatCounter(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// memorySubscription is a fake keyspace-event subscription backed by a
// buffered channel that reapExpired publishes onto.
type memorySubscription struct {
	pattern *regexp.Regexp
	ch      chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

func globToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '.', '(', ')', '+', '?', '[', ']', '{', '}', '^', '$', '|', '\\':
			b.WriteString(regexp.QuoteMeta(string(r)))
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func (s *MemoryStore) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	sub := &memorySubscription{
		pattern: globToRegexp(pattern),
		ch:      make(chan Message, 64),
		closed:  make(chan struct{}),
	}
	s.subMu.Lock()
	s.subs = append(s.subs, sub)
	s.subMu.Unlock()
	return sub, nil
}

func (s *MemoryStore) publish(channel, payload string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		if sub.pattern.MatchString(channel) {
			select {
			case sub.ch <- Message{Channel: channel, Payload: payload}:
			default:
			}
		}
	}
}

func (sub *memorySubscription) ReceiveTimeout(ctx context.Context, timeout time.Duration) (*Message, bool, error) {
	select {
	case m := <-sub.ch:
		return &m, false, nil
	case <-sub.closed:
		return nil, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-time.After(timeout):
		return nil, true, nil
	}
}

func (sub *memorySubscription) Close() error {
	sub.closeOnce.Do(func() { close(sub.closed) })
	return nil
}

func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
