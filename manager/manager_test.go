package manager_test

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goatherd/mirror-cache/cache"
	"github.com/goatherd/mirror-cache/manager"
	"github.com/goatherd/mirror-cache/task"
)

// fakePolicy is a minimal, deterministic cache.Policy for tests that
// don't need real eviction or expiry behaviour.
type fakePolicy struct {
	mu    sync.Mutex
	data  map[string]cache.Payload
	puts  int32
}

func newFakePolicy() *fakePolicy {
	return &fakePolicy{data: make(map[string]cache.Payload)}
}

func (p *fakePolicy) Put(ctx context.Context, key string, payload cache.Payload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = payload
	atomic.AddInt32(&p.puts, 1)
}

func (p *fakePolicy) Get(ctx context.Context, key string) (cache.Payload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.data[key]
	return v, ok
}

func readResponse(t *testing.T, r *manager.Response) string {
	t.Helper()
	switch r.Kind {
	case cache.KindText:
		return r.Text
	case cache.KindBytes:
		return string(r.Bytes)
	case cache.KindStream:
		defer r.Stream.Close()
		b, err := io.ReadAll(r.Stream)
		if err != nil {
			t.Fatal(err)
		}
		return string(b)
	}
	t.Fatalf("unknown response kind %d", r.Kind)
	return ""
}

func TestResolveMissFetchesUpstreamAndRefillsCache(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("package-bytes"))
	}))
	defer upstream.Close()

	policy := newFakePolicy()
	m := manager.New(
		map[task.Variant]cache.Policy{task.VariantPackage: policy},
		nil,
		task.UpstreamConfig{PypiPackages: upstream.URL},
		"http://mirror.example.com",
		upstream.Client(),
		log.New(os.Stderr, "", 0),
		nil,
	)

	resp, err := m.Resolve(context.Background(), task.PackageTask{PackagePath: "foo.tar.gz"})
	if err != nil {
		t.Fatal(err)
	}
	if got := readResponse(t, resp); got != "package-bytes" {
		t.Fatalf("got %q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := policy.Get(context.Background(), "foo.tar.gz"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background refill never populated the cache")
}

func TestResolveHitNeverTouchesUpstream(t *testing.T) {
	var upstreamCalls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
		w.Write([]byte("should not be fetched"))
	}))
	defer upstream.Close()

	policy := newFakePolicy()
	policy.Put(context.Background(), "foo.tar.gz", cache.NewBytesPayload([]byte("cached-bytes")))

	m := manager.New(
		map[task.Variant]cache.Policy{task.VariantPackage: policy},
		nil,
		task.UpstreamConfig{PypiPackages: upstream.URL},
		"http://mirror.example.com",
		upstream.Client(),
		log.New(os.Stderr, "", 0),
		nil,
	)

	resp, err := m.Resolve(context.Background(), task.PackageTask{PackagePath: "foo.tar.gz"})
	if err != nil {
		t.Fatal(err)
	}
	if got := readResponse(t, resp); got != "cached-bytes" {
		t.Fatalf("got %q", got)
	}
	if atomic.LoadInt32(&upstreamCalls) != 0 {
		t.Fatal("a cache hit must not touch the upstream")
	}
}

func TestSpawnDeduplicatesConcurrentMisses(t *testing.T) {
	var upstreamCalls int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamCalls, 1)
		<-release
		w.Write([]byte("x"))
	}))
	defer upstream.Close()

	policy := newFakePolicy()
	m := manager.New(
		map[task.Variant]cache.Policy{task.VariantPackage: policy},
		nil,
		task.UpstreamConfig{PypiPackages: upstream.URL},
		"http://mirror.example.com",
		upstream.Client(),
		log.New(os.Stderr, "", 0),
		nil,
	)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Resolve(context.Background(), task.PackageTask{PackagePath: "same.tar.gz"})
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	// Each of the 5 concurrent misses fetches upstream for its own
	// foreground response (not deduplicated), plus at most one
	// background refill is spawned: 5 foreground + 1 background = 6.
	if got := atomic.LoadInt32(&upstreamCalls); got != 6 {
		t.Fatalf("upstream calls = %d, want 6 (5 foreground + 1 deduplicated background)", got)
	}
}
