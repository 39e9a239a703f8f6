package ttl_test

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/goatherd/mirror-cache/cache"
	"github.com/goatherd/mirror-cache/cache/blob"
	"github.com/goatherd/mirror-cache/cache/metadata"
	"github.com/goatherd/mirror-cache/cache/ttl"
)

func newPolicy(t *testing.T, d time.Duration) (*ttl.Policy, *blob.FSStore) {
	t.Helper()
	dir, err := os.MkdirTemp("", "ttl-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	blobs, err := blob.NewFSStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	store := metadata.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	logger := log.New(os.Stderr, "", 0)
	p := ttl.New("test", d, store, blobs, logger, nil)
	t.Cleanup(func() { p.Close() })
	return p, blobs
}

func TestTTLMissThenHit(t *testing.T) {
	ctx := context.Background()
	p, _ := newPolicy(t, time.Minute)

	if _, ok := p.Get(ctx, "a"); ok {
		t.Fatal("expected miss before any put")
	}

	p.Put(ctx, "a", cache.NewBytesPayload([]byte("hello")))

	if _, ok := p.Get(ctx, "a"); !ok {
		t.Fatal("expected hit after put")
	}
}

func TestTTLExpiryReapsBlob(t *testing.T) {
	ctx := context.Background()
	p, blobs := newPolicy(t, 100*time.Millisecond)

	p.Put(ctx, "a", cache.NewBytesPayload([]byte("hello")))
	if _, ok := p.Get(ctx, "a"); !ok {
		t.Fatal("expected hit immediately after put")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := blobs.Read("a"); err == blob.ErrNotFound {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expired blob was never reaped")
}

func TestTTLGetMissAfterExpiry(t *testing.T) {
	ctx := context.Background()
	p, _ := newPolicy(t, 50*time.Millisecond)

	p.Put(ctx, "a", cache.NewBytesPayload([]byte("hello")))
	time.Sleep(300 * time.Millisecond)

	if _, ok := p.Get(ctx, "a"); ok {
		t.Fatal("expected miss once the marker has expired, regardless of the reaper")
	}
}
