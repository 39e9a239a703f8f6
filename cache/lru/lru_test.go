package lru_test

import (
	"context"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"github.com/goatherd/mirror-cache/cache"
	"github.com/goatherd/mirror-cache/cache/blob"
	"github.com/goatherd/mirror-cache/cache/lru"
	"github.com/goatherd/mirror-cache/cache/metadata"
)

// payloadString reads a Payload's content regardless of which Kind
// backs it; the blob store always returns KindStream on Get.
func payloadString(t *testing.T, p cache.Payload) string {
	t.Helper()
	switch p.Kind {
	case cache.KindText:
		return p.Text
	case cache.KindBytes:
		return string(p.Bytes)
	case cache.KindStream:
		if c, ok := p.Stream.(io.Closer); ok {
			defer c.Close()
		}
		b, err := io.ReadAll(p.Stream)
		if err != nil {
			t.Fatal(err)
		}
		return string(b)
	default:
		t.Fatalf("unknown payload kind %d", p.Kind)
		return ""
	}
}

func newPolicy(t *testing.T, limit int64) *lru.Policy {
	t.Helper()
	_, blobs, store := newBackedStores(t)
	logger := log.New(os.Stderr, "", 0)
	return lru.New("test", limit, store, blobs, logger, nil)
}

func newBackedStores(t *testing.T) (string, *blob.FSStore, *metadata.MemoryStore) {
	t.Helper()
	dir, err := os.MkdirTemp("", "lru-test")
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

	return dir, blobs, store
}

func TestLRUMissThenHit(t *testing.T) {
	ctx := context.Background()
	p := newPolicy(t, 1024)

	if _, ok := p.Get(ctx, "a"); ok {
		t.Fatal("expected miss before any put")
	}

	p.Put(ctx, "a", cache.NewBytesPayload([]byte("hello")))

	got, ok := p.Get(ctx, "a")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if s := payloadString(t, got); s != "hello" {
		t.Fatalf("got %q, want %q", s, "hello")
	}
}

func TestLROversizeEntrySkippedWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	p := newPolicy(t, 3)

	p.Put(ctx, "a", cache.NewBytesPayload([]byte("xx"))) // fits
	p.Put(ctx, "big", cache.NewBytesPayload([]byte("this is way too big")))

	if _, ok := p.Get(ctx, "big"); ok {
		t.Fatal("oversize entry should never be stored")
	}
	if _, ok := p.Get(ctx, "a"); !ok {
		t.Fatal("existing entry must survive an oversize put attempt")
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	p := newPolicy(t, 3)

	p.Put(ctx, "k1", cache.NewBytesPayload([]byte("1")))
	time.Sleep(1100 * time.Millisecond)
	p.Put(ctx, "k2", cache.NewBytesPayload([]byte("2")))
	time.Sleep(1100 * time.Millisecond)
	p.Put(ctx, "k3", cache.NewBytesPayload([]byte("3")))
	time.Sleep(1100 * time.Millisecond)

	// Limit is 3 bytes and all three keys are full; putting a fourth
	// must evict k1, the least recently used.
	p.Put(ctx, "k4", cache.NewBytesPayload([]byte("4")))

	if _, ok := p.Get(ctx, "k1"); ok {
		t.Fatal("k1 should have been evicted")
	}
	for _, k := range []string{"k2", "k3", "k4"} {
		if _, ok := p.Get(ctx, k); !ok {
			t.Fatalf("%s should still be cached", k)
		}
	}
}

func TestReconcileImportsPreExistingBlob(t *testing.T) {
	ctx := context.Background()
	_, blobs, store := newBackedStores(t)

	// Simulate a blob left on disk by a previous process: written
	// straight to the Blob Store, with no corresponding metadata entry.
	if err := blobs.Persist("leftover", cache.NewBytesPayload([]byte("stale"))); err != nil {
		t.Fatal(err)
	}

	logger := log.New(os.Stderr, "", 0)
	p := lru.New("test", 1024, store, blobs, logger, nil)

	if _, ok := p.Get(ctx, "leftover"); ok {
		t.Fatal("leftover blob should not be visible before Reconcile")
	}

	if err := p.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	got, ok := p.Get(ctx, "leftover")
	if !ok {
		t.Fatal("expected Reconcile to make the leftover blob visible")
	}
	if s := payloadString(t, got); s != "stale" {
		t.Fatalf("got %q, want %q", s, "stale")
	}
}

func TestReconcileEvictsDownToLimit(t *testing.T) {
	ctx := context.Background()
	_, blobs, store := newBackedStores(t)

	if err := blobs.Persist("old", cache.NewBytesPayload([]byte("11"))); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)
	if err := blobs.Persist("new", cache.NewBytesPayload([]byte("22"))); err != nil {
		t.Fatal(err)
	}

	logger := log.New(os.Stderr, "", 0)
	p := lru.New("test", 2, store, blobs, logger, nil)

	if err := p.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok := p.Get(ctx, "old"); ok {
		t.Fatal("older-atime blob should have been evicted to fit the limit")
	}
	if _, ok := p.Get(ctx, "new"); !ok {
		t.Fatal("newer-atime blob should have survived reconciliation")
	}
}

func TestLRURepeatPutAdjustsTotalSize(t *testing.T) {
	ctx := context.Background()
	_, blobs, store := newBackedStores(t)
	p := lru.New("test", 1024, store, blobs, log.New(os.Stderr, "", 0), nil)

	p.Put(ctx, "k", cache.NewBytesPayload([]byte("short")))
	p.Put(ctx, "k", cache.NewBytesPayload([]byte("a much longer value")))

	// total_size must count only the new 19-byte value, not 5+19.
	if total, err := store.GetCounter(ctx, "test_total_size"); err != nil || total != 19 {
		t.Fatalf("total_size = %d (err %v), want 19", total, err)
	}

	got, ok := p.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if s := payloadString(t, got); s != "a much longer value" {
		t.Fatalf("got %q", s)
	}
}
