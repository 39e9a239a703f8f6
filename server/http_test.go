package server_test

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/goatherd/mirror-cache/cache"
	"github.com/goatherd/mirror-cache/manager"
	"github.com/goatherd/mirror-cache/server"
	"github.com/goatherd/mirror-cache/task"
)

type fakePolicy struct {
	data map[string]cache.Payload
}

func (p *fakePolicy) Put(ctx context.Context, key string, payload cache.Payload) {
	p.data[key] = payload
}

func (p *fakePolicy) Get(ctx context.Context, key string) (cache.Payload, bool) {
	v, ok := p.data[key]
	return v, ok
}

func TestFrontDoorRoutesAndServesUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("archive-bytes"))
	}))
	defer upstream.Close()

	mgr := manager.New(
		map[task.Variant]cache.Policy{task.VariantPackage: &fakePolicy{data: map[string]cache.Payload{}}},
		nil,
		task.UpstreamConfig{PypiPackages: upstream.URL},
		"http://mirror.example.com",
		upstream.Client(),
		log.New(os.Stderr, "", 0),
		nil,
	)
	fd := server.NewFrontDoor(mgr, nil, log.New(os.Stderr, "", 0), log.New(os.Stderr, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/pypi/packages/foo/foo-1.0.tar.gz", nil)
	rr := httptest.NewRecorder()
	fd.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "archive-bytes" {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestFrontDoorUnknownRouteIs404(t *testing.T) {
	mgr := manager.New(nil, nil, task.UpstreamConfig{}, "", http.DefaultClient, log.New(os.Stderr, "", 0), nil)
	fd := server.NewFrontDoor(mgr, nil, log.New(os.Stderr, "", 0), log.New(os.Stderr, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/not/a/route", nil)
	rr := httptest.NewRecorder()
	fd.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestFrontDoorUnknownRuleIs404(t *testing.T) {
	mgr := manager.New(nil, nil, task.UpstreamConfig{}, "", http.DefaultClient, log.New(os.Stderr, "", 0), nil)
	fd := server.NewFrontDoor(mgr, map[string]string{"known": "https://example.com"}, log.New(os.Stderr, "", 0), log.New(os.Stderr, "", 0))

	req := httptest.NewRequest(http.MethodGet, "/rule/unknown/path", nil)
	rr := httptest.NewRecorder()
	fd.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestFrontDoorMethodNotAllowed(t *testing.T) {
	mgr := manager.New(nil, nil, task.UpstreamConfig{}, "", http.DefaultClient, log.New(os.Stderr, "", 0), nil)
	fd := server.NewFrontDoor(mgr, nil, log.New(os.Stderr, "", 0), log.New(os.Stderr, "", 0))

	req := httptest.NewRequest(http.MethodPost, "/pypi/packages/foo", nil)
	rr := httptest.NewRecorder()
	fd.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}
