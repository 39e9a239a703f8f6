package config

import (
	"strings"
	"testing"
)

func TestValidConfig(t *testing.T) {
	yaml := `
listen: ":9090"
dir: /var/cache/mirror
self_url: https://mirror.example.com
redis:
  addr: localhost:6379
  db: 2
builtin:
  pypi_index:
    upstream: https://pypi.org/simple
    cache:
      kind: lru
      max_size_bytes: 1000000
  pypi_packages:
    upstream: https://files.pythonhosted.org
    cache:
      kind: lru
      max_size_bytes: 5000000
  anaconda:
    upstream: https://repo.anaconda.com
    cache:
      kind: ttl
      ttl_seconds: 3600
rules:
  - id: extra
    upstream: https://extra.example.com
    cache:
      kind: none
`
	c, err := NewFromYaml([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}

	if c.Listen != ":9090" {
		t.Errorf("Listen = %q, want :9090", c.Listen)
	}
	if c.Redis.Addr != "localhost:6379" || c.Redis.DB != 2 {
		t.Errorf("Redis = %+v", c.Redis)
	}
	if c.Builtin.PypiIndex.Cache.Kind != "lru" || c.Builtin.PypiIndex.Cache.MaxSizeBytes != 1000000 {
		t.Errorf("PypiIndex.Cache = %+v", c.Builtin.PypiIndex.Cache)
	}
	if c.Builtin.Anaconda.Cache.Kind != "ttl" || c.Builtin.Anaconda.Cache.TTLSeconds != 3600 {
		t.Errorf("Anaconda.Cache = %+v", c.Builtin.Anaconda.Cache)
	}
	if len(c.Rules) != 1 || c.Rules[0].ID != "extra" {
		t.Errorf("Rules = %+v", c.Rules)
	}
	if c.AccessLogger == nil || c.ErrorLogger == nil {
		t.Error("expected loggers to be set by NewFromYaml")
	}
}

func TestDefaultListenAddress(t *testing.T) {
	yaml := `
dir: /var/cache/mirror
self_url: https://mirror.example.com
redis:
  addr: localhost:6379
builtin:
  pypi_index:
    upstream: https://pypi.org/simple
  pypi_packages:
    upstream: https://files.pythonhosted.org
  anaconda:
    upstream: https://repo.anaconda.com
`
	c, err := NewFromYaml([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if c.Listen != ":8080" {
		t.Errorf("Listen = %q, want default :8080", c.Listen)
	}
}

func TestMissingDirIsRejected(t *testing.T) {
	yaml := `
redis:
  addr: localhost:6379
builtin:
  pypi_index:
    upstream: https://pypi.org/simple
  pypi_packages:
    upstream: https://files.pythonhosted.org
  anaconda:
    upstream: https://repo.anaconda.com
`
	_, err := NewFromYaml([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "dir") {
		t.Fatalf("err = %v, want a 'dir' validation error", err)
	}
}

func TestInvalidCacheKindIsRejected(t *testing.T) {
	yaml := `
dir: /var/cache/mirror
self_url: https://mirror.example.com
redis:
  addr: localhost:6379
builtin:
  pypi_index:
    upstream: https://pypi.org/simple
    cache:
      kind: bogus
  pypi_packages:
    upstream: https://files.pythonhosted.org
  anaconda:
    upstream: https://repo.anaconda.com
`
	_, err := NewFromYaml([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "cache.kind") {
		t.Fatalf("err = %v, want a 'cache.kind' validation error", err)
	}
}

func TestLRUCacheRequiresMaxSize(t *testing.T) {
	yaml := `
dir: /var/cache/mirror
self_url: https://mirror.example.com
redis:
  addr: localhost:6379
builtin:
  pypi_index:
    upstream: https://pypi.org/simple
    cache:
      kind: lru
  pypi_packages:
    upstream: https://files.pythonhosted.org
  anaconda:
    upstream: https://repo.anaconda.com
`
	_, err := NewFromYaml([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "max_size_bytes") {
		t.Fatalf("err = %v, want a 'max_size_bytes' validation error", err)
	}
}

func TestDuplicateRuleIDIsRejected(t *testing.T) {
	yaml := `
dir: /var/cache/mirror
self_url: https://mirror.example.com
redis:
  addr: localhost:6379
builtin:
  pypi_index:
    upstream: https://pypi.org/simple
  pypi_packages:
    upstream: https://files.pythonhosted.org
  anaconda:
    upstream: https://repo.anaconda.com
rules:
  - id: a
    upstream: https://a.example.com
  - id: a
    upstream: https://b.example.com
`
	_, err := NewFromYaml([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "duplicate rule id") {
		t.Fatalf("err = %v, want a duplicate rule id error", err)
	}
}
