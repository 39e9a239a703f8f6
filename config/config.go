// Package config loads and validates the proxy's configuration: where
// cached blobs live, how to reach the Redis-backed metadata store, and
// the upstream/cache-policy wiring for the three built-in routes plus
// any user-defined rules.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"regexp"

	"github.com/urfave/cli/v2"
	yaml "gopkg.in/yaml.v3"
)

// ruleIDPattern restricts rule ids to characters that are always safe
// to embed in a Prometheus metric name, since every rule id ends up
// as part of one (see manager.Manager.labelFor and main.go's
// instanceID+"_rule_"+r.ID).
var ruleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// RedisConfig locates the Metadata Store Adapter's backing Redis
// instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// CacheSpec selects a cache.Policy implementation and its parameters
// for one route. Kind is "lru", "ttl" or "" (NoCache).
type CacheSpec struct {
	Kind         string `yaml:"kind"`
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
	TTLSeconds   int64  `yaml:"ttl_seconds"`
}

func (s CacheSpec) validate(context string) error {
	switch s.Kind {
	case "", "none":
	case "lru":
		if s.MaxSizeBytes <= 0 {
			return fmt.Errorf("%s: cache.max_size_bytes must be > 0 for an lru cache", context)
		}
	case "ttl":
		if s.TTLSeconds <= 0 {
			return fmt.Errorf("%s: cache.ttl_seconds must be > 0 for a ttl cache", context)
		}
	default:
		return fmt.Errorf("%s: cache.kind must be one of \"lru\", \"ttl\" or \"none\", got %q", context, s.Kind)
	}
	return nil
}

// SourceConfig is one built-in route: where to fetch from upstream and
// how to cache the result.
type SourceConfig struct {
	Upstream string    `yaml:"upstream"`
	Cache    CacheSpec `yaml:"cache"`
}

// BuiltinConfig holds the three fixed routes named in the spec.
type BuiltinConfig struct {
	PypiIndex    SourceConfig `yaml:"pypi_index"`
	PypiPackages SourceConfig `yaml:"pypi_packages"`
	Anaconda     SourceConfig `yaml:"anaconda"`
}

// RuleConfig is one user-defined route, addressed by ID in the
// `/rule/<id>/<path>` front-door pattern.
type RuleConfig struct {
	ID       string    `yaml:"id"`
	Upstream string    `yaml:"upstream"`
	Cache    CacheSpec `yaml:"cache"`
}

// Config is the top-level configuration.
type Config struct {
	Listen  string
	Dir     string
	SelfURL *url.URL
	Redis   RedisConfig
	Builtin BuiltinConfig
	Rules   []RuleConfig

	// Fields derived at load time.
	AccessLogger *log.Logger
	ErrorLogger  *log.Logger
}

// rawConfig mirrors Config's YAML shape, except SelfURL is a plain
// string: url.URL has no YAML unmarshaler of its own, so YAML always
// decodes into a rawConfig first and toConfig parses SelfURL from
// there.
type rawConfig struct {
	Listen  string        `yaml:"listen"`
	Dir     string        `yaml:"dir"`
	SelfURL string        `yaml:"self_url"`
	Redis   RedisConfig   `yaml:"redis"`
	Builtin BuiltinConfig `yaml:"builtin"`
	Rules   []RuleConfig  `yaml:"rules"`
}

func (r rawConfig) toConfig() (*Config, error) {
	c := &Config{
		Listen:  r.Listen,
		Dir:     r.Dir,
		Redis:   r.Redis,
		Builtin: r.Builtin,
		Rules:   r.Rules,
	}
	if r.SelfURL != "" {
		u, err := url.Parse(r.SelfURL)
		if err != nil {
			return nil, fmt.Errorf("invalid 'self_url' %q: %w", r.SelfURL, err)
		}
		c.SelfURL = u
	}
	return c, nil
}

// NewFromYamlFile reads and validates a Config from a YAML file.
func NewFromYamlFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %q: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	return NewFromYaml(data)
}

// NewFromYaml parses and validates a Config from YAML bytes.
func NewFromYaml(data []byte) (*Config, error) {
	raw := rawConfig{
		Listen: ":8080",
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	c, err := raw.toConfig()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(c); err != nil {
		return nil, err
	}
	c.setLogger()
	return c, nil
}

func validateConfig(c *Config) error {
	if c.Dir == "" {
		return errors.New("the 'dir' key is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("the 'redis.addr' key is required")
	}
	if c.SelfURL == nil {
		return errors.New("the 'self_url' key is required")
	}
	if c.Builtin.PypiIndex.Upstream == "" {
		return errors.New("the 'builtin.pypi_index.upstream' key is required")
	}
	if c.Builtin.PypiPackages.Upstream == "" {
		return errors.New("the 'builtin.pypi_packages.upstream' key is required")
	}
	if c.Builtin.Anaconda.Upstream == "" {
		return errors.New("the 'builtin.anaconda.upstream' key is required")
	}
	if err := c.Builtin.PypiIndex.Cache.validate("builtin.pypi_index"); err != nil {
		return err
	}
	if err := c.Builtin.PypiPackages.Cache.validate("builtin.pypi_packages"); err != nil {
		return err
	}
	if err := c.Builtin.Anaconda.Cache.validate("builtin.anaconda"); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if r.ID == "" {
			return errors.New("every entry in 'rules' requires a non-empty 'id'")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		if !ruleIDPattern.MatchString(r.ID) {
			return fmt.Errorf("rule id %q must match %s", r.ID, ruleIDPattern)
		}
		if r.Upstream == "" {
			return fmt.Errorf("rule %q: 'upstream' is required", r.ID)
		}
		if err := r.Cache.validate("rules[" + r.ID + "]"); err != nil {
			return err
		}
	}

	return nil
}

// Get builds a Config from CLI flags, preferring --config_file when
// given.
func Get(ctx *cli.Context) (*Config, error) {
	if path := ctx.String("config_file"); path != "" {
		return NewFromYamlFile(path)
	}

	var selfURL *url.URL
	if raw := ctx.String("self_url"); raw != "" {
		var err error
		selfURL, err = url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid --self_url %q: %w", raw, err)
		}
	}

	c := &Config{
		Listen:  ctx.String("listen"),
		Dir:     ctx.String("dir"),
		SelfURL: selfURL,
		Redis: RedisConfig{
			Addr: ctx.String("redis_addr"),
			DB:   ctx.Int("redis_db"),
		},
		Builtin: BuiltinConfig{
			PypiIndex: SourceConfig{
				Upstream: ctx.String("pypi_index_upstream"),
				Cache:    CacheSpec{Kind: "lru", MaxSizeBytes: ctx.Int64("pypi_index_max_size_bytes")},
			},
			PypiPackages: SourceConfig{
				Upstream: ctx.String("pypi_packages_upstream"),
				Cache:    CacheSpec{Kind: "lru", MaxSizeBytes: ctx.Int64("pypi_packages_max_size_bytes")},
			},
			Anaconda: SourceConfig{
				Upstream: ctx.String("anaconda_upstream"),
				Cache:    CacheSpec{Kind: "ttl", TTLSeconds: ctx.Int64("anaconda_ttl_seconds")},
			},
		},
	}

	if err := validateConfig(c); err != nil {
		return nil, err
	}
	c.setLogger()
	return c, nil
}
