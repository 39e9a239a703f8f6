// Package manager implements the Task Manager: it routes a typed
// task.Task to the cache.Policy configured for its variant (or its
// rule, for task.OtherTask), serves a cache hit directly, and on a
// miss both streams the upstream response to the caller and kicks off
// an independent, deduplicated background fetch that populates the
// cache for future callers.
package manager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/goatherd/mirror-cache/cache"
	"github.com/goatherd/mirror-cache/metric"
	"github.com/goatherd/mirror-cache/task"
	"github.com/goatherd/mirror-cache/utils/annotate"
)

// Response is what Resolve hands back to the HTTP front door: a
// decoded string (a rewritten index page), an in-memory buffer, or a
// byte stream of known or unknown length. Stream must be closed by
// the caller once consumed.
type Response struct {
	Kind   cache.Kind
	Text   string
	Bytes  []byte
	Stream io.ReadCloser
	// Length is the stream's size if known from Content-Length, or -1.
	Length int64
}

// Manager is the Task Manager.
type Manager struct {
	variantPolicies map[task.Variant]cache.Policy
	rulePolicies    map[string]cache.Policy
	upstream        task.UpstreamConfig
	selfURL         string
	client          *http.Client
	log             cache.Logger

	mu       sync.RWMutex
	inFlight map[task.Task]struct{}

	collector   metric.Collector
	counterMu   sync.Mutex
	variantCtrs map[string]*variantCounters
}

type variantCounters struct {
	hits, misses, failures metric.Counter
}

// New returns a Manager. variantPolicies supplies the policy for each
// built-in task.Variant; rulePolicies maps a configured rule id to its
// policy. A variant or rule with no entry falls back to cache.NoCache.
func New(variantPolicies map[task.Variant]cache.Policy, rulePolicies map[string]cache.Policy, upstream task.UpstreamConfig, selfURL string, client *http.Client, log cache.Logger, collector metric.Collector) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	if collector == nil {
		collector = noopCollector{}
	}
	return &Manager{
		variantPolicies: variantPolicies,
		rulePolicies:    rulePolicies,
		upstream:        upstream,
		selfURL:         selfURL,
		client:          client,
		log:             log,
		inFlight:        make(map[task.Task]struct{}),
		collector:       collector,
		variantCtrs:     make(map[string]*variantCounters),
	}
}

type noopCollector struct{}

func (noopCollector) NewCounter(string) metric.Counter { return metric.NoOpCounter() }
func (noopCollector) NewGuage(string) metric.Gauge     { return metric.NoOpGauge() }

func (m *Manager) countersFor(label string) *variantCounters {
	m.counterMu.Lock()
	defer m.counterMu.Unlock()
	c, ok := m.variantCtrs[label]
	if !ok {
		c = &variantCounters{
			hits:     m.collector.NewCounter(label + "_hits"),
			misses:   m.collector.NewCounter(label + "_misses"),
			failures: m.collector.NewCounter(label + "_failures"),
		}
		m.variantCtrs[label] = c
	}
	return c
}

func (m *Manager) labelFor(t task.Task) string {
	if o, ok := t.(task.OtherTask); ok {
		return "rule_" + o.RuleID
	}
	return t.Variant().String()
}

func (m *Manager) policyFor(t task.Task) cache.Policy {
	if o, ok := t.(task.OtherTask); ok {
		if p, ok := m.rulePolicies[o.RuleID]; ok {
			return p
		}
		return cache.NoCache{}
	}
	if p, ok := m.variantPolicies[t.Variant()]; ok {
		return p
	}
	return cache.NoCache{}
}

// upstreamBase returns the configured upstream base used for index
// rewriting; only task.IndexTask ever needs this.
func (m *Manager) upstreamBase(t task.Task) string {
	if _, ok := t.(task.IndexTask); ok {
		return m.upstream.PypiIndex
	}
	return ""
}

// Resolve implements the algorithm from section 4.6: a cache probe,
// then on miss a deduplicated background refill plus an independent
// foreground upstream fetch.
func (m *Manager) Resolve(ctx context.Context, t task.Task) (*Response, error) {
	policy := m.policyFor(t)
	key := t.CacheKey()
	counters := m.countersFor(m.labelFor(t))

	if payload, ok := policy.Get(ctx, key); ok {
		counters.hits.Inc()
		return responseFromPayload(payload), nil
	}
	counters.misses.Inc()

	m.spawn(t, policy, key, counters)

	resp, err := m.fetch(ctx, task.ResolveUpstream(t, m.upstream))
	if err != nil {
		return nil, &cache.Error{Code: http.StatusBadGateway, Text: err.Error()}
	}

	if t.NeedsRewrite() {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &cache.Error{Code: http.StatusBadGateway, Text: fmt.Sprintf("reading upstream body: %v", err)}
		}
		rewritten, err := task.RewriteIndex(body, m.upstreamBase(t), m.selfURL)
		if err != nil {
			m.log.Printf("manager: %s: index rewrite failed, serving unrewritten body: %v", key, err)
			rewritten = string(body)
		}
		return &Response{Kind: cache.KindText, Text: rewritten, Length: int64(len(rewritten))}, nil
	}

	length := int64(-1)
	if resp.ContentLength >= 0 {
		length = resp.ContentLength
	}
	return &Response{Kind: cache.KindStream, Stream: resp.Body, Length: length}, nil
}

// spawn runs the admission-controlled background refill described in
// section 4.6: at most one fetch in flight per distinct Task.
func (m *Manager) spawn(t task.Task, policy cache.Policy, key string, counters *variantCounters) {
	m.mu.Lock()
	if _, exists := m.inFlight[t]; exists {
		m.mu.Unlock()
		return
	}
	m.inFlight[t] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.inFlight, t)
			m.mu.Unlock()
		}()

		ctx := context.Background()
		resp, err := m.fetch(ctx, task.ResolveUpstream(t, m.upstream))
		if err != nil {
			counters.failures.Inc()
			m.log.Printf("manager: background refill for %s failed: %v", key, err)
			return
		}
		defer resp.Body.Close()

		if t.NeedsRewrite() {
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				counters.failures.Inc()
				m.log.Printf("manager: background refill for %s: reading body failed: %v", key, err)
				return
			}
			rewritten, err := task.RewriteIndex(body, m.upstreamBase(t), m.selfURL)
			if err != nil {
				m.log.Printf("manager: background refill for %s: rewrite failed, caching raw body: %v", key, err)
				rewritten = string(body)
			}
			policy.Put(ctx, key, cache.NewTextPayload(rewritten))
			return
		}

		if resp.ContentLength < 0 {
			// Open question from section 9, resolved: a stream of
			// unknown length is never admitted to the cache.
			m.log.Printf("manager: background refill for %s: upstream omitted Content-Length, not caching", key)
			return
		}
		policy.Put(ctx, key, cache.NewStreamPayload(resp.Body, resp.ContentLength))
	}()
}

func (m *Manager) fetch(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, annotate.Err(ctx, "manager: building request for "+url, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, annotate.Err(ctx, "manager: fetching "+url, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("manager: upstream %s returned status %d", url, resp.StatusCode)
	}
	return resp, nil
}

func responseFromPayload(p cache.Payload) *Response {
	switch p.Kind {
	case cache.KindText:
		return &Response{Kind: cache.KindText, Text: p.Text, Length: p.Len()}
	case cache.KindBytes:
		return &Response{Kind: cache.KindBytes, Bytes: p.Bytes, Length: p.Len()}
	default:
		rc, _ := p.Stream.(io.ReadCloser)
		return &Response{Kind: cache.KindStream, Stream: rc, Length: p.Len()}
	}
}
