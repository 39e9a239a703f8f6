// Package task defines the closed set of request kinds this proxy
// understands, and the deterministic rules mapping each one to a cache
// key and an upstream URL. Every concrete Task is a small struct of
// comparable fields, so a Task value can be used directly as a map key
// by the in-flight deduplication set in package manager.
package task

import "strings"

// Variant names the four closed kinds of Task, used to select the
// per-route policy and the hit/miss counters.
type Variant int

const (
	VariantIndex Variant = iota
	VariantPackage
	VariantAnaconda
	VariantOther
)

func (v Variant) String() string {
	switch v {
	case VariantIndex:
		return "pypi_index"
	case VariantPackage:
		return "pypi_packages"
	case VariantAnaconda:
		return "anaconda"
	case VariantOther:
		return "other"
	default:
		return "unknown"
	}
}

// Task is satisfied by IndexTask, PackageTask, AnacondaTask and
// OtherTask. CacheKey returns the deterministic, un-prefixed cache
// key for this task (the owning policy adds its own instance
// prefix); NeedsRewrite reports whether a cache hit/miss response
// body should go through the pip-index HTML rewrite.
type Task interface {
	Variant() Variant
	CacheKey() string
	NeedsRewrite() bool
}

// IndexTask requests a pip-style simple-index page for one package.
type IndexTask struct {
	PackageName string
}

func (t IndexTask) Variant() Variant    { return VariantIndex }
func (t IndexTask) CacheKey() string    { return "pypi_index_" + t.PackageName }
func (t IndexTask) NeedsRewrite() bool  { return true }
func (t IndexTask) UpstreamPath() string { return t.PackageName }

// PackageTask requests a single package archive file.
type PackageTask struct {
	PackagePath string
}

func (t PackageTask) Variant() Variant     { return VariantPackage }
func (t PackageTask) CacheKey() string     { return t.PackagePath }
func (t PackageTask) NeedsRewrite() bool   { return false }
func (t PackageTask) UpstreamPath() string { return t.PackagePath }

// AnacondaTask requests a path under the Anaconda repository mirror.
type AnacondaTask struct {
	Path string
}

func (t AnacondaTask) Variant() Variant     { return VariantAnaconda }
func (t AnacondaTask) CacheKey() string     { return "anaconda_" + t.Path }
func (t AnacondaTask) NeedsRewrite() bool   { return false }
func (t AnacondaTask) UpstreamPath() string { return t.Path }

// OtherTask requests a path governed by a user-configured rule. Its
// cache key is derived straight from URL, with the scheme folded into
// the key's leading path segment so keys stay filesystem-safe.
type OtherTask struct {
	RuleID string
	URL    string
}

func (t OtherTask) Variant() Variant   { return VariantOther }
func (t OtherTask) NeedsRewrite() bool { return false }

func (t OtherTask) CacheKey() string {
	switch {
	case strings.HasPrefix(t.URL, "https://"):
		return "https/" + strings.TrimPrefix(t.URL, "https://")
	case strings.HasPrefix(t.URL, "http://"):
		return "http/" + strings.TrimPrefix(t.URL, "http://")
	default:
		return t.URL
	}
}

// UpstreamConfig carries the configured upstream base for each
// built-in variant. Other tasks carry their own URL and ignore this.
type UpstreamConfig struct {
	PypiIndex    string
	PypiPackages string
	Anaconda     string
}

// ResolveUpstream returns the absolute URL to fetch for t: a built-in
// variant's configured base joined with its path, or an Other task's
// URL verbatim.
func ResolveUpstream(t Task, cfg UpstreamConfig) string {
	switch v := t.(type) {
	case IndexTask:
		return joinURL(cfg.PypiIndex, v.PackageName)
	case PackageTask:
		return joinURL(cfg.PypiPackages, v.PackagePath)
	case AnacondaTask:
		return joinURL(cfg.Anaconda, v.Path)
	case OtherTask:
		return v.URL
	default:
		return ""
	}
}

func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	path = strings.TrimLeft(path, "/")
	return base + "/" + path
}
