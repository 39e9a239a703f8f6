// Package cache defines the abstractions shared by every cache policy
// implementation: the cache payload type, the policy interface, and the
// logging/error types used across the cache, task and manager packages.
package cache

import (
	"context"
)

// Kind identifies which variant of Payload is populated.
type Kind int

const (
	// KindText is a payload whose content is a decoded string, used for
	// rewritten index pages.
	KindText Kind = iota
	// KindBytes is a payload whose content is already fully materialised
	// in memory.
	KindBytes
	// KindStream is a payload backed by a lazily-read byte stream of a
	// known length. Length must be known up front: the LRU policy needs
	// the size before it has seen any bytes.
	KindStream
)

// StreamReader is the minimal surface a streamed Payload needs. Callers
// that also want to release resources can pass something that
// implements io.Closer too and type-assert for it.
type StreamReader interface {
	Read(p []byte) (n int, err error)
}

// Payload is the tagged union of content a Policy stores and returns:
// text, an in-memory byte buffer, or a byte stream of known length.
type Payload struct {
	Kind Kind

	Text   string
	Bytes  []byte
	Stream StreamReader

	// size is authoritative for KindStream, where Stream itself cannot
	// be measured without consuming it. For KindText/KindBytes it is
	// derived from the content on construction.
	size int64
}

// NewTextPayload wraps a decoded string, e.g. a rewritten index page.
func NewTextPayload(s string) Payload {
	return Payload{Kind: KindText, Text: s, size: int64(len(s))}
}

// NewBytesPayload wraps an in-memory byte buffer.
func NewBytesPayload(b []byte) Payload {
	return Payload{Kind: KindBytes, Bytes: b, size: int64(len(b))}
}

// NewStreamPayload wraps a byte stream whose total length is known in
// advance, typically from an upstream Content-Length header.
func NewStreamPayload(r StreamReader, size int64) Payload {
	return Payload{Kind: KindStream, Stream: r, size: size}
}

// Len returns the payload's size in bytes without consuming a stream.
func (p Payload) Len() int64 {
	return p.size
}

// Policy is the capability set every cache policy implementation
// exposes: Put admits or silently skips an entry and never fails the
// caller; Get returns the cached payload on a hit, or (zero, false) on
// a miss or any internal fault. Implementations must be safe for
// concurrent use.
type Policy interface {
	Put(ctx context.Context, key string, payload Payload)
	Get(ctx context.Context, key string) (Payload, bool)
}

// Logger is designed to be satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Error is a structured error returned at package boundaries where a
// caller-visible error is appropriate (upstream fetch failures, config
// validation). Internal cache faults never surface this type; they are
// logged and degrade to a cache miss instead.
type Error struct {
	// Code corresponds to a http.Status* code.
	Code int
	// Text is a human-readable description.
	Text string
}

func (e *Error) Error() string {
	return e.Text
}

// NoCache is a Policy that stores nothing and never has a hit. It is
// the default for any route that has not been given a concrete policy.
type NoCache struct{}

func (NoCache) Put(ctx context.Context, key string, payload Payload) {}

func (NoCache) Get(ctx context.Context, key string) (Payload, bool) {
	return Payload{}, false
}
