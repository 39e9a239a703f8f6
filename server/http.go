// Package server implements the minimal HTTP front door: it classifies
// each request into a task.Task, asks the Task Manager to resolve it,
// and writes the result back to the client. The full routing/auth/TLS
// framework a production front end would carry is out of scope; this
// is deliberately the thinnest layer that can drive the Task Manager.
package server

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/goatherd/mirror-cache/cache"
	"github.com/goatherd/mirror-cache/manager"
	"github.com/goatherd/mirror-cache/task"
)

// FrontDoor routes incoming requests to the Task Manager.
type FrontDoor struct {
	manager      *manager.Manager
	rules        map[string]string // rule id -> upstream base
	accessLogger cache.Logger
	errorLogger  cache.Logger
}

// NewFrontDoor returns a FrontDoor. rules maps a configured rule id to
// its upstream base URL, used to build the verbatim URL an OtherTask
// carries.
func NewFrontDoor(mgr *manager.Manager, rules map[string]string, accessLogger, errorLogger cache.Logger) *FrontDoor {
	return &FrontDoor{
		manager:      mgr,
		rules:        rules,
		accessLogger: accessLogger,
		errorLogger:  errorLogger,
	}
}

func (f *FrontDoor) logResponse(code int, r *http.Request) {
	clientAddress, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientAddress = r.RemoteAddr
	}
	f.accessLogger.Printf("%4s %d %15s %s", r.Method, code, clientAddress, r.URL.Path)
}

// ServeHTTP implements http.Handler.
func (f *FrontDoor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		f.logResponse(http.StatusMethodNotAllowed, r)
		return
	}

	t, err := f.classify(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		f.logResponse(http.StatusNotFound, r)
		return
	}

	resp, err := f.manager.Resolve(r.Context(), t)
	if err != nil {
		if e, ok := err.(*cache.Error); ok {
			http.Error(w, e.Error(), e.Code)
			f.logResponse(e.Code, r)
		} else {
			http.Error(w, "upstream fetch failed", http.StatusBadGateway)
			f.errorLogger.Printf("GET %s: %v", r.URL.Path, err)
			f.logResponse(http.StatusBadGateway, r)
		}
		return
	}

	if resp.Length >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.Length, 10))
	}

	switch resp.Kind {
	case cache.KindText:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, resp.Text)
	case cache.KindBytes:
		w.Write(resp.Bytes)
	case cache.KindStream:
		defer resp.Stream.Close()
		io.Copy(w, resp.Stream)
	}
	f.logResponse(http.StatusOK, r)
}

const (
	pypiIndexPrefix    = "/pypi/simple/"
	pypiPackagesPrefix = "/pypi/packages/"
	anacondaPrefix     = "/anaconda/"
	rulePrefix         = "/rule/"
)

// classify maps a request path to a task.Task per section 4.9.
func (f *FrontDoor) classify(path string) (task.Task, error) {
	switch {
	case strings.HasPrefix(path, pypiIndexPrefix):
		name := strings.Trim(strings.TrimPrefix(path, pypiIndexPrefix), "/")
		if name == "" {
			return nil, errNotFound("missing package name")
		}
		return task.IndexTask{PackageName: name}, nil

	case strings.HasPrefix(path, pypiPackagesPrefix):
		p := strings.TrimPrefix(path, pypiPackagesPrefix)
		if p == "" {
			return nil, errNotFound("missing package path")
		}
		return task.PackageTask{PackagePath: p}, nil

	case strings.HasPrefix(path, anacondaPrefix):
		p := strings.TrimPrefix(path, anacondaPrefix)
		if p == "" {
			return nil, errNotFound("missing anaconda path")
		}
		return task.AnacondaTask{Path: p}, nil

	case strings.HasPrefix(path, rulePrefix):
		rest := strings.TrimPrefix(path, rulePrefix)
		id, subpath, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			return nil, errNotFound("missing rule id")
		}
		upstream, ok := f.rules[id]
		if !ok {
			return nil, errNotFound("unknown rule " + id)
		}
		return task.OtherTask{
			RuleID: id,
			URL:    strings.TrimRight(upstream, "/") + "/" + subpath,
		}, nil

	default:
		return nil, errNotFound("no route matches " + path)
	}
}

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

func errNotFound(msg string) error { return notFoundError(msg) }
