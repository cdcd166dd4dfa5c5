package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Upstream defines a single proxy target. Its Name doubles as the mirroring
// scope of the exchanges it serves.
type Upstream struct {
	Name   string // display name and mirror scope (e.g. "ctl-api")
	Prefix string // URL path prefix to match (e.g. "/api"); use "/" for catch-all
	Target string // target base URL (e.g. "http://localhost:8081")
	parsed *url.URL
}

// Router routes incoming requests to upstreams based on path prefix.
// Longer prefixes take precedence over shorter ones.
type Router struct {
	upstreams []Upstream
	byName    map[string]int
}

// NewRouter validates and prepares the given upstreams for routing. Names
// must be unique and targets must be absolute URLs.
func NewRouter(upstreams []Upstream) (*Router, error) {
	r := &Router{byName: make(map[string]int, len(upstreams))}
	seen := make(map[string]bool, len(upstreams))
	for _, u := range upstreams {
		if u.Name == "" {
			u.Name = "default"
		}
		if seen[u.Name] {
			return nil, fmt.Errorf("duplicate upstream name %q", u.Name)
		}
		seen[u.Name] = true
		if u.Prefix == "" {
			u.Prefix = "/"
		}
		if !strings.HasPrefix(u.Prefix, "/") {
			u.Prefix = "/" + u.Prefix
		}
		parsed, err := url.Parse(u.Target)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q for upstream %q: %w", u.Target, u.Name, err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("target %q for upstream %q must be an absolute URL", u.Target, u.Name)
		}
		u.parsed = parsed
		r.upstreams = append(r.upstreams, u)
	}
	// Longest prefix wins; ties keep configuration order.
	sort.SliceStable(r.upstreams, func(i, j int) bool {
		return len(r.upstreams[i].Prefix) > len(r.upstreams[j].Prefix)
	})
	for i, u := range r.upstreams {
		r.byName[u.Name] = i
	}
	return r, nil
}

// Match returns the best-matching upstream for the given request, or nil.
func (r *Router) Match(req *http.Request) *Upstream {
	return r.MatchPath(req.URL.Path)
}

// MatchPath returns the best-matching upstream for path, or nil. A prefix
// matches whole path segments only: "/api" matches "/api" and "/api/x" but
// not "/apix".
func (r *Router) MatchPath(path string) *Upstream {
	for i := range r.upstreams {
		u := &r.upstreams[i]
		if prefixMatches(u.Prefix, path) {
			return u
		}
	}
	return nil
}

func prefixMatches(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// Lookup returns the upstream with the given name, or nil.
func (r *Router) Lookup(name string) *Upstream {
	i, ok := r.byName[name]
	if !ok {
		return nil
	}
	return &r.upstreams[i]
}

// Upstreams returns a read-only copy of the configured upstreams.
func (r *Router) Upstreams() []Upstream {
	cp := make([]Upstream, len(r.upstreams))
	copy(cp, r.upstreams)
	return cp
}

// Director returns an http.Request director for use with httputil.ReverseProxy.
// It rewrites the outgoing request URL to point at the upstream target.
func Director(upstream *Upstream) func(*http.Request) {
	target := upstream.parsed
	return func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host

		// Prepend the target's base path if it has one.
		if p := target.Path; p != "" && p != "/" {
			req.URL.Path = strings.TrimSuffix(p, "/") + req.URL.Path
			req.URL.RawPath = ""
		}

		if req.Header.Get("X-Forwarded-Host") == "" && req.Host != "" {
			req.Header.Set("X-Forwarded-Host", req.Host)
		}
		req.Host = target.Host
	}
}
