// Package config handles loading http-mirror configuration from YAML files.
//
// Loading priority (later wins):
//
//  1. Built-in defaults
//  2. Config file (mirror.yml in cwd, or --config path)
//  3. Explicit CLI flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fidiego/http-mirror/pkg/addons"
	"github.com/fidiego/http-mirror/pkg/filter"
	"github.com/fidiego/http-mirror/pkg/logging"
	"github.com/fidiego/http-mirror/pkg/proxy"
	"github.com/fidiego/http-mirror/pkg/relay"
	"github.com/fidiego/http-mirror/pkg/web"
)

// DefaultFilenames lists the config file names searched in the current
// directory when --config is not given.
var DefaultFilenames = []string{"mirror.yml", "mirror.yaml", ".mirror.yml"}

const (
	DefaultMirrorMaxBodySize = 1 << 20
	DefaultMaxPayloadMemory  = 8 << 20
	DefaultCollector         = "localhost:50800"
)

// UpstreamConfig is the YAML representation of a single upstream. The
// mirror_* fields override the global mirror section for this upstream.
type UpstreamConfig struct {
	Name   string `yaml:"name"`
	Prefix string `yaml:"prefix"`
	Target string `yaml:"target"`

	Mirror            *bool  `yaml:"mirror"`
	MirrorMaxBodySize *int64 `yaml:"mirror_max_body_size"`
	MirrorFilter      string `yaml:"mirror_filter"`
}

// MirrorConfig is the global mirror section.
type MirrorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Collector is the host:port envelopes are relayed to. CollectorHost
	// overrides the Host header sent with them.
	Collector     string `yaml:"collector"`
	CollectorHost string `yaml:"collector_host"`

	RequestPath  string `yaml:"request_path"`
	ResponsePath string `yaml:"response_path"`

	// MaxBodySize caps the body bytes copied into each envelope.
	MaxBodySize *int64 `yaml:"max_body_size"`

	// RequestIDHeader names the request header carrying the request id.
	// Empty means the flow id is used.
	RequestIDHeader string `yaml:"request_id_header"`

	// Filter selects the exchanges to mirror (see package filter).
	Filter string `yaml:"filter"`

	BufferSize       int  `yaml:"buffer_size"`
	MaxPayloadMemory *int `yaml:"max_payload_memory"`
	MaxInFlight      int  `yaml:"max_in_flight"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

// Config is the full YAML configuration for http-mirror.
type Config struct {
	// Listen is the proxy server address (e.g. ":9090").
	Listen string `yaml:"listen"`

	// WebPort is the port for the web inspection API. 0 disables it.
	WebPort *int `yaml:"web_port"`

	// NoTUI disables the interactive terminal UI.
	NoTUI bool `yaml:"no_tui"`

	// MaxFlows is the ring-buffer capacity for the flow store.
	MaxFlows *int `yaml:"max_flows"`

	// MaxBodySize is the max bytes kept per body for flow previews.
	MaxBodySize *int64 `yaml:"max_body_size"`

	// ClientBodyBufferSize is how much of a request body stays in memory
	// before the rest is spilled to TempDir.
	ClientBodyBufferSize *int64 `yaml:"client_body_buffer_size"`
	TempDir              string `yaml:"temp_dir"`

	// Upstream is a shorthand for a single catch-all upstream.
	// Equivalent to a single entry in Upstreams with prefix "/".
	Upstream string `yaml:"upstream"`

	// Upstreams defines the routing table for multi-upstream mode.
	Upstreams []UpstreamConfig `yaml:"upstreams"`

	Mirror MirrorConfig   `yaml:"mirror"`
	Log    logging.Config `yaml:"log"`
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &cfg, nil
}

// FindDefault looks for a config file in dir using DefaultFilenames.
// Returns the path of the first file found, or "" if none exist.
func FindDefault(dir string) string {
	for _, name := range DefaultFilenames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ToOptions converts the Config into proxy.Options, applying built-in defaults
// for any fields left unset.
func (c *Config) ToOptions() proxy.Options {
	opts := proxy.Options{TempDir: c.TempDir}

	if c.Listen != "" {
		opts.ListenAddr = c.Listen
	}
	if c.WebPort != nil {
		opts.WebPort = *c.WebPort
	}
	if c.MaxFlows != nil {
		opts.MaxFlows = *c.MaxFlows
	}
	if c.MaxBodySize != nil {
		opts.MaxBodySize = *c.MaxBodySize
	}
	if c.ClientBodyBufferSize != nil {
		opts.ClientBodyBufferSize = *c.ClientBodyBufferSize
	}

	for _, u := range c.upstreams() {
		prefix := u.Prefix
		if prefix == "" {
			prefix = "/"
		}
		opts.Upstreams = append(opts.Upstreams, proxy.Upstream{
			Name:   upstreamName(u),
			Prefix: prefix,
			Target: u.Target,
		})
	}

	return opts
}

// upstreams returns the configured upstreams with the single-upstream
// shorthand first.
func (c *Config) upstreams() []UpstreamConfig {
	var out []UpstreamConfig
	if c.Upstream != "" {
		out = append(out, UpstreamConfig{Name: "default", Prefix: "/", Target: c.Upstream})
	}
	return append(out, c.Upstreams...)
}

func upstreamName(u UpstreamConfig) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Prefix
}

// Scopes resolves the mirror section and the per-upstream overrides into the
// table the mirror addon consults. An upstream inherits every value it does
// not set from the mirror section.
func (c *Config) Scopes() (*addons.Scopes, error) {
	def, err := scope(c.Mirror.Enabled, c.mirrorMaxBody(), c.Mirror.Filter)
	if err != nil {
		return nil, fmt.Errorf("mirror filter: %w", err)
	}

	overrides := make(map[string]addons.Scope)
	for _, u := range c.upstreams() {
		if u.Mirror == nil && u.MirrorMaxBodySize == nil && u.MirrorFilter == "" {
			continue
		}
		enabled, maxBody, expr := c.Mirror.Enabled, c.mirrorMaxBody(), c.Mirror.Filter
		if u.Mirror != nil {
			enabled = *u.Mirror
		}
		if u.MirrorMaxBodySize != nil {
			maxBody = *u.MirrorMaxBodySize
		}
		if u.MirrorFilter != "" {
			expr = u.MirrorFilter
		}
		sc, err := scope(enabled, maxBody, expr)
		if err != nil {
			return nil, fmt.Errorf("mirror filter of upstream %q: %w", upstreamName(u), err)
		}
		overrides[upstreamName(u)] = sc
	}
	return addons.NewScopes(def, overrides), nil
}

func scope(enabled bool, maxBody int64, expr string) (addons.Scope, error) {
	sc := addons.Scope{Enabled: enabled, MaxBodySize: maxBody}
	if expr != "" {
		f, err := filter.Parse(expr)
		if err != nil {
			return addons.Scope{}, err
		}
		sc.Filter = f
	}
	return sc, nil
}

func (c *Config) mirrorMaxBody() int64 {
	if c.Mirror.MaxBodySize != nil {
		return *c.Mirror.MaxBodySize
	}
	return DefaultMirrorMaxBodySize
}

// MaxPayloadMemory returns the cap on one envelope's buffers.
func (c *Config) MaxPayloadMemory() int {
	if c.Mirror.MaxPayloadMemory != nil {
		return *c.Mirror.MaxPayloadMemory
	}
	return DefaultMaxPayloadMemory
}

// RelayConfig returns the collector connection settings. Unset timeouts and
// limits are left to the relay client's defaults.
func (c *Config) RelayConfig() relay.Config {
	collector := c.Mirror.Collector
	if collector == "" {
		collector = DefaultCollector
	}
	return relay.Config{
		Collector:      collector,
		Host:           c.Mirror.CollectorHost,
		ConnectTimeout: c.Mirror.ConnectTimeout,
		SendTimeout:    c.Mirror.SendTimeout,
		ReadTimeout:    c.Mirror.ReadTimeout,
		MaxInFlight:    c.Mirror.MaxInFlight,
	}
}

// MirrorInfo describes the mirror for the web API. enabled is the resolved
// state of the scope table.
func (c *Config) MirrorInfo(enabled bool) web.MirrorInfo {
	info := web.MirrorInfo{
		Enabled:         enabled,
		Collector:       c.RelayConfig().Collector,
		RequestPath:     c.Mirror.RequestPath,
		ResponsePath:    c.Mirror.ResponsePath,
		RequestIDHeader: c.Mirror.RequestIDHeader,
	}
	if info.RequestPath == "" {
		info.RequestPath = addons.DefaultRequestPath
	}
	if info.ResponsePath == "" {
		info.ResponsePath = addons.DefaultResponsePath
	}
	return info
}

// Example returns the canonical example config as a YAML string.
func Example() string {
	return `# http-mirror configuration
# All fields are optional; CLI flags take precedence over this file.

# Proxy listen address.
listen: ":9090"

# Port for the web inspection API. Set to 0 to disable.
web_port: 9091

# Disable the interactive terminal UI (log to stdout instead).
no_tui: false

# Maximum number of flows held in memory (ring buffer).
max_flows: 1000

# Maximum bytes kept per body for flow previews (default: 1048576 = 1 MiB).
max_body_size: 1048576

# Request bodies above this size are spilled to temp_dir.
client_body_buffer_size: 16384
# temp_dir: /var/tmp/http-mirror

# --- Upstream routing ---

# Single upstream: proxy everything to one target.
# upstream: http://localhost:8081

# Multi-upstream: route by path prefix (longer prefixes win).
# The mirror_* fields override the mirror section for one upstream.
upstreams:
  - name: ctl-api
    prefix: /api
    target: http://localhost:8081
    mirror_max_body_size: 65536
  - name: runner
    prefix: /runner
    target: http://localhost:8083
    mirror_filter: "!~m GET"
  - name: dashboard
    prefix: /
    target: http://localhost:4000
    mirror: false

# --- Traffic mirroring ---

mirror:
  enabled: true
  collector: localhost:50800
  # collector_host: traces.internal
  request_path: /trace/v1/request
  response_path: /trace/v1/response

  # Body bytes copied into each envelope (default: 1 MiB).
  max_body_size: 1048576

  # Take the request id from this header; the flow id is used otherwise.
  # request_id_header: X-Request-Id

  # Only mirror exchanges matching this filter expression.
  # filter: "~h Content-Type:json & !~p /health"

  buffer_size: 4096
  max_payload_memory: 8388608
  max_in_flight: 64
  connect_timeout: 5s
  send_timeout: 10s
  read_timeout: 10s

# --- Logging ---

log:
  level: info
  format: console
  # file: /var/log/http-mirror/mirror.log
  # max_size_mb: 50
  # max_backups: 5
  # max_age_days: 30
  # compress: false
`
}
