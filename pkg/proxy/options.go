package proxy

import "go.uber.org/zap"

const (
	DefaultListenAddr           = ":9090"
	DefaultWebPort              = 9091
	DefaultMaxFlows             = 1000
	DefaultMaxBody              = 1 << 20 // 1 MiB
	DefaultClientBodyBufferSize = 16 << 10
)

// Options configures the proxy engine.
type Options struct {
	// ListenAddr is the address for the proxy HTTP server (e.g. ":9090").
	ListenAddr string

	// WebPort is the port for the web inspection API. 0 disables it.
	WebPort int

	// Upstreams defines the routing table.
	Upstreams []Upstream

	// MaxFlows is the ring-buffer capacity for the flow store.
	MaxFlows int

	// MaxBodySize is the maximum number of bytes kept per body for flow
	// previews. Mirror limits are configured separately.
	MaxBodySize int64

	// ClientBodyBufferSize is how much of a request body is held in memory;
	// the rest is spilled to a temp file.
	ClientBodyBufferSize int64

	// TempDir holds spilled request bodies. Empty means os.TempDir.
	TempDir string

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.ListenAddr == "" {
		o.ListenAddr = DefaultListenAddr
	}
	if o.WebPort == 0 {
		o.WebPort = DefaultWebPort
	}
	if o.MaxFlows == 0 {
		o.MaxFlows = DefaultMaxFlows
	}
	if o.MaxBodySize == 0 {
		o.MaxBodySize = DefaultMaxBody
	}
	if o.ClientBodyBufferSize <= 0 {
		o.ClientBodyBufferSize = DefaultClientBodyBufferSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
