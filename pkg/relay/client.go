package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fidiego/http-mirror/pkg/metrics"
)

var (
	// ErrQueueFull is reported when MaxInFlight relays are already running.
	ErrQueueFull = errors.New("relay: too many relays in flight")

	// ErrClosed is reported for relays sent after Shutdown.
	ErrClosed = errors.New("relay: client closed")

	// ErrCollectorStatus is reported when the collector answers with a
	// non-2xx status.
	ErrCollectorStatus = errors.New("relay: collector rejected payload")
)

// Config holds the collector destination and connection limits.
type Config struct {
	Collector      string // host:port
	Host           string // Host header; defaults to Collector
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	ReadTimeout    time.Duration
	MaxInFlight    int
}

func (c *Config) setDefaults() {
	if c.Collector == "" {
		c.Collector = "localhost:50800"
	}
	if c.Host == "" {
		c.Host = c.Collector
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
}

// Result describes a finished relay.
type Result struct {
	Kind      string
	RequestID string
	Path      string
	Outcome   string // metrics.OutcomeSent, OutcomeFailed or OutcomeDropped
	Status    int    // collector status code, 0 if none was read
	Bytes     int
	Duration  time.Duration
	Err       error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics records relay metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithOnComplete registers a callback run once per Send with its result. It
// runs on the relay goroutine and must not block.
func WithOnComplete(fn func(Result)) Option {
	return func(c *Client) { c.onComplete = fn }
}

// Client relays envelopes to one collector, one connection per envelope.
// It is safe for concurrent use.
type Client struct {
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	onComplete func(Result)
	dialer     net.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.Mutex
	closed bool
}

// NewClient returns a client for cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.setDefaults()
	c := &Client{cfg: cfg, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.group.SetLimit(cfg.MaxInFlight)
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Send relays req in the background and never blocks. Sending does not start
// before after is closed (nil means no wait). The returned channel is closed
// once sending has started or the relay has been given up. When MaxInFlight
// relays are running, req is dropped.
func (c *Client) Send(req Request, after <-chan struct{}) <-chan struct{} {
	started := make(chan struct{})

	c.mu.Lock()
	var err error
	if c.closed {
		err = ErrClosed
	} else if !c.group.TryGo(func() error {
		c.run(req, after, started)
		return nil
	}) {
		err = ErrQueueFull
	}
	c.mu.Unlock()

	if err != nil {
		close(started)
		c.drop(req, err)
	}
	return started
}

func (c *Client) drop(req Request, err error) {
	reason := "queue_full"
	if errors.Is(err, ErrClosed) {
		reason = "closed"
	}
	c.log.Warn("mirror relay dropped",
		zap.String("kind", req.Kind),
		zap.String("request_id", req.RequestID),
		zap.Error(err))
	c.metrics.RelayDropped(req.Kind, reason)
	if req.Body != nil {
		req.Body.Release()
	}
	c.complete(req, Result{
		Kind:      req.Kind,
		RequestID: req.RequestID,
		Path:      req.Path,
		Outcome:   metrics.OutcomeDropped,
		Bytes:     req.ContentLength,
		Err:       err,
	})
}

func (c *Client) run(req Request, after <-chan struct{}, started chan struct{}) {
	var once sync.Once
	signal := func() { once.Do(func() { close(started) }) }
	defer signal()

	if after != nil {
		select {
		case <-after:
		case <-c.ctx.Done():
			c.drop(req, fmt.Errorf("%w: shut down while waiting", ErrClosed))
			return
		}
	}
	signal()

	c.metrics.RelayStarted()
	begin := time.Now()
	ex := NewExchange(req, c.cfg.Host, c.log)
	err := c.roundTrip(ex)
	ex.FinalizeRequest(err)
	elapsed := time.Since(begin)

	res := Result{
		Kind:      req.Kind,
		RequestID: req.RequestID,
		Path:      req.Path,
		Outcome:   metrics.OutcomeSent,
		Status:    ex.Parser().Status,
		Bytes:     req.ContentLength,
		Duration:  elapsed,
	}
	if err == nil && (res.Status < 200 || res.Status > 299) {
		err = fmt.Errorf("%w: status %d", ErrCollectorStatus, res.Status)
	}
	if err != nil {
		res.Outcome = metrics.OutcomeFailed
		res.Err = err
		c.log.Warn("mirror relay failed",
			zap.String("kind", req.Kind),
			zap.String("request_id", req.RequestID),
			zap.String("collector", c.cfg.Collector),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	} else {
		c.log.Debug("mirror relay done",
			zap.String("kind", req.Kind),
			zap.String("request_id", req.RequestID),
			zap.Int("status", res.Status),
			zap.Int("bytes", req.ContentLength),
			zap.Duration("elapsed", elapsed))
	}
	c.metrics.RelayFinished(req.Kind, res.Outcome, elapsed, req.ContentLength)

	if req.Body != nil {
		req.Body.Release()
	}
	c.complete(req, res)
}

// roundTrip dials the collector, writes the request and reads the reply up
// to the end of its headers.
func (c *Client) roundTrip(ex Lifecycle) error {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.cfg.Collector)
	cancel()
	if err != nil {
		return fmt.Errorf("dial collector: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(c.ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	bufs := ex.CreateRequest()
	if _, err := bufs.WriteTo(conn); err != nil {
		ex.AbortRequest()
		return fmt.Errorf("send payload: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			done, perr := ex.ProcessResponse(buf[:n])
			if perr != nil {
				return perr
			}
			if done {
				return nil
			}
		}
		if err != nil {
			// Any read error here leaves the reply unfinished.
			ex.AbortRequest()
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read reply: %w", err)
		}
	}
}

func (c *Client) complete(req Request, res Result) {
	if req.OnDone != nil {
		req.OnDone(res)
	}
	if c.onComplete != nil {
		c.onComplete(res)
	}
}

// Shutdown stops accepting relays and waits for running ones. If ctx ends
// first, running relays are cut off and ctx's error is returned.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = c.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
