package relay

import (
	"net"

	"go.uber.org/zap"

	"github.com/fidiego/http-mirror/pkg/bufchain"
)

// Request is one envelope on its way to the collector. Body is owned by the
// relay from Send until the relay finishes.
type Request struct {
	Kind          string
	RequestID     string
	Path          string
	Body          *bufchain.Chain
	ContentLength int

	// OnDone, if set, receives this relay's result before the client-wide
	// completion callback. It runs on the relay goroutine.
	OnDone func(Result)
}

// Lifecycle is the contract between a relay exchange and the connection that
// carries it.
type Lifecycle interface {
	// CreateRequest returns the bytes to write: preamble then payload.
	CreateRequest() net.Buffers
	// ReinitRequest prepares a retry. Relays are never retried.
	ReinitRequest() error
	// ProcessResponse consumes reply bytes and reports when the reply
	// headers are complete.
	ProcessResponse(p []byte) (done bool, err error)
	// AbortRequest is called when the connection is abandoned mid-exchange.
	AbortRequest()
	// FinalizeRequest is called once when the connection is finished with.
	FinalizeRequest(err error)
}

// Exchange drives one relay request over one connection.
type Exchange struct {
	req    Request
	host   string
	parser *ResponseParser
	log    *zap.Logger
}

var _ Lifecycle = (*Exchange)(nil)

// NewExchange returns an exchange posting req to host.
func NewExchange(req Request, host string, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchange{
		req:    req,
		host:   host,
		parser: NewResponseParser(),
		log:    log,
	}
}

// Parser exposes what has been read of the collector's reply.
func (e *Exchange) Parser() *ResponseParser { return e.parser }

func (e *Exchange) CreateRequest() net.Buffers {
	bufs := net.Buffers{BuildPreamble(e.req.Path, e.host, e.req.ContentLength)}
	if e.req.Body != nil {
		bufs = append(bufs, e.req.Body.Buffers()...)
	}
	return bufs
}

func (e *Exchange) ReinitRequest() error { return nil }

func (e *Exchange) ProcessResponse(p []byte) (bool, error) {
	return e.parser.Feed(p)
}

func (e *Exchange) AbortRequest() {
	e.log.Debug("abort mirror relay",
		zap.String("kind", e.req.Kind),
		zap.String("request_id", e.req.RequestID))
}

func (e *Exchange) FinalizeRequest(err error) {
	e.log.Debug("finalize mirror relay",
		zap.String("kind", e.req.Kind),
		zap.String("request_id", e.req.RequestID),
		zap.Int("status", e.parser.Status),
		zap.Error(err))
}
