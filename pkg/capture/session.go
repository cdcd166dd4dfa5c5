package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/fidiego/http-mirror/pkg/bufchain"
)

var (
	// ErrAlreadyCaptured is returned when an exchange tries to capture its
	// request a second time.
	ErrAlreadyCaptured = errors.New("capture: request already captured")

	// ErrNotApplicable short-circuits capture when mirroring is off for the
	// scope or the exchange has no request id. It is not a failure.
	ErrNotApplicable = errors.New("capture: mirroring not applicable")

	// ErrOutOfOrder is returned when a host callback arrives in a phase that
	// cannot accept it.
	ErrOutOfOrder = errors.New("capture: callback out of order")
)

// Phase is the position of an exchange in the capture state machine.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRequestCaptured
	PhaseResponseHeaderCaptured
	PhaseResponseBodyStreaming
	PhaseResponseCaptured
	PhaseRelayed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequestCaptured:
		return "request-captured"
	case PhaseResponseHeaderCaptured:
		return "response-header-captured"
	case PhaseResponseBodyStreaming:
		return "response-body-streaming"
	case PhaseResponseCaptured:
		return "response-captured"
	case PhaseRelayed:
		return "relayed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Timestamps are the four instants recorded for one exchange.
type Timestamps struct {
	RequestStart     time.Time
	RequestArrived   time.Time
	ResponseStart    time.Time
	ResponseComplete time.Time
}

// Relayer delivers frozen envelopes. Relay takes ownership of env and must
// not block. It must not start sending before after is closed (a nil after
// imposes no wait). The returned channel is closed once sending has started
// or the relay has been abandoned.
type Relayer interface {
	Relay(env *Envelope, after <-chan struct{}) <-chan struct{}
}

// Options configure the sessions of one mirroring scope.
type Options struct {
	Limits Limits

	// InitialBufferSize is the minimum size of each payload buffer.
	InitialBufferSize int
	// ArenaLimit caps the memory of a single payload. Zero means no cap.
	ArenaLimit int
	// Pool recycles default-sized payload buffers. Optional.
	Pool *bufchain.Pool
}

func (o Options) newChain() *bufchain.Chain {
	opts := []bufchain.Option{
		bufchain.WithInitialSize(o.InitialBufferSize),
		bufchain.WithLimit(o.ArenaLimit),
	}
	if o.Pool != nil {
		opts = append(opts, bufchain.WithPool(o.Pool))
	}
	return bufchain.New(opts...)
}

// Session is the capture context of one exchange. Its methods are called by
// the host in exchange order from the goroutine serving the exchange; it is
// not safe for concurrent use.
type Session struct {
	opts    Options
	relayer Relayer

	phase     Phase
	ts        Timestamps
	requestID string
	internal  bool

	// requestSent is closed once the request envelope starts sending. Nil
	// when no request envelope was relayed.
	requestSent <-chan struct{}

	builder  *ResponseEnvelopeBuilder
	disabled bool
	observed int64

	requestRelayed  bool
	responseRelayed bool
}

// NewSession returns an idle session relaying through r.
func NewSession(r Relayer, opts Options) *Session {
	return &Session{opts: opts, relayer: r}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase { return s.phase }

// RequestID returns the id the exchange was captured under.
func (s *Session) RequestID() string { return s.requestID }

// Internal reports whether the request was captured as re-entrant.
func (s *Session) Internal() bool { return s.internal }

// Timestamps returns the instants recorded so far.
func (s *Session) Timestamps() Timestamps { return s.ts }

// Disabled reports whether response mirroring was abandoned after an error.
func (s *Session) Disabled() bool { return s.disabled }

// ObservedResponseBytes returns the response body bytes seen so far,
// including any beyond the capture cap.
func (s *Session) ObservedResponseBytes() int64 { return s.observed }

// RequestRelayed and ResponseRelayed report which envelopes were handed to
// the relayer.
func (s *Session) RequestRelayed() bool  { return s.requestRelayed }
func (s *Session) ResponseRelayed() bool { return s.responseRelayed }

// Begin records the request start. It fires once per exchange; a second call
// returns ErrAlreadyCaptured and changes nothing.
func (s *Session) Begin(start time.Time) error {
	if s.phase != PhaseIdle || !s.ts.RequestStart.IsZero() {
		return ErrAlreadyCaptured
	}
	s.ts.RequestStart = start
	return nil
}

// CaptureRequest builds the request envelope once the request body is fully
// available and hands it to the relayer. The session advances even when the
// envelope cannot be built so that the response can still be mirrored.
func (s *Session) CaptureRequest(req RequestInfo, arrived time.Time) error {
	if s.phase != PhaseIdle {
		return ErrAlreadyCaptured
	}
	if req.ID == "" {
		return ErrNotApplicable
	}
	if s.ts.RequestStart.IsZero() {
		s.ts.RequestStart = arrived
	}
	s.ts.RequestArrived = arrived
	s.requestID = req.ID
	s.internal = req.Internal
	s.phase = PhaseRequestCaptured

	chain := s.opts.newChain()
	env, err := BuildRequestEnvelope(chain, req, s.ts, s.opts.Limits)
	if err != nil {
		chain.Release()
		return fmt.Errorf("build request envelope: %w", err)
	}
	s.requestSent = s.relayer.Relay(env, nil)
	s.requestRelayed = true
	return nil
}

// CaptureResponseHeader opens the response envelope. resp.RequestID is
// filled from the session when empty.
func (s *Session) CaptureResponseHeader(resp ResponseInfo, start time.Time) error {
	if s.phase != PhaseRequestCaptured {
		return fmt.Errorf("%w: response header in phase %s", ErrOutOfOrder, s.phase)
	}
	s.ts.ResponseStart = start
	s.phase = PhaseResponseHeaderCaptured
	if resp.RequestID == "" {
		resp.RequestID = s.requestID
	}

	chain := s.opts.newChain()
	b, err := StartResponseEnvelope(chain, resp, start, s.opts.Limits)
	if err != nil {
		chain.Release()
		s.disabled = true
		return fmt.Errorf("start response envelope: %w", err)
	}
	s.builder = b
	return nil
}

// CaptureResponseBody feeds one body chunk. The chunk flagged Last finishes
// the envelope and relays it. After an error the rest of the response is
// ignored; only the first failure is returned.
func (s *Session) CaptureResponseBody(c Chunk, now time.Time) error {
	switch s.phase {
	case PhaseResponseHeaderCaptured:
		s.phase = PhaseResponseBodyStreaming
	case PhaseResponseBodyStreaming:
	default:
		return fmt.Errorf("%w: response body in phase %s", ErrOutOfOrder, s.phase)
	}
	s.observed += c.Len()

	var err error
	if !s.disabled {
		if err = s.builder.Append(c); err != nil {
			s.abandonResponse()
			err = fmt.Errorf("append response body: %w", err)
		}
	}
	if !c.Last {
		return err
	}

	s.ts.ResponseComplete = now
	s.phase = PhaseResponseCaptured
	if s.disabled {
		return err
	}
	env, ferr := s.builder.Finish(now)
	s.builder = nil
	if ferr != nil {
		s.disabled = true
		return fmt.Errorf("finish response envelope: %w", ferr)
	}
	s.relayer.Relay(env, s.requestSent)
	s.responseRelayed = true
	s.phase = PhaseRelayed
	return nil
}

func (s *Session) abandonResponse() {
	s.disabled = true
	if s.builder != nil {
		s.builder.Discard()
		s.builder = nil
	}
}

// Close tears the session down when the host discards the exchange. An
// unfinished response envelope is dropped.
func (s *Session) Close() {
	if s.builder != nil {
		s.builder.Discard()
		s.builder = nil
	}
}
