package capture

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fidiego/http-mirror/pkg/bufchain"
	"github.com/fidiego/http-mirror/pkg/jsonenc"
)

// ErrBuilderClosed is returned when a response builder is used after Finish
// or Discard.
var ErrBuilderClosed = errors.New("capture: response envelope already closed")

// ResponseInfo is the response metadata available when headers are ready.
type ResponseInfo struct {
	RequestID string
	Status    int

	// Values the host may have kept out of Headers. Each is mirrored only
	// when known and not already present in Headers.
	ContentType   string
	ContentLength int64 // negative when unknown
	LastModified  time.Time

	Headers []Header
}

// synthesizedHeaders returns the host-level headers missing from the
// response's own header list, in a fixed order.
func (r ResponseInfo) synthesizedHeaders() []Header {
	var out []Header
	if r.ContentType != "" && !hasHeader(r.Headers, "Content-Type") {
		out = append(out, Header{Name: "Content-Type", Value: r.ContentType})
	}
	if r.ContentLength >= 0 && !hasHeader(r.Headers, "Content-Length") {
		out = append(out, Header{Name: "Content-Length", Value: strconv.FormatInt(r.ContentLength, 10)})
	}
	if !r.LastModified.IsZero() && !hasHeader(r.Headers, "Last-Modified") {
		out = append(out, Header{Name: "Last-Modified", Value: r.LastModified.UTC().Format(http.TimeFormat)})
	}
	return out
}

func hasHeader(headers []Header, name string) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// ResponseEnvelopeBuilder carries a response envelope whose "body" string
// literal is open between the header callback and the end of the body. Use
// it in order: StartResponseEnvelope, any number of Append, then Finish or
// Discard.
type ResponseEnvelopeBuilder struct {
	enc       *jsonenc.Encoder
	requestID string
	limits    Limits
	total     int64
	closed    bool
}

// StartResponseEnvelope writes
//
//	{"request_id":..,"response_code":..,"headers":[..],"response_start":..,"body":"
//
// and returns a builder positioned inside the body literal.
func StartResponseEnvelope(chain *bufchain.Chain, resp ResponseInfo, start time.Time, limits Limits) (*ResponseEnvelopeBuilder, error) {
	enc := jsonenc.New(chain)

	enc.WriteChar('{')
	enc.WriteKVList([]jsonenc.KV{{Key: "request_id", Value: resp.RequestID}})
	enc.WriteChar(',')
	status := resp.Status
	if status < 0 {
		status = 0
	}
	enc.WriteUint("response_code", uint64(status))
	enc.WriteChar(',')
	writeHeaders(enc, resp.synthesizedHeaders(), resp.Headers)
	enc.WriteChar(',')
	enc.WriteTimestamp("response_start", start)
	enc.WriteChar(',')
	enc.WriteKey("body")
	enc.WriteChar('"')

	if enc.OOM() {
		return nil, jsonenc.ErrOutOfMemory
	}
	return &ResponseEnvelopeBuilder{enc: enc, requestID: resp.RequestID, limits: limits}, nil
}

// Observed returns the number of body bytes seen so far.
func (b *ResponseEnvelopeBuilder) Observed() int64 { return b.total }

// Append escapes one body chunk into the open literal.
func (b *ResponseEnvelopeBuilder) Append(c Chunk) error {
	if b.closed {
		return ErrBuilderClosed
	}
	if err := EscapeChunk(b.enc, b.limits.MaxBodySize, &b.total, c); err != nil {
		return err
	}
	if b.enc.OOM() {
		return jsonenc.ErrOutOfMemory
	}
	return nil
}

// Finish closes the body literal, adds the truncation marker when needed and
// the completion timestamp, and freezes the payload.
func (b *ResponseEnvelopeBuilder) Finish(complete time.Time) (*Envelope, error) {
	if b.closed {
		return nil, ErrBuilderClosed
	}
	b.closed = true

	b.enc.WriteChar('"')
	b.enc.WriteChar(',')
	truncated := Truncated(b.limits.MaxBodySize, b.total)
	if truncated {
		b.enc.WriteUint("truncated", uint64(b.total))
		b.enc.WriteChar(',')
	}
	b.enc.WriteTimestamp("response_complete", complete)
	b.enc.WriteChar('}')

	frozen, err := b.enc.Freeze()
	if err != nil {
		b.enc.Chain().Release()
		return nil, err
	}
	return &Envelope{
		Kind:      KindResponse,
		RequestID: b.requestID,
		Body:      frozen,
		Length:    b.enc.Len(),
		BodySize:  b.total,
		Truncated: truncated,
	}, nil
}

// Discard abandons the envelope and releases its buffers.
func (b *ResponseEnvelopeBuilder) Discard() {
	if b.closed {
		return
	}
	b.closed = true
	b.enc.Chain().Release()
}
