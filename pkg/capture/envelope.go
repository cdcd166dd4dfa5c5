// Package capture builds the JSON envelopes that mirror one proxied exchange
// to a collector.
//
// A request envelope is built in one go once the request body is fully
// buffered. A response envelope is built incrementally: the response headers
// open it, body chunks stream into an open string literal, and the end of the
// body closes it. Session ties both together for a single exchange.
package capture

import (
	"github.com/fidiego/http-mirror/pkg/bufchain"
	"github.com/fidiego/http-mirror/pkg/jsonenc"
)

// Kind distinguishes request and response envelopes.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Header is one header line in original order.
type Header struct {
	Name  string
	Value string
}

// RequestInfo is the request metadata and body handed over by the host.
type RequestInfo struct {
	ID       string
	Method   string
	Path     string
	Host     string // empty when the request had no Host header
	Internal bool   // the exchange re-entered the host, e.g. a replay
	Headers  []Header
	Body     []Chunk
}

// Envelope is a finished, frozen payload ready to relay. Body holds exactly
// Length bytes of JSON.
type Envelope struct {
	Kind      Kind
	RequestID string
	Body      *bufchain.Chain
	Length    int

	// BodySize is the untruncated size of the captured body.
	BodySize  int64
	Truncated bool
}

// Release hands the envelope's buffers back to their pool.
func (e *Envelope) Release() {
	if e != nil && e.Body != nil {
		e.Body.Release()
	}
}

// Limits bounds the size of the envelopes built for one scope.
type Limits struct {
	// MaxBodySize caps the raw body bytes copied into an envelope.
	MaxBodySize int64
}

// BuildRequestEnvelope writes the request envelope for req onto chain:
//
//	{"request_id":..,"method":..,"path":..,["host":..,]["internal":"true",]
//	 "headers":[..],"request_start":..,"request_arrived":..,"body":..[,"truncated":N]}
//
// On error the chain holds a partial payload and should be released.
func BuildRequestEnvelope(chain *bufchain.Chain, req RequestInfo, t Timestamps, limits Limits) (*Envelope, error) {
	enc := jsonenc.New(chain)

	enc.WriteChar('{')
	enc.WriteKVList([]jsonenc.KV{
		{Key: "request_id", Value: req.ID},
		{Key: "method", Value: req.Method},
		{Key: "path", Value: req.Path},
		{Key: "host", Value: req.Host, Omit: req.Host == ""},
		{Key: "internal", Value: "true", Omit: !req.Internal},
	})
	enc.WriteChar(',')
	writeHeaders(enc, nil, req.Headers)
	enc.WriteChar(',')
	enc.WriteTimestamp("request_start", t.RequestStart)
	enc.WriteChar(',')
	enc.WriteTimestamp("request_arrived", t.RequestArrived)
	enc.WriteChar(',')

	enc.WriteKey("body")
	enc.WriteChar('"')
	var total int64
	for _, c := range req.Body {
		if err := EscapeChunk(enc, limits.MaxBodySize, &total, c); err != nil {
			return nil, err
		}
	}
	enc.WriteChar('"')
	truncated := Truncated(limits.MaxBodySize, total)
	if truncated {
		enc.WriteChar(',')
		enc.WriteUint("truncated", uint64(total))
	}
	enc.WriteChar('}')

	frozen, err := enc.Freeze()
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Kind:      KindRequest,
		RequestID: req.ID,
		Body:      frozen,
		Length:    enc.Len(),
		BodySize:  total,
		Truncated: truncated,
	}, nil
}

// writeHeaders writes `"headers":[{"header":..,"value":..},..]` for the
// synthesized headers followed by the real ones.
func writeHeaders(enc *jsonenc.Encoder, synthesized, headers []Header) {
	enc.WriteKey("headers")
	enc.WriteChar('[')
	needComma := false
	for _, list := range [2][]Header{synthesized, headers} {
		for _, h := range list {
			if needComma {
				enc.WriteChar(',')
			}
			enc.WriteChar('{')
			enc.WriteKVList([]jsonenc.KV{
				{Key: "header", Value: h.Name},
				{Key: "value", Value: h.Value},
			})
			enc.WriteChar('}')
			needComma = true
		}
	}
	enc.WriteChar(']')
}
