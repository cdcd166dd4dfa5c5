package capture

import (
	"net/textproto"
	"strings"
)

// IDSource says where an exchange's request id comes from. It is resolved
// once at startup and never changes.
type IDSource struct {
	header string
}

// NewIDSource returns a source reading the id from the named request header.
// An empty name means the host's own exchange id is always used.
func NewIDSource(header string) IDSource {
	header = strings.TrimSpace(header)
	if header == "" {
		return IDSource{}
	}
	return IDSource{header: textproto.CanonicalMIMEHeaderKey(header)}
}

// Header returns the canonical header name, or "" when none is configured.
func (s IDSource) Header() string { return s.header }

// Resolve returns the request id for an exchange: the first non-empty value
// of the configured header, else fallback. ok is false when neither yields an
// id, in which case capture does not apply.
func (s IDSource) Resolve(headers []Header, fallback string) (id string, ok bool) {
	if s.header != "" {
		for _, h := range headers {
			if strings.EqualFold(h.Name, s.header) {
				if v := strings.TrimSpace(h.Value); v != "" {
					return v, true
				}
			}
		}
	}
	return fallback, fallback != ""
}
