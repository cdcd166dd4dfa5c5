// Package relay delivers mirrored envelopes to the collector.
//
// Each envelope travels on its own HTTP/1.0 connection: a POST with a
// Content-Length body and no keep-alive. Of the collector's reply only the
// status line and the Content-Length header are read; the relay is done at
// the end of the headers.
package relay

import (
	"strconv"
)

// BuildPreamble returns the request line and headers for a POST of
// contentLength bytes of JSON to path on host.
func BuildPreamble(path, host string, contentLength int) []byte {
	if path == "" {
		path = "/"
	}
	b := make([]byte, 0, 96+len(path)+len(host))
	b = append(b, "POST "...)
	b = append(b, path...)
	b = append(b, " HTTP/1.0\r\nHost: "...)
	b = append(b, host...)
	b = append(b, "\r\nContent-Type: application/json\r\nContent-Length: "...)
	b = strconv.AppendInt(b, int64(contentLength), 10)
	b = append(b, "\r\n\r\n"...)
	return b
}
