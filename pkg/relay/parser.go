package relay

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrMalformedStatusLine is returned when the collector's reply does not
	// start with an HTTP status line.
	ErrMalformedStatusLine = errors.New("relay: malformed status line")

	// ErrInvalidContentLength is returned for an unparsable Content-Length.
	ErrInvalidContentLength = errors.New("relay: invalid content-length")

	// ErrLineTooLong is returned when a reply line exceeds MaxLineLength.
	ErrLineTooLong = errors.New("relay: reply line too long")
)

// MaxLineLength bounds a single status or header line of a collector reply.
const MaxLineLength = 8 << 10

type parserState uint8

const (
	stateStatus parserState = iota
	stateHeaders
	stateDone
)

// ResponseParser reads the status line and headers of a collector reply fed
// in arbitrary pieces. Only Content-Length is interpreted.
type ResponseParser struct {
	state parserState
	line  []byte

	Proto         string
	Status        int
	Reason        string
	ContentLength int64 // -1 when absent

	// Set at the end of the headers. Relay connections are never reused
	// and never upgraded.
	KeepAlive bool
	Upgrade   bool
	Done      bool
}

// NewResponseParser returns a parser at the start of a reply.
func NewResponseParser() *ResponseParser {
	return &ResponseParser{ContentLength: -1}
}

// Feed consumes p. It returns done once the blank line ending the headers has
// been seen; bytes after it are ignored. Errors are final.
func (p *ResponseParser) Feed(data []byte) (done bool, err error) {
	for len(data) > 0 && p.state != stateDone {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if len(p.line)+len(data) > MaxLineLength {
				return false, ErrLineTooLong
			}
			p.line = append(p.line, data...)
			return false, nil
		}
		if len(p.line)+i > MaxLineLength {
			return false, ErrLineTooLong
		}

		line := data[:i]
		if len(p.line) > 0 {
			p.line = append(p.line, line...)
			line = p.line
		}
		data = data[i+1:]
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if err := p.processLine(line); err != nil {
			return false, err
		}
		p.line = p.line[:0]
	}
	return p.state == stateDone, nil
}

func (p *ResponseParser) processLine(line []byte) error {
	switch p.state {
	case stateStatus:
		return p.parseStatusLine(line)
	case stateHeaders:
		if len(line) == 0 {
			p.KeepAlive = false
			p.Upgrade = false
			p.Done = true
			p.state = stateDone
			return nil
		}
		return p.parseHeader(line)
	}
	return nil
}

// parseStatusLine accepts "HTTP/d.d ddd[ reason]".
func (p *ResponseParser) parseStatusLine(line []byte) error {
	if len(line) < 12 ||
		!bytes.HasPrefix(line, []byte("HTTP/")) ||
		!isDigit(line[5]) || line[6] != '.' || !isDigit(line[7]) ||
		line[8] != ' ' ||
		!isDigit(line[9]) || !isDigit(line[10]) || !isDigit(line[11]) ||
		(len(line) > 12 && line[12] != ' ') {
		return fmt.Errorf("%w: %q", ErrMalformedStatusLine, truncateForLog(line))
	}
	p.Proto = string(line[:8])
	p.Status = int(line[9]-'0')*100 + int(line[10]-'0')*10 + int(line[11]-'0')
	if len(line) > 13 {
		p.Reason = string(line[13:])
	}
	p.state = stateHeaders
	return nil
}

func (p *ResponseParser) parseHeader(line []byte) error {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return nil
	}
	name := bytes.TrimSpace(line[:colon])
	if !bytes.EqualFold(name, []byte("Content-Length")) {
		return nil
	}
	value := bytes.TrimSpace(line[colon+1:])
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidContentLength, truncateForLog(value))
	}
	p.ContentLength = n
	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func truncateForLog(b []byte) []byte {
	const max = 64
	if len(b) > max {
		return b[:max]
	}
	return b
}
