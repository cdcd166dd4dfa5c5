package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPreamble(t *testing.T) {
	got := string(BuildPreamble("/trace/v1/request", "collector:50800", 42))
	want := "POST /trace/v1/request HTTP/1.0\r\n" +
		"Host: collector:50800\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: 42\r\n" +
		"\r\n"
	assert.Equal(t, want, got)
	assert.True(t, strings.HasPrefix(string(BuildPreamble("", "h", 0)), "POST / HTTP/1.0\r\n"))
}

func TestParserWholeReply(t *testing.T) {
	p := NewResponseParser()
	done, err := p.Feed([]byte("HTTP/1.1 202 Accepted\r\nServer: x\r\nContent-Length: 17\r\n\r\n{\"ok\":true}"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "HTTP/1.1", p.Proto)
	assert.Equal(t, 202, p.Status)
	assert.Equal(t, "Accepted", p.Reason)
	assert.Equal(t, int64(17), p.ContentLength)
	assert.True(t, p.Done)
	assert.False(t, p.KeepAlive)
	assert.False(t, p.Upgrade)
}

func TestParserAnySplit(t *testing.T) {
	reply := "HTTP/1.0 200 OK\r\ncOnTeNt-LeNgTh:  5 \r\nX-Other: a\r\n\r\nhello"
	for split := 1; split < len(reply); split++ {
		p := NewResponseParser()
		done, err := p.Feed([]byte(reply[:split]))
		require.NoError(t, err, "split %d", split)
		if !done {
			done, err = p.Feed([]byte(reply[split:]))
			require.NoError(t, err, "split %d", split)
		}
		assert.True(t, done, "split %d", split)
		assert.Equal(t, 200, p.Status, "split %d", split)
		assert.Equal(t, int64(5), p.ContentLength, "split %d", split)
	}
}

func TestParserByteAtATime(t *testing.T) {
	p := NewResponseParser()
	reply := "HTTP/1.1 204\nContent-Length: 0\n\n"
	var done bool
	for i := 0; i < len(reply); i++ {
		var err error
		done, err = p.Feed([]byte{reply[i]})
		require.NoError(t, err)
	}
	assert.True(t, done)
	assert.Equal(t, 204, p.Status)
	assert.Equal(t, "", p.Reason)
	assert.Equal(t, int64(0), p.ContentLength)
}

func TestParserIncomplete(t *testing.T) {
	p := NewResponseParser()
	done, err := p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.False(t, p.Done)
	assert.Equal(t, int64(-1), p.ContentLength)
}

func TestParserMalformedStatusLine(t *testing.T) {
	cases := []string{
		"SSH-2.0-OpenSSH_9.0\r\n",
		"HTTP/1.1 20 OK\r\n",
		"HTTP/x.1 200 OK\r\n",
		"HTTP/1.1 200OK\r\n",
		"\x00\x01\x02garbage\n",
		"\r\n",
	}
	for _, reply := range cases {
		p := NewResponseParser()
		_, err := p.Feed([]byte(reply))
		assert.ErrorIs(t, err, ErrMalformedStatusLine, "%q", reply)
	}
}

func TestParserInvalidContentLength(t *testing.T) {
	for _, v := range []string{"abc", "-1", ""} {
		p := NewResponseParser()
		_, err := p.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: " + v + "\r\n\r\n"))
		assert.ErrorIs(t, err, ErrInvalidContentLength, "%q", v)
	}
}

func TestParserLineTooLong(t *testing.T) {
	p := NewResponseParser()
	_, err := p.Feed([]byte("HTTP/1.1 200 OK\r\nX-Big: "))
	require.NoError(t, err)
	_, err = p.Feed([]byte(strings.Repeat("a", MaxLineLength)))
	assert.ErrorIs(t, err, ErrLineTooLong)

	p = NewResponseParser()
	_, err = p.Feed([]byte(strings.Repeat("b", MaxLineLength+1) + "\n"))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestParserIgnoresBytesAfterHeaders(t *testing.T) {
	p := NewResponseParser()
	done, err := p.Feed([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.NoError(t, err)
	require.True(t, done)

	done, err = p.Feed([]byte("not a header line at all"))
	assert.NoError(t, err)
	assert.True(t, done)
}
