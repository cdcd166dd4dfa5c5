package jsonenc

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/http-mirror/pkg/bufchain"
)

func newEncoder(opts ...bufchain.Option) *Encoder {
	return New(bufchain.New(opts...))
}

func output(t *testing.T, e *Encoder) string {
	t.Helper()
	require.False(t, e.OOM())
	assert.Equal(t, e.Len(), e.Chain().Len(), "encoder length tracks committed bytes")
	return string(e.Chain().Bytes())
}

func TestWriteStringRoundTrips(t *testing.T) {
	cases := []string{
		"",
		"plain",
		`quote " and backslash \`,
		"newline\ncarriage\rtab\tbs\bff\f",
		"nul\x00 bell\x07 esc\x1b unit\x1f",
		"del\x7f stays",
		"unicode: héllo, 日本, 🙂",
		"</script> & <b>",
	}
	for _, s := range cases {
		t.Run(fmt.Sprintf("%q", s), func(t *testing.T) {
			e := newEncoder(bufchain.WithInitialSize(8))
			e.WriteString(s)
			out := output(t, e)

			var got string
			require.NoError(t, json.Unmarshal([]byte(out), &got), out)
			assert.Equal(t, s, got)
			assert.Equal(t, escapedLenString(s)+2, len(out))
		})
	}
}

func TestWriteStringLeavesOtherBytesAlone(t *testing.T) {
	e := newEncoder()
	e.WriteString("a<b>&'\x7f/é")
	assert.Equal(t, "\"a<b>&'\x7f/é\"", output(t, e))
}

func TestWriteStringEscapes(t *testing.T) {
	e := newEncoder()
	e.WriteString("\"\\\n\x01")
	assert.Equal(t, `"\"\\\n\u0001"`, output(t, e))
}

func TestWriteEscapedAcrossBuffers(t *testing.T) {
	e := newEncoder(bufchain.WithInitialSize(4))
	e.WriteChar('"')
	e.WriteEscaped([]byte("ab\"cd"))
	e.WriteEscaped([]byte("\x02"))
	e.WriteChar('"')

	var got string
	require.NoError(t, json.Unmarshal([]byte(output(t, e)), &got))
	assert.Equal(t, "ab\"cd\x02", got)
}

func TestWriteUint(t *testing.T) {
	for _, n := range []uint64{0, 7, 200, 1234567890, math.MaxUint64} {
		e := newEncoder()
		e.WriteUint("n", n)
		assert.Equal(t, fmt.Sprintf(`"n":%d`, n), output(t, e))
	}
}

func TestWriteTimestamp(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	cases := []struct {
		in   time.Time
		want string
	}{
		{time.Date(2022, 12, 7, 12, 34, 56, 123456789, time.UTC), `"ts":"2022-12-07T12:34:56.123456Z"`},
		{time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC), `"ts":"2023-01-02T03:04:05.000000Z"`},
		{time.Date(2023, 1, 1, 1, 0, 0, 1000, loc), `"ts":"2022-12-31T23:00:00.000001Z"`},
		{time.Date(999, 3, 9, 0, 0, 0, 0, time.UTC), `"ts":"0999-03-09T00:00:00.000000Z"`},
	}
	for _, tc := range cases {
		e := newEncoder()
		e.WriteTimestamp("ts", tc.in)
		out := output(t, e)
		assert.Equal(t, tc.want, out)

		var wrapped struct {
			TS time.Time `json:"ts"`
		}
		require.NoError(t, json.Unmarshal([]byte("{"+out+"}"), &wrapped))
		assert.True(t, wrapped.TS.Equal(tc.in.Truncate(time.Microsecond)))
	}
}

func TestWriteKVListOmitPositions(t *testing.T) {
	cases := []struct {
		name string
		kvs  []KV
		want string
	}{
		{"none omitted", []KV{{"a", "1", false}, {"b", "2", false}, {"c", "3", false}}, `"a":"1","b":"2","c":"3"`},
		{"omitted first", []KV{{"a", "1", true}, {"b", "2", false}, {"c", "3", false}}, `"b":"2","c":"3"`},
		{"omitted middle", []KV{{"a", "1", false}, {"b", "2", true}, {"c", "3", false}}, `"a":"1","c":"3"`},
		{"omitted last", []KV{{"a", "1", false}, {"b", "2", false}, {"c", "3", true}}, `"a":"1","b":"2"`},
		{"all omitted", []KV{{"a", "1", true}, {"b", "2", true}}, ``},
		{"sentinel ends list", []KV{{"a", "1", false}, {}, {"c", "3", false}}, `"a":"1"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEncoder()
			e.WriteKVList(tc.kvs)
			assert.Equal(t, tc.want, output(t, e))
		})
	}
}

// Every omit subset of a five-entry list produces valid JSON whose comma count
// depends only on how many entries survive.
func TestWriteKVListCommaCountProperty(t *testing.T) {
	const n = 5
	for mask := 0; mask < 1<<n; mask++ {
		kvs := make([]KV, n)
		kept := 0
		for i := range kvs {
			kvs[i] = KV{Key: fmt.Sprintf("k%d", i), Value: "v,v", Omit: mask&(1<<i) != 0}
			if !kvs[i].Omit {
				kept++
			}
		}

		e := newEncoder()
		e.WriteChar('{')
		e.WriteKVList(kvs)
		e.WriteChar('}')
		out := output(t, e)

		wantCommas := kept - 1
		if kept == 0 {
			wantCommas = 0
		}
		// Values carry a literal comma each; subtract them.
		got := strings.Count(out, ",") - kept
		assert.Equal(t, wantCommas, got, "mask %05b: %s", mask, out)
		assert.False(t, strings.HasPrefix(out, "{,"), out)
		assert.False(t, strings.HasSuffix(out, ",}"), out)

		var decoded map[string]string
		require.NoError(t, json.Unmarshal([]byte(out), &decoded), out)
		assert.Len(t, decoded, kept)
	}
}

func TestOutOfMemoryIsSticky(t *testing.T) {
	e := newEncoder(bufchain.WithInitialSize(8), bufchain.WithLimit(8))
	e.WriteString("abc")
	require.False(t, e.OOM())

	e.WriteString("this does not fit")
	assert.True(t, e.OOM())

	before := e.Len()
	e.WriteChar('x')
	assert.Equal(t, before, e.Len(), "writes after oom are ignored")

	chain, err := e.Freeze()
	assert.Nil(t, chain)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestFreeze(t *testing.T) {
	e := newEncoder()
	e.WriteChar('{')
	e.WriteChar('}')

	chain, err := e.Freeze()
	require.NoError(t, err)
	assert.True(t, chain.Final())
	assert.Equal(t, "{}", string(chain.Bytes()))

	e.WriteChar('x')
	assert.Equal(t, 2, e.Len(), "frozen encoder ignores writes")

	_, err = e.Freeze()
	assert.ErrorIs(t, err, ErrFrozen)
}
