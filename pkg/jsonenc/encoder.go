// Package jsonenc writes JSON incrementally onto a bufchain.Chain.
//
// The encoder is fail-soft: when the chain cannot provide space, the encoder
// sets its out-of-memory flag and silently ignores further writes. Callers
// check the flag once, at Freeze, and drop the payload if it is set.
package jsonenc

import (
	"errors"
	"strconv"
	"time"

	"github.com/fidiego/http-mirror/pkg/bufchain"
)

// ErrOutOfMemory is returned by Freeze when any write failed to get space.
var ErrOutOfMemory = errors.New("jsonenc: out of memory")

// ErrFrozen is returned by Freeze when called twice.
var ErrFrozen = errors.New("jsonenc: encoder already frozen")

// maxUintLen covers the decimal form of a 64-bit unsigned integer.
const maxUintLen = 20

// timestampLen is len(`"2006-01-02T15:04:05.000000Z"`).
const timestampLen = 29

// KV is a key and string value written by WriteKVList. Entries with Omit set
// are skipped; an entry with an empty Key ends the list.
type KV struct {
	Key   string
	Value string
	Omit  bool
}

// Encoder appends JSON tokens to a chain. It is not safe for concurrent use.
type Encoder struct {
	chain  *bufchain.Chain
	length int
	oom    bool
	frozen bool
}

// New returns an encoder writing to chain.
func New(chain *bufchain.Chain) *Encoder {
	return &Encoder{chain: chain}
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return e.length }

// OOM reports whether a write failed to obtain space.
func (e *Encoder) OOM() bool { return e.oom }

// Chain returns the underlying chain.
func (e *Encoder) Chain() *bufchain.Chain { return e.chain }

// reserve returns n writable bytes or nil after setting the oom flag.
func (e *Encoder) reserve(n int) []byte {
	if e.oom || e.frozen {
		return nil
	}
	p, err := e.chain.EnsureSpace(n)
	if err != nil {
		e.oom = true
		return nil
	}
	return p
}

func (e *Encoder) commit(n int) {
	e.chain.Commit(n)
	e.length += n
}

// WriteChar appends a single byte.
func (e *Encoder) WriteChar(c byte) {
	p := e.reserve(1)
	if p == nil {
		return
	}
	p[0] = c
	e.commit(1)
}

// WriteString appends s as a quoted, escaped JSON string literal. The exact
// escaped size is computed first so that space is reserved once.
func (e *Encoder) WriteString(s string) {
	size := escapedLenString(s) + 2
	p := e.reserve(size)
	if p == nil {
		return
	}
	p[0] = '"'
	w := 1 + escapeStringInto(p[1:], s)
	p[w] = '"'
	e.commit(w + 1)
}

// WriteEscaped appends the escaped form of p without quotes. It is used to
// stream data into a string literal that is already open.
func (e *Encoder) WriteEscaped(p []byte) {
	if len(p) == 0 {
		return
	}
	dst := e.reserve(EscapedLen(p))
	if dst == nil {
		return
	}
	e.commit(escapeInto(dst, p))
}

// WriteKey appends `"key":`.
func (e *Encoder) WriteKey(key string) {
	e.WriteString(key)
	e.WriteChar(':')
}

// WriteUint appends `"key":` followed by the decimal digits of n.
func (e *Encoder) WriteUint(key string, n uint64) {
	e.WriteKey(key)
	p := e.reserve(maxUintLen)
	if p == nil {
		return
	}
	e.commit(len(strconv.AppendUint(p[:0], n, 10)))
}

// WriteTimestamp appends `"key":"YYYY-MM-DDTHH:MM:SS.ssssssZ"` with t in UTC
// at microsecond precision.
func (e *Encoder) WriteTimestamp(key string, t time.Time) {
	e.WriteKey(key)
	p := e.reserve(timestampLen)
	if p == nil {
		return
	}
	t = t.UTC()
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()
	usec := t.Nanosecond() / int(time.Microsecond)

	p[0] = '"'
	putDigits(p[1:5], year)
	p[5] = '-'
	putDigits(p[6:8], int(month))
	p[8] = '-'
	putDigits(p[9:11], day)
	p[11] = 'T'
	putDigits(p[12:14], hour)
	p[14] = ':'
	putDigits(p[15:17], minute)
	p[17] = ':'
	putDigits(p[18:20], sec)
	p[20] = '.'
	putDigits(p[21:27], usec)
	p[27] = 'Z'
	p[28] = '"'
	e.commit(timestampLen)
}

// putDigits writes v zero-padded to exactly len(dst) digits.
func putDigits(dst []byte, v int) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte('0' + v%10)
		v /= 10
	}
}

// WriteKVList appends `"k1":"v1","k2":"v2"` for every entry that is not
// omitted. The list ends at the first entry with an empty key.
func (e *Encoder) WriteKVList(kvs []KV) {
	needComma := false
	for _, kv := range kvs {
		if kv.Key == "" {
			break
		}
		if kv.Omit {
			continue
		}
		if needComma {
			e.WriteChar(',')
		}
		e.WriteString(kv.Key)
		e.WriteChar(':')
		e.WriteString(kv.Value)
		needComma = true
	}
}

// Freeze marks the chain final and returns it. After Freeze the encoder
// accepts no more writes. If any write failed, ErrOutOfMemory is returned and
// the chain should be released.
func (e *Encoder) Freeze() (*bufchain.Chain, error) {
	if e.frozen {
		return nil, ErrFrozen
	}
	e.frozen = true
	if e.oom {
		return nil, ErrOutOfMemory
	}
	e.chain.MarkFinal()
	return e.chain, nil
}
