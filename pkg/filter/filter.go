// Package filter provides a small expression language for selecting flows.
// The same expressions pick which exchanges are mirrored (evaluated when the
// request has been read) and which flows the monitor shows.
//
// Syntax:
//
//	~m GET,POST   request method, one of a comma-separated list
//	~p /api       request path prefix
//	~d example    request host (substring, case-insensitive)
//	~h KEY[:VAL]  header named KEY, optionally with a value containing VAL
//	~b TEXT       body preview contains TEXT (case-insensitive)
//	~u NAME       upstream (mirror scope) name
//	~s 5          response status prefix; never matches before the response
//	~x STATUS     either envelope has mirror status STATUS (e.g. failed)
//	~i            internal exchange (replayed or re-entered)
//	!EXPR         negate
//	A & B         AND
//	A | B         OR
//	(EXPR)        grouping
//
// & binds tighter than |. Arguments may be double-quoted to include spaces
// or operator characters.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fidiego/http-mirror/pkg/proxy"
)

// Filter is a compiled predicate over a Flow.
type Filter func(flow *proxy.Flow) bool

// MatchAll matches every flow.
var MatchAll Filter = func(*proxy.Flow) bool { return true }

// Parse compiles expr. An empty expression compiles to MatchAll.
func Parse(expr string) (Filter, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return MatchAll, nil
	}
	p := &parser{toks: toks}
	f, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s at position %d", t, t.pos)
	}
	return f, nil
}

// MustParse is Parse for expressions known to be valid. It panics on error.
func MustParse(expr string) Filter {
	f, err := Parse(expr)
	if err != nil {
		panic(fmt.Sprintf("filter: %q: %v", expr, err))
	}
	return f
}

type tokKind uint8

const (
	tokEOF tokKind = iota
	tokAnd
	tokOr
	tokNot
	tokOpen
	tokClose
	tokAtom
)

type token struct {
	kind tokKind
	pos  int
	op   byte   // atom operator, e.g. 'm'
	arg  string // atom argument
	has  bool   // arg was given
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokAnd:
		return "'&'"
	case tokOr:
		return "'|'"
	case tokNot:
		return "'!'"
	case tokOpen:
		return "'('"
	case tokClose:
		return "')'"
	default:
		return "'~" + string(t.op) + "'"
	}
}

// takesArg lists the atom operators and whether each needs an argument.
var takesArg = map[byte]bool{
	'm': true, 'p': true, 'd': true, 'h': true, 'b': true,
	'u': true, 's': true, 'x': true, 'i': false,
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch c {
		case ' ', '\t':
			i++
		case '&':
			toks = append(toks, token{kind: tokAnd, pos: i})
			i++
		case '|':
			toks = append(toks, token{kind: tokOr, pos: i})
			i++
		case '!':
			toks = append(toks, token{kind: tokNot, pos: i})
			i++
		case '(':
			toks = append(toks, token{kind: tokOpen, pos: i})
			i++
		case ')':
			toks = append(toks, token{kind: tokClose, pos: i})
			i++
		case '~':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("expected filter type after '~' at position %d", i)
			}
			op := s[i+1]
			needs, known := takesArg[op]
			if !known {
				return nil, fmt.Errorf("unknown filter type %q at position %d", "~"+string(op), i)
			}
			t := token{kind: tokAtom, pos: i, op: op}
			i += 2
			if needs {
				arg, next, err := lexArg(s, i)
				if err != nil {
					return nil, err
				}
				t.arg, t.has, i = arg, true, next
			}
			toks = append(toks, t)
		default:
			return nil, fmt.Errorf("expected filter expression starting with '~' at position %d", i)
		}
	}
	return toks, nil
}

// lexArg reads a bare word or a double-quoted string starting at or after i.
func lexArg(s string, i int) (string, int, error) {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	if i >= len(s) {
		return "", i, fmt.Errorf("expected argument at position %d", i)
	}
	if s[i] == '"' {
		end := strings.IndexByte(s[i+1:], '"')
		if end < 0 {
			return "", i, fmt.Errorf("unterminated quoted string at position %d", i)
		}
		return s[i+1 : i+1+end], i + end + 2, nil
	}
	start := i
	for i < len(s) && !strings.ContainsRune(" \t&|()", rune(s[i])) {
		i++
	}
	if i == start {
		return "", i, fmt.Errorf("empty argument at position %d", i)
	}
	return s[start:i], i, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	if p.pos >= len(p.toks) {
		return token{kind: tokEOF, pos: -1}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) or() (Filter, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(f *proxy.Flow) bool { return l(f) || right(f) }
	}
	return left, nil
}

func (p *parser) and() (Filter, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(f *proxy.Flow) bool { return l(f) && right(f) }
	}
	return left, nil
}

func (p *parser) unary() (Filter, error) {
	t := p.next()
	switch t.kind {
	case tokNot:
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return func(f *proxy.Flow) bool { return !inner(f) }, nil
	case tokOpen:
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokClose {
			return nil, fmt.Errorf("expected closing ')', got %s", c)
		}
		return inner, nil
	case tokAtom:
		return atom(t)
	default:
		return nil, fmt.Errorf("unexpected %s", t)
	}
}

func atom(t token) (Filter, error) {
	switch t.op {
	case 'm':
		return methodFilter(t.arg), nil
	case 'p':
		return pathFilter(t.arg), nil
	case 'd':
		return hostFilter(t.arg), nil
	case 'h':
		return headerFilter(t.arg), nil
	case 'b':
		return bodyFilter(t.arg), nil
	case 'u':
		return upstreamFilter(t.arg), nil
	case 's':
		if _, err := strconv.Atoi(t.arg); err != nil {
			return nil, fmt.Errorf("~s wants a numeric status prefix, got %q", t.arg)
		}
		return statusFilter(t.arg), nil
	case 'x':
		return mirrorFilter(t.arg)
	default:
		return internalFilter, nil
	}
}

func methodFilter(arg string) Filter {
	methods := strings.Split(strings.ToUpper(arg), ",")
	return func(f *proxy.Flow) bool {
		if f.Request == nil {
			return false
		}
		m := strings.ToUpper(f.Request.Method)
		for _, want := range methods {
			if m == want {
				return true
			}
		}
		return false
	}
}

func pathFilter(prefix string) Filter {
	return func(f *proxy.Flow) bool {
		return f.Request != nil && strings.HasPrefix(f.Request.Path, prefix)
	}
}

func hostFilter(arg string) Filter {
	lower := strings.ToLower(arg)
	return func(f *proxy.Flow) bool {
		return f.Request != nil && strings.Contains(strings.ToLower(f.Request.Host), lower)
	}
}

// bodyFilter looks at the stored previews, so it only sees the first
// MaxBodySize bytes of each body.
func bodyFilter(arg string) Filter {
	lower := strings.ToLower(arg)
	return func(f *proxy.Flow) bool {
		if f.Request != nil && strings.Contains(strings.ToLower(string(f.Request.Body)), lower) {
			return true
		}
		return f.Response != nil && strings.Contains(strings.ToLower(string(f.Response.Body)), lower)
	}
}

func headerFilter(arg string) Filter {
	name, val, _ := strings.Cut(arg, ":")
	val = strings.ToLower(val)
	match := func(vv []string) bool {
		if val == "" {
			return true
		}
		for _, v := range vv {
			if strings.Contains(strings.ToLower(v), val) {
				return true
			}
		}
		return false
	}
	return func(f *proxy.Flow) bool {
		if f.Request != nil {
			if vv := f.Request.Headers.Values(name); len(vv) > 0 && match(vv) {
				return true
			}
		}
		if f.Response != nil {
			if vv := f.Response.Headers.Values(name); len(vv) > 0 && match(vv) {
				return true
			}
		}
		return false
	}
}

func upstreamFilter(name string) Filter {
	return func(f *proxy.Flow) bool { return f.Upstream == name }
}

func statusFilter(prefix string) Filter {
	return func(f *proxy.Flow) bool {
		return f.Response != nil && strings.HasPrefix(strconv.Itoa(f.Response.StatusCode), prefix)
	}
}

func mirrorFilter(arg string) (Filter, error) {
	want := proxy.MirrorStatus(strings.ToLower(arg))
	switch want {
	case proxy.MirrorPending, proxy.MirrorSent, proxy.MirrorFailed, proxy.MirrorDropped, proxy.MirrorSkipped:
	default:
		return nil, fmt.Errorf("unknown mirror status %q", arg)
	}
	return func(f *proxy.Flow) bool {
		req, resp := f.Mirror.Get()
		return req == want || resp == want
	}, nil
}

func internalFilter(f *proxy.Flow) bool { return f.Internal }
