package jsonenc

const hexDigits = "0123456789abcdef"

// EscapedLen returns the number of bytes p occupies once escaped as the
// contents of a JSON string literal (without the surrounding quotes).
func EscapedLen(p []byte) int {
	n := len(p)
	for _, c := range p {
		switch {
		case c == '"', c == '\\', c == '\n', c == '\r', c == '\t', c == '\b', c == '\f':
			n++
		case c < 0x20:
			n += 5
		}
	}
	return n
}

// escapedLenString is EscapedLen for strings, avoiding a conversion.
func escapedLenString(s string) int {
	n := len(s)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"', c == '\\', c == '\n', c == '\r', c == '\t', c == '\b', c == '\f':
			n++
		case c < 0x20:
			n += 5
		}
	}
	return n
}

// escapeByte writes the escaped form of c at dst and returns the number of
// bytes written. dst must have room for six bytes.
func escapeByte(dst []byte, c byte) int {
	switch c {
	case '"', '\\':
		dst[0], dst[1] = '\\', c
		return 2
	case '\n':
		dst[0], dst[1] = '\\', 'n'
		return 2
	case '\r':
		dst[0], dst[1] = '\\', 'r'
		return 2
	case '\t':
		dst[0], dst[1] = '\\', 't'
		return 2
	case '\b':
		dst[0], dst[1] = '\\', 'b'
		return 2
	case '\f':
		dst[0], dst[1] = '\\', 'f'
		return 2
	}
	if c < 0x20 {
		dst[0], dst[1], dst[2], dst[3] = '\\', 'u', '0', '0'
		dst[4] = hexDigits[c>>4]
		dst[5] = hexDigits[c&0xf]
		return 6
	}
	dst[0] = c
	return 1
}

// escapeInto writes the escaped form of p into dst, which must be at least
// EscapedLen(p) bytes long, and returns the number of bytes written.
func escapeInto(dst, p []byte) int {
	w := 0
	for _, c := range p {
		w += escapeByte(dst[w:], c)
	}
	return w
}

func escapeStringInto(dst []byte, s string) int {
	w := 0
	for i := 0; i < len(s); i++ {
		w += escapeByte(dst[w:], s[i])
	}
	return w
}
