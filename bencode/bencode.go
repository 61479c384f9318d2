// Package bencode implements the Bencode serialization format used by
// torrent descriptors and the tracker wire protocol: byte strings,
// signed integers, lists, and dictionaries with ascending-sorted
// byte-string keys.
package bencode

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrMalformed is returned (wrapped) for any input that does not conform
// to the Bencode grammar: a non-decimal length, trailing top-level data,
// an unterminated container, a non-string dictionary key, or an integer
// with a leading zero other than "0" or "-0" (the latter also rejected).
var ErrMalformed = errors.New("bencode: malformed input")

// Dict is a decoded Bencode dictionary. Values are string, int64, []any,
// or Dict.
type Dict map[string]any

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Decode parses a single Bencode value from b and requires that the
// entire input be consumed (no trailing data at the top level).
func Decode(b []byte) (any, error) {
	r := &reader{buf: b}
	v, err := r.value()
	if err != nil {
		return nil, err
	}
	if r.pos != len(r.buf) {
		return nil, malformed("trailing data after top-level value")
	}
	return v, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) peek() (byte, bool) {
	if r.pos >= len(r.buf) {
		return 0, false
	}
	return r.buf[r.pos], true
}

func (r *reader) value() (any, error) {
	c, ok := r.peek()
	if !ok {
		return nil, malformed("unexpected end of input")
	}
	switch {
	case c == 'i':
		return r.integer()
	case c == 'l':
		return r.list()
	case c == 'd':
		return r.dict()
	case c >= '0' && c <= '9':
		return r.byteString()
	default:
		return nil, malformed("unexpected character %q", c)
	}
}

// integer parses i<signed-decimal>e with no leading zeros (other than a
// bare "0") and no leading zero after a minus sign, and rejects "-0".
func (r *reader) integer() (int64, error) {
	r.pos++ // 'i'
	start := r.pos
	end := bytes.IndexByte(r.buf[r.pos:], 'e')
	if end < 0 {
		return 0, malformed("unterminated integer")
	}
	digits := r.buf[start : start+end]
	r.pos = start + end + 1

	if len(digits) == 0 {
		return 0, malformed("empty integer")
	}
	neg := digits[0] == '-'
	body := digits
	if neg {
		body = digits[1:]
	}
	if len(body) == 0 || (len(body) > 1 && body[0] == '0') {
		return 0, malformed("integer %q has a leading zero", digits)
	}
	if neg && body[0] == '0' {
		return 0, malformed("negative zero is not allowed")
	}
	for _, d := range body {
		if d < '0' || d > '9' {
			return 0, malformed("integer %q is not decimal", digits)
		}
	}
	var n int64
	for _, d := range body {
		n = n*10 + int64(d-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

func (r *reader) byteString() (string, error) {
	start := r.pos
	colon := bytes.IndexByte(r.buf[r.pos:], ':')
	if colon < 0 {
		return "", malformed("unterminated byte-string length")
	}
	lengthStr := r.buf[start : start+colon]
	if len(lengthStr) == 0 {
		return "", malformed("empty byte-string length")
	}
	if len(lengthStr) > 1 && lengthStr[0] == '0' {
		return "", malformed("byte-string length %q has a leading zero", lengthStr)
	}
	var length int
	for _, d := range lengthStr {
		if d < '0' || d > '9' {
			return "", malformed("byte-string length %q is not decimal", lengthStr)
		}
		length = length*10 + int(d-'0')
	}
	dataStart := start + colon + 1
	dataEnd := dataStart + length
	if dataEnd > len(r.buf) {
		return "", malformed("byte-string of length %d exceeds remaining input", length)
	}
	r.pos = dataEnd
	return string(r.buf[dataStart:dataEnd]), nil
}

func (r *reader) list() ([]any, error) {
	r.pos++ // 'l'
	list := make([]any, 0)
	for {
		c, ok := r.peek()
		if !ok {
			return nil, malformed("unterminated list")
		}
		if c == 'e' {
			r.pos++
			return list, nil
		}
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
}

func (r *reader) dict() (Dict, error) {
	r.pos++ // 'd'
	dict := make(Dict)
	prevKey := ""
	first := true
	for {
		c, ok := r.peek()
		if !ok {
			return nil, malformed("unterminated dictionary")
		}
		if c == 'e' {
			r.pos++
			return dict, nil
		}
		if c < '0' || c > '9' {
			return nil, malformed("dictionary key must be a byte string, got %q", c)
		}
		key, err := r.byteString()
		if err != nil {
			return nil, err
		}
		if !first && key <= prevKey {
			return nil, malformed("dictionary keys out of order: %q after %q", key, prevKey)
		}
		prevKey = key
		first = false
		val, err := r.value()
		if err != nil {
			return nil, err
		}
		dict[key] = val
	}
}

// Encode serializes v, one of string, []byte, int, int64, []any, Dict,
// or a tagged struct (see Marshal), into canonical Bencode: dictionary
// keys ascending, integers in shortest decimal form.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
