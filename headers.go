package h3bridge

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/quic-go/qpack"
	"golang.org/x/exp/slices"
)

// Index where the :authority header field is placed in the translated
// header list. Pseudo-headers must precede all regular header fields.
const authorityDstIdx = 3

var crlf = []byte("\r\n")

var uploadMethods = []string{"POST", "PUT"}

// TranslatedRequest is an HTTP/1.1-style request header block translated
// into an HTTP/3 header list.
type TranslatedRequest struct {
	// Fields is the ordered header list: :method, :path, :scheme first,
	// :authority (when the block carried a host header) at index 3.
	Fields []qpack.HeaderField

	// Method is the request method from the request line.
	Method string

	// ContentLength is the declared body length, taken from the
	// content-length header. -1 when undeclared.
	ContentLength int64

	// HeaderBytes is the cumulative byte length of all names and values.
	HeaderBytes int
}

// HasBody reports whether the request method carries a body.
func (tr *TranslatedRequest) HasBody() bool {
	return slices.Contains(uploadMethods, tr.Method)
}

// TranslateRequest translates a flat request header block, a request line
// followed by zero or more "name: value" lines, all CRLF-terminated, into
// an ordered HTTP/3 header list. scheme is the value synthesized for the
// :scheme pseudo-header.
//
// A blank line terminates the block, trailing bytes without a CRLF are not
// considered a line. Obsolete header folding (continuation lines) is not
// supported.
func TranslateRequest(block []byte, scheme string) (*TranslatedRequest, error) {
	// Count CRLF-terminated lines over the whole block. Assumes a
	// correctly generated header field block.
	nlines := 0
	for i := 1; i < len(block); i++ {
		if block[i] == '\n' && block[i-1] == '\r' {
			nlines++
			i++
		}
	}
	if nlines < 2 {
		return nil, fmt.Errorf("%w: fewer than 2 CRLF-terminated lines", ErrMalformedRequest)
	}

	// One extra slot on top of the line count covers the synthesized
	// pseudo-headers replacing the request line and terminator.
	fields := make([]qpack.HeaderField, 0, nlines+1)

	line, rest, ok := bytes.Cut(block, crlf)
	if !ok {
		return nil, fmt.Errorf("%w: request line not CRLF-terminated", ErrMalformedRequest)
	}

	// Method does not contain spaces
	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 {
		return nil, fmt.Errorf("%w: cannot isolate request method", ErrMalformedRequest)
	}
	method := string(line[:sp])
	fields = append(fields, qpack.HeaderField{Name: ":method", Value: method})

	// Path may contain spaces so scan backwards to split it from the
	// version token
	line = line[sp+1:]
	sp = bytes.LastIndexByte(line, ' ')
	if sp <= 0 {
		return nil, fmt.Errorf("%w: cannot isolate request path", ErrMalformedRequest)
	}
	fields = append(fields, qpack.HeaderField{Name: ":path", Value: string(line[:sp])})

	fields = append(fields, qpack.HeaderField{Name: ":scheme", Value: scheme})

	authorityIdx := 0
	contentLength := int64(-1)
	for len(rest) > 0 {
		line, rest, ok = bytes.Cut(rest, crlf)
		if !ok {
			break // not a line, stop here
		}
		if len(line) == 0 {
			break // blank line terminates the block
		}

		// header continuation lines are not supported
		if line[0] == ' ' || line[0] == '\t' {
			return nil, fmt.Errorf("%w: header continuation line", ErrMalformedRequest)
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("%w: header line without a name", ErrMalformedRequest)
		}
		name := line[:colon]
		value := line[colon+1:]
		for len(value) > 0 && (value[0] == ' ' || value[0] == '\t') {
			value = value[1:]
		}

		if strings.EqualFold(string(name), "host") {
			authorityIdx = len(fields)
			fields = append(fields, qpack.HeaderField{Name: ":authority", Value: string(value)})
			continue
		}

		if strings.EqualFold(string(name), "content-length") {
			if v, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64); err == nil && v >= 0 {
				contentLength = v
			}
		}
		fields = append(fields, qpack.HeaderField{Name: string(name), Value: string(value)})
	}

	// :authority must come before regular header fields: a single
	// rotation into place keeps the relative order of everything else.
	if authorityIdx != 0 && authorityIdx != authorityDstIdx {
		authority := fields[authorityIdx]
		for i := authorityIdx; i > authorityDstIdx; i-- {
			fields[i] = fields[i-1]
		}
		fields[authorityDstIdx] = authority
	}

	acc := 0
	for _, f := range fields {
		acc += len(f.Name) + len(f.Value)
	}

	return &TranslatedRequest{
		Fields:        fields,
		Method:        method,
		ContentLength: contentLength,
		HeaderBytes:   acc,
	}, nil
}
