// Package httpwire reads and writes the minimal HTTP/1.x framing the proxy
// needs: one Content-Length delimited request per read, and fixed-length
// responses. Chunked transfer coding is not supported.
package httpwire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
)

const (
	// MaxHeaderBytes caps the request line plus header block.
	MaxHeaderBytes = 64 << 10

	// DefaultMaxBodyBytes caps a request body when the caller does not set a limit.
	DefaultMaxBodyBytes = 8 << 20
)

var (
	// ErrIncomplete means the stream ended before the blank line that closes
	// the header block. Callers treat it as a quietly closed connection.
	ErrIncomplete = errors.New("httpwire: connection closed before end of headers")

	// ErrHeaderTooLarge means no CRLFCRLF was seen within MaxHeaderBytes.
	ErrHeaderTooLarge = errors.New("httpwire: header block too large")

	// ErrBodyTooLarge means Content-Length exceeds the configured limit.
	ErrBodyTooLarge = errors.New("httpwire: request body too large")
)

var headerTerminator = []byte("\r\n\r\n")

// Header is a case-insensitive, single-valued header map. A repeated
// header keeps the last value seen.
type Header map[string]string

// Get returns the value for name, ignoring case
func (h Header) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Lookup is Get with a presence flag
func (h Header) Lookup(name string) (string, bool) {
	v, ok := h[strings.ToLower(name)]
	return v, ok
}

// Set stores value under name, replacing any previous value
func (h Header) Set(name, value string) {
	h[strings.ToLower(name)] = value
}

// Del removes name
func (h Header) Del(name string) {
	delete(h, strings.ToLower(name))
}

// Request is one HTTP request read off a connection
type Request struct {
	Method  string
	Target  string // request target as sent: path plus optional query
	Version string
	Header  Header
	Body    []byte
}

// Host returns the Host header
func (r *Request) Host() string {
	return r.Header.Get("Host")
}

// Path returns the request target without its query string
func (r *Request) Path() string {
	if i := strings.IndexByte(r.Target, '?'); i >= 0 {
		return r.Target[:i]
	}
	return r.Target
}

// RawQuery returns the part of the target after '?'
func (r *Request) RawQuery() string {
	if i := strings.IndexByte(r.Target, '?'); i >= 0 {
		return r.Target[i+1:]
	}
	return ""
}

// Query parses the query string. Malformed pairs are skipped.
func (r *Request) Query() url.Values {
	v, _ := url.ParseQuery(r.RawQuery())
	return v
}

// Reader reads requests with an optional body limit
type Reader struct {
	MaxBodyBytes int64
}

// ReadRequest reads one request from br using the default body limit.
// prefix holds bytes already consumed from the stream (the classifier's
// sniffed byte) and is treated as the start of the request.
func ReadRequest(br *bufio.Reader, prefix []byte) (*Request, error) {
	return Reader{}.ReadRequest(br, prefix)
}

// ReadRequest reads one request from br. See the package-level ReadRequest.
func (rd Reader) ReadRequest(br *bufio.Reader, prefix []byte) (*Request, error) {
	head, err := readHead(br, prefix)
	if err != nil {
		return nil, err
	}

	req := parseHead(head)

	cl, ok := req.Header.Lookup("Content-Length")
	if !ok {
		return req, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || n <= 0 {
		return req, nil
	}
	limit := rd.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	if n > limit {
		return req, ErrBodyTooLarge
	}

	body := make([]byte, n)
	read, err := io.ReadFull(br, body)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		// Peer closed early; keep what arrived.
		body = body[:read]
	default:
		return nil, err
	}
	req.Body = body
	return req, nil
}

// readHead accumulates bytes until CRLFCRLF and returns the block including it.
func readHead(br *bufio.Reader, prefix []byte) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	buf = append(buf, prefix...)
	if bytes.HasSuffix(buf, headerTerminator) {
		return buf, nil
	}

	for {
		b, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrIncomplete
			}
			return nil, err
		}
		buf = append(buf, b)
		if b == '\n' && bytes.HasSuffix(buf, headerTerminator) {
			return buf, nil
		}
		if len(buf) > MaxHeaderBytes {
			return nil, ErrHeaderTooLarge
		}
	}
}

func parseHead(head []byte) *Request {
	text := strings.TrimSuffix(string(head), "\r\n\r\n")
	lines := strings.Split(text, "\r\n")

	req := &Request{Header: make(Header)}

	parts := strings.SplitN(lines[0], " ", 3)
	req.Method = parts[0]
	if len(parts) >= 2 {
		req.Target = parts[1]
	}
	if len(parts) == 3 {
		req.Version = parts[2]
	}

	for _, line := range lines[1:] {
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		req.Header.Set(key, value)
	}
	return req
}
