package httpwire

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding other than
// identity, gzip or deflate.
var ErrUnsupportedEncoding = errors.New("httpwire: unsupported content encoding")

// Encoding is a request body coding
type Encoding int

const (
	EncodingIdentity Encoding = iota
	EncodingGzip
	EncodingDeflate
	EncodingUnknown
)

// String returns the header token for the encoding
func (e Encoding) String() string {
	switch e {
	case EncodingIdentity:
		return "identity"
	case EncodingGzip:
		return "gzip"
	case EncodingDeflate:
		return "deflate"
	default:
		return "unknown"
	}
}

// DetectEncoding maps a Content-Encoding value to an Encoding. Only a single
// coding is accepted; stacked codings are reported as unknown.
func DetectEncoding(contentEncoding string) Encoding {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	switch enc {
	case "", "identity":
		return EncodingIdentity
	case "gzip", "x-gzip":
		return EncodingGzip
	case "deflate":
		return EncodingDeflate
	default:
		return EncodingUnknown
	}
}

// DecodeBody replaces a compressed body with its decoded bytes and drops the
// Content-Encoding header. The decoded size is capped at limit.
func DecodeBody(r *Request, limit int64) error {
	enc := DetectEncoding(r.Header.Get("Content-Encoding"))
	if enc == EncodingIdentity {
		return nil
	}
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}

	var (
		zr  io.ReadCloser
		err error
	)
	switch enc {
	case EncodingGzip:
		if len(r.Body) == 0 {
			break
		}
		zr, err = gzip.NewReader(bytes.NewReader(r.Body))
		if err != nil {
			return fmt.Errorf("httpwire: gzip body: %w", err)
		}
	case EncodingDeflate:
		zr = flate.NewReader(bytes.NewReader(r.Body))
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, r.Header.Get("Content-Encoding"))
	}

	if zr != nil {
		defer zr.Close()
		body, err := io.ReadAll(io.LimitReader(zr, limit+1))
		if err != nil {
			return fmt.Errorf("httpwire: decode %s body: %w", enc, err)
		}
		if int64(len(body)) > limit {
			return ErrBodyTooLarge
		}
		r.Body = body
	}
	r.Header.Del("Content-Encoding")
	return nil
}
