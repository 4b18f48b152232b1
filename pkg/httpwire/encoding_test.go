package httpwire

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func deflateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func encodedRequest(encoding string, body []byte) *Request {
	h := make(Header)
	if encoding != "" {
		h.Set("Content-Encoding", encoding)
	}
	return &Request{Method: "POST", Target: "/v2/translate", Header: h, Body: body}
}

func TestDetectEncoding(t *testing.T) {
	tests := []struct {
		in   string
		want Encoding
	}{
		{"", EncodingIdentity},
		{"identity", EncodingIdentity},
		{" GZIP ", EncodingGzip},
		{"x-gzip", EncodingGzip},
		{"deflate", EncodingDeflate},
		{"br", EncodingUnknown},
		{"gzip, deflate", EncodingUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectEncoding(tt.in), tt.in)
	}
	assert.Equal(t, "gzip", EncodingGzip.String())
}

func TestDecodeBody(t *testing.T) {
	plain := []byte(`{"text":["Hello"],"target_lang":"DE"}`)

	req := encodedRequest("gzip", gzipBytes(t, plain))
	require.NoError(t, DecodeBody(req, 0))
	assert.Equal(t, plain, req.Body)
	_, ok := req.Header.Lookup("Content-Encoding")
	assert.False(t, ok)

	req = encodedRequest("deflate", deflateBytes(t, plain))
	require.NoError(t, DecodeBody(req, 0))
	assert.Equal(t, plain, req.Body)

	req = encodedRequest("", plain)
	require.NoError(t, DecodeBody(req, 0))
	assert.Equal(t, plain, req.Body)
}

func TestDecodeBody_Errors(t *testing.T) {
	err := DecodeBody(encodedRequest("br", []byte("x")), 0)
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)

	err = DecodeBody(encodedRequest("gzip", []byte("not gzip")), 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupportedEncoding)

	big := bytes.Repeat([]byte("a"), 4096)
	err = DecodeBody(encodedRequest("gzip", gzipBytes(t, big)), 1024)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}
