package httpwire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestReadRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		prefix  []byte
		method  string
		target  string
		version string
		body    string
		headers map[string]string
	}{
		{
			name:    "get without body",
			input:   "GET /translate_a/single?q=hi HTTP/1.1\r\nHost: localhost\r\n\r\n",
			method:  "GET",
			target:  "/translate_a/single?q=hi",
			version: "HTTP/1.1",
			headers: map[string]string{"host": "localhost"},
		},
		{
			name:    "prefix seeds first byte",
			input:   "OST /v2/translate HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello",
			prefix:  []byte("P"),
			method:  "POST",
			target:  "/v2/translate",
			version: "HTTP/1.1",
			body:    "hello",
		},
		{
			name:    "duplicate header keeps last",
			input:   "POST / HTTP/1.1\r\nX-Key: one\r\nx-key: two\r\n\r\n",
			method:  "POST",
			target:  "/",
			version: "HTTP/1.1",
			headers: map[string]string{"X-KEY": "two"},
		},
		{
			name:   "request line without version",
			input:  "CONNECT api.deepl.com:443\r\nHost: api.deepl.com:443\r\n\r\n",
			method: "CONNECT",
			target: "api.deepl.com:443",
		},
		{
			name:    "header values are trimmed",
			input:   "POST /x HTTP/1.1\r\nAuthorization:   Bearer abc  \r\n\r\n",
			method:  "POST",
			target:  "/x",
			version: "HTTP/1.1",
			headers: map[string]string{"authorization": "Bearer abc"},
		},
		{
			name:    "non-positive content length reads no body",
			input:   "POST /x HTTP/1.1\r\nContent-Length: 0\r\n\r\ntrailing",
			method:  "POST",
			target:  "/x",
			version: "HTTP/1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ReadRequest(reader(tt.input), tt.prefix)
			require.NoError(t, err)
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, tt.target, req.Target)
			assert.Equal(t, tt.version, req.Version)
			assert.Equal(t, tt.body, string(req.Body))
			for k, v := range tt.headers {
				assert.Equal(t, v, req.Header.Get(k), "header %s", k)
			}
		})
	}
}

func TestReadRequest_Incomplete(t *testing.T) {
	_, err := ReadRequest(reader("POST /v2/translate HTTP/1.1\r\nHost: x\r\n"), nil)
	assert.ErrorIs(t, err, ErrIncomplete)

	_, err = ReadRequest(reader(""), nil)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestReadRequest_ShortBodyAccepted(t *testing.T) {
	req, err := ReadRequest(reader("POST /v2/translate HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc"), nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(req.Body))
}

func TestReadRequest_BodyLimit(t *testing.T) {
	rd := Reader{MaxBodyBytes: 4}
	_, err := rd.ReadRequest(reader("POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"), nil)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestReadRequest_HeaderTooLarge(t *testing.T) {
	input := "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", MaxHeaderBytes) + "\r\n\r\n"
	_, err := ReadRequest(reader(input), nil)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadRequest_LeavesTrailingBytes(t *testing.T) {
	br := reader("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n\x16\x03\x01")
	req, err := ReadRequest(br, nil)
	require.NoError(t, err)
	assert.Equal(t, "CONNECT", req.Method)

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x16, 0x03, 0x01}, rest)
}

func TestRequestPathAndQuery(t *testing.T) {
	req := &Request{Target: "/translate_a/single?client=gtx&q=hello+world&tl=de"}
	assert.Equal(t, "/translate_a/single", req.Path())
	assert.Equal(t, "client=gtx&q=hello+world&tl=de", req.RawQuery())
	q := req.Query()
	assert.Equal(t, "hello world", q.Get("q"))
	assert.Equal(t, "de", q.Get("tl"))

	bare := &Request{Target: "/v2/translate"}
	assert.Equal(t, "/v2/translate", bare.Path())
	assert.Empty(t, bare.RawQuery())
}

func TestWriteResponse(t *testing.T) {
	var buf bytes.Buffer
	err := WriteResponse(&buf, 200, "OK", []Field{{Name: "Content-Type", Value: "text/plain"}}, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\n\r\nhi", buf.String())
}

func TestWriteResponse_NoBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, 200, "Connection Established", nil, nil))
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n\r\n", buf.String())
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteError(&buf, 404, "Not Found"))

	req, err := ReadRequest(bufio.NewReader(&buf), nil)
	require.NoError(t, err)
	// The status line parses like a request line: "HTTP/1.1" "404" "Not Found".
	assert.Equal(t, "HTTP/1.1", req.Method)
	assert.Equal(t, "404", req.Target)
	assert.Equal(t, ContentTypeJSON, req.Header.Get("content-type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "Not Found", body["error"])
}
