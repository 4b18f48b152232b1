package httpwire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ContentTypeJSON is used for every JSON body the proxy writes
const ContentTypeJSON = "application/json; charset=utf-8"

// Field is one response header line; order is preserved on the wire
type Field struct {
	Name  string
	Value string
}

// WriteResponse writes a status line, headers, Content-Length when body is
// non-nil, the blank line and the body, in that order.
func WriteResponse(w io.Writer, statusCode int, statusText string, headers []Field, body []byte) error {
	if statusText == "" {
		statusText = http.StatusText(statusCode)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", statusCode, statusText)
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	if body != nil {
		buf.WriteString("Content-Length: ")
		buf.WriteString(strconv.Itoa(len(body)))
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteJSON writes body as a JSON response with the given status
func WriteJSON(w io.Writer, statusCode int, body []byte) error {
	return WriteResponse(w, statusCode, "", []Field{{Name: "Content-Type", Value: ContentTypeJSON}}, body)
}

// WriteError writes {"error": message} with a JSON content type. The status
// text is the message itself, as clients of the emulated APIs expect.
func WriteError(w io.Writer, statusCode int, message string) error {
	body, err := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: message})
	if err != nil {
		return err
	}
	return WriteResponse(w, statusCode, message, []Field{{Name: "Content-Type", Value: ContentTypeJSON}}, body)
}
