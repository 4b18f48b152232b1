package proxy

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/translocal/translocal/pkg/httpwire"
	"github.com/translocal/translocal/pkg/logger"
	"github.com/translocal/translocal/pkg/translate"
)

var (
	formatDeepL        translate.Format = translate.DeepL{}
	formatGoogle       translate.Format = translate.Google{}
	formatGoogleLegacy translate.Format = translate.GoogleLegacy{}
)

// countingWriter tracks how many bytes a response used
type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

// dispatch routes one request and writes exactly one response to w
func (s *Server) dispatch(sess *session, w io.Writer, req *httpwire.Request) {
	start := time.Now()
	cfg := sess.cfg

	// The response may only be written after the backend returns.
	if cfg.ConnectionTimeout > 0 {
		_ = sess.conn.SetDeadline(start.Add(cfg.ConnectionTimeout + cfg.BackendTimeout))
	}

	cw := &countingWriter{w: w}
	path := strings.TrimRight(req.Path(), "/")
	lower := strings.ToLower(path)

	var (
		format translate.Format
		status int
		items  int
	)
	switch {
	case cfg.GoogleEnabled && req.Method == "GET" && strings.HasSuffix(lower, "/translate_a/single"):
		format = formatGoogleLegacy
		status, items = s.serveFormat(sess, cw, format, req)
	case req.Method != "POST":
		status = 405
		_ = httpwire.WriteError(cw, status, "Method Not Allowed")
	case !authorized(cfg.APIKey, req.Header.Get("Authorization")):
		status = 401
		_ = httpwire.WriteError(cw, status, "Unauthorized")
	case cfg.DeepLEnabled && strings.HasSuffix(lower, "/v2/translate"):
		format = formatDeepL
		status, items = s.serveFormat(sess, cw, format, req)
	case cfg.GoogleEnabled && strings.Contains(lower, ":translatetext"):
		format = formatGoogle
		status, items = s.serveFormat(sess, cw, format, req)
	default:
		status = 404
		_ = httpwire.WriteError(cw, status, "Not Found")
	}

	name := ""
	if format != nil {
		name = format.Name()
	}
	s.metrics.request(name, status)

	host := sess.host
	if host == "" {
		host = req.Host()
	}
	elapsed := time.Since(start)
	s.logger.Info("[%s] %s %s %s -> %d (%s, %d items, %v)", sess.id, sess.mode, req.Method, path, status, name, items, elapsed.Round(time.Millisecond))

	if err := s.traffic.LogTraffic(&logger.TrafficRecord{
		Timestamp:    start,
		ConnID:       sess.id,
		Mode:         sess.mode,
		Host:         hostOnly(host),
		Method:       req.Method,
		Path:         path,
		Format:       name,
		StatusCode:   status,
		Items:        items,
		RequestSize:  len(req.Body),
		ResponseSize: cw.n,
		Duration:     elapsed,
	}); err != nil {
		s.logger.Warn("[%s] Failed to log traffic: %v", sess.id, err)
	}
}

// serveFormat runs one adapter round trip and returns the status written
func (s *Server) serveFormat(sess *session, w io.Writer, f translate.Format, req *httpwire.Request) (int, int) {
	if err := httpwire.DecodeBody(req, sess.cfg.MaxBodyBytes); err != nil {
		s.logger.Debug("[%s] Undecodable body: %v", sess.id, err)
		switch {
		case errors.Is(err, httpwire.ErrUnsupportedEncoding):
			_ = httpwire.WriteError(w, 415, "Unsupported Media Type")
			return 415, 0
		case errors.Is(err, httpwire.ErrBodyTooLarge):
			_ = httpwire.WriteError(w, 413, "Payload Too Large")
			return 413, 0
		default:
			_ = httpwire.WriteError(w, 400, "Bad Request")
			return 400, 0
		}
	}

	treq, err := f.ParseRequest(req.Target, req.Body)
	if errors.Is(err, translate.ErrMissingQuery) {
		_ = httpwire.WriteError(w, 400, "Missing 'q' parameter")
		return 400, 0
	}
	if err != nil {
		s.logger.Debug("[%s] Invalid %s request: %v", sess.id, f.Name(), err)
		_ = httpwire.WriteJSON(w, 500, f.RenderError(err.Error()))
		return 500, 0
	}

	ctx := context.Background()
	if sess.cfg.BackendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sess.cfg.BackendTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.runBackend(ctx, treq)
	s.metrics.backend(f.Name(), time.Since(start), err)
	if err != nil {
		s.logger.Error("[%s] Translation failed: %v", sess.id, err)
		_ = httpwire.WriteJSON(w, 500, f.RenderError(err.Error()))
		return 500, len(treq.Texts)
	}

	body, err := f.RenderResponse(treq, resp)
	if err != nil {
		s.logger.Error("[%s] Failed to render %s response: %v", sess.id, f.Name(), err)
		_ = httpwire.WriteJSON(w, 500, f.RenderError(err.Error()))
		return 500, len(treq.Texts)
	}
	if err := httpwire.WriteJSON(w, 200, body); err != nil {
		s.logger.Debug("[%s] Failed to write response: %v", sess.id, err)
	}
	return 200, len(treq.Texts)
}

// runBackend calls the translator, turning a panic into an error so the
// client still gets a 500 with the adapter's error body.
func (s *Server) runBackend(ctx context.Context, treq *translate.Request) (resp *translate.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("translation backend panic: %v", r)
		}
	}()
	return translate.Run(ctx, s.translator, treq)
}

// authorized checks the Authorization header against the configured key in constant time
func authorized(apiKey, header string) bool {
	if apiKey == "" {
		return true
	}
	ok := subtle.ConstantTimeCompare([]byte(header), []byte("DeepL-Auth-Key "+apiKey)) |
		subtle.ConstantTimeCompare([]byte(header), []byte("Bearer "+apiKey))
	return ok == 1
}
