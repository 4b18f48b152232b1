package proxy

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/translocal/translocal/pkg/httpwire"
)

const (
	tlsRecordHandshake = 0x16

	// tunnelLinger bounds how long the second relay direction may keep
	// draining after the first one finished.
	tunnelLinger = 5 * time.Second
)

var errNotIntercepted = errors.New("host is not intercepted")

// handleProxy serves a forward-proxy CONNECT request
func (s *Server) handleProxy(sess *session, first byte) {
	req, err := s.readRequest(sess, sess.br, sess.conn, []byte{first})
	if err != nil {
		s.metrics.connection(ModeRejected)
		return
	}
	host := req.Host()
	if req.Method != "CONNECT" || host == "" {
		s.metrics.connection(ModeRejected)
		_ = httpwire.WriteError(sess.conn, 400, "Bad Request")
		return
	}
	sess.host = host

	if !IsIntercepted(host) {
		s.metrics.connection(ModeTunnel)
		s.tunnel(sess, host)
		return
	}

	sess.mode = ModeIntercept
	s.metrics.connection(ModeIntercept)
	if err := httpwire.WriteResponse(sess.conn, 200, "Connection Established", nil, nil); err != nil {
		return
	}
	s.intercept(sess, hostOnly(host), &bufferedConn{Conn: sess.conn, r: sess.br})
}

// tunnel relays bytes between the client and host without inspecting them
func (s *Server) tunnel(sess *session, host string) {
	h, port := splitHostPort(host)
	target := net.JoinHostPort(h, port)

	dialer := net.Dialer{Timeout: sess.cfg.ConnectionTimeout}
	upstream, err := dialer.Dial("tcp", target)
	if err != nil {
		s.logger.Debug("[%s] Tunnel to %s failed: %v", sess.id, target, err)
		_ = httpwire.WriteError(sess.conn, 502, "Bad Gateway")
		return
	}
	defer upstream.Close()

	if err := httpwire.WriteResponse(sess.conn, 200, "Connection Established", nil, nil); err != nil {
		return
	}
	// A tunnel lives as long as its peers keep it open.
	_ = sess.conn.SetDeadline(time.Time{})

	s.logger.Debug("[%s] Tunneling to %s", sess.id, target)
	up, down := relay(sess.conn, sess.br, upstream)
	s.metrics.tunnel(up, down)
	s.logger.Debug("[%s] Tunnel to %s closed (%d bytes up, %d bytes down)", sess.id, target, up, down)
}

type copyResult struct {
	upstream bool
	n        int64
}

// relay copies in both directions. When one direction finishes, the write
// side of its destination is closed and the other direction gets
// tunnelLinger to drain before both connections are cut.
func relay(client net.Conn, clientR io.Reader, upstream net.Conn) (up, down int64) {
	results := make(chan copyResult, 2)
	go func() {
		n, _ := io.Copy(upstream, clientR)
		closeWrite(upstream)
		results <- copyResult{upstream: true, n: n}
	}()
	go func() {
		n, _ := io.Copy(client, upstream)
		closeWrite(client)
		results <- copyResult{upstream: false, n: n}
	}()

	record := func(r copyResult) {
		if r.upstream {
			up = r.n
		} else {
			down = r.n
		}
	}

	record(<-results)
	deadline := time.Now().Add(tunnelLinger)
	_ = client.SetDeadline(deadline)
	_ = upstream.SetDeadline(deadline)
	record(<-results)
	return up, down
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// intercept terminates TLS for host on conn and serves one decrypted request
func (s *Server) intercept(sess *session, host string, conn net.Conn) {
	tlsConn := tls.Server(conn, &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.ca.GetOrCreateLeaf(host)
		},
	})
	s.serveTLS(sess, tlsConn)
}

// handleTransparent serves a TLS connection redirected by the DNS responder;
// the intercepted host comes from SNI.
func (s *Server) handleTransparent(sess *session) {
	tlsConn := tls.Server(&bufferedConn{Conn: sess.conn, r: sess.br}, &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if !IsIntercepted(hello.ServerName) {
				return nil, fmt.Errorf("%w: %q", errNotIntercepted, hello.ServerName)
			}
			sess.host = hello.ServerName
			return s.ca.GetOrCreateLeaf(hello.ServerName)
		},
	})
	s.serveTLS(sess, tlsConn)
}

func (s *Server) serveTLS(sess *session, tlsConn *tls.Conn) {
	defer tlsConn.Close()

	if err := tlsConn.Handshake(); err != nil {
		s.logger.Debug("[%s] TLS handshake for %s failed: %v", sess.id, sess.host, err)
		return
	}

	req, err := s.readRequest(sess, bufio.NewReader(tlsConn), tlsConn, nil)
	if err != nil {
		return
	}
	s.dispatch(sess, tlsConn, req)
}
