package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/translocal/translocal/pkg/cert"
	"github.com/translocal/translocal/pkg/httpwire"
	"github.com/translocal/translocal/pkg/logger"
	"github.com/translocal/translocal/pkg/translate"
)

// DefaultPort is the proxy's listening port unless configured otherwise
const DefaultPort = 52860

// Settings is the configuration snapshot a running server uses. Changes
// take effect only at the next Start or Restart.
type Settings struct {
	ListenAddr        string        `json:"listen_addr"`
	Port              int           `json:"port"`
	APIKey            string        `json:"-"`
	DeepLEnabled      bool          `json:"deepl_enabled"`
	GoogleEnabled     bool          `json:"google_enabled"`
	TransparentTLS    bool          `json:"transparent_tls"`
	ConnectionTimeout time.Duration `json:"connection_timeout"`
	BackendTimeout    time.Duration `json:"backend_timeout"`
	MaxBodyBytes      int64         `json:"max_body_bytes"`
}

// DefaultSettings returns the settings of a fresh install
func DefaultSettings() Settings {
	return Settings{
		ListenAddr:        "127.0.0.1",
		Port:              DefaultPort,
		DeepLEnabled:      true,
		GoogleEnabled:     true,
		ConnectionTimeout: 30 * time.Second,
		BackendTimeout:    2 * time.Minute,
		MaxBodyBytes:      httpwire.DefaultMaxBodyBytes,
	}
}

// Status is a point-in-time view of the server
type Status struct {
	Running           bool      `json:"running"`
	Addr              string    `json:"addr,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	ActiveConnections int64     `json:"active_connections"`
	Settings          Settings  `json:"settings"`
}

// Option customizes a Server
type Option func(*Server)

// WithTrafficLogger records every dispatched API request
func WithTrafficLogger(t logger.TrafficLogger) Option {
	return func(s *Server) { s.traffic = t }
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the single-port proxy: CONNECT tunnels, TLS interception of the
// translation API hosts, and direct plaintext HTTP.
type Server struct {
	ca         *cert.CA
	translator translate.Translator
	logger     logger.Logger
	traffic    logger.TrafficLogger
	metrics    *Metrics
	active     atomic.Int64

	mu         sync.Mutex // guards everything below
	settings   Settings
	staged     *Settings
	listener   net.Listener
	acceptDone chan struct{}
	startedAt  time.Time
}

// NewServer creates a stopped server
func NewServer(settings Settings, ca *cert.CA, translator translate.Translator, log logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		ca:         ca,
		translator: translator,
		logger:     log,
		traffic:    logger.NopTraffic(),
		settings:   settings,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and begins accepting. Calling it on a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}
	if s.staged != nil {
		s.settings = *s.staged
		s.staged = nil
	}

	cfg := s.settings
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	done := make(chan struct{})
	s.listener = ln
	s.acceptDone = done
	s.startedAt = time.Now()

	s.logger.Info("Translation proxy listening on %s", ln.Addr())
	go s.acceptLoop(ln, cfg, done)
	return nil
}

// Stop closes the listener and waits for the accept loop to exit. In-flight
// connections are left to finish on their own.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	<-s.acceptDone

	s.logger.Info("Translation proxy on %s stopped", s.listener.Addr())
	s.listener = nil
	s.acceptDone = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

// Restart stops and starts the server, applying staged settings
func (s *Server) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start()
}

// Apply restarts the server with settings. When the new listener cannot be
// bound the previous settings are restored and the server started again; the
// restart error is still returned.
func (s *Server) Apply(settings Settings) error {
	s.mu.Lock()
	previous := s.settings
	s.mu.Unlock()

	s.Reconfigure(settings)
	err := s.Restart()
	if err == nil {
		return nil
	}

	s.logger.Warn("Restart with new settings failed, restoring previous settings: %v", err)
	s.Reconfigure(previous)
	if startErr := s.Start(); startErr != nil {
		return fmt.Errorf("%w; restoring previous settings failed: %v", err, startErr)
	}
	return err
}

// Reconfigure stages settings for the next Start or Restart
func (s *Server) Reconfigure(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = &settings
}

// Status reports whether the server is running and with which settings
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:           s.listener != nil,
		ActiveConnections: s.active.Load(),
		Settings:          s.settings,
	}
	if s.listener != nil {
		st.Addr = s.listener.Addr().String()
		st.StartedAt = s.startedAt
	}
	return st
}

// Addr returns the bound address, or nil when stopped
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop owns ln until it is closed. Connections are only spawned from
// here, so none start after done is closed.
func (s *Server) acceptLoop(ln net.Listener, cfg Settings, done chan struct{}) {
	defer close(done)

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.logger.Error("Error accepting connection: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		go s.handleConnection(conn, cfg)
	}
}

// session is the per-connection state
type session struct {
	id   string
	mode string
	host string
	cfg  Settings
	conn net.Conn
	br   *bufio.Reader
}

// handleConnection classifies the connection by its first byte
func (s *Server) handleConnection(conn net.Conn, cfg Settings) {
	s.active.Add(1)
	defer s.active.Add(-1)
	defer conn.Close()

	sess := &session{
		id:   uuid.NewString(),
		cfg:  cfg,
		conn: conn,
		br:   bufio.NewReader(conn),
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("[%s] panic handling connection from %s: %v\n%s", sess.id, conn.RemoteAddr(), r, debug.Stack())
		}
	}()

	s.extendDeadline(sess)

	first, err := sess.br.ReadByte()
	if err != nil {
		return
	}

	switch {
	case first == 'C':
		sess.mode = ModeTunnel
		s.handleProxy(sess, first)
	case first == 'P' || first == 'G':
		sess.mode = ModeDirect
		s.metrics.connection(ModeDirect)
		s.handleDirect(sess, first)
	case first == tlsRecordHandshake && cfg.TransparentTLS:
		_ = sess.br.UnreadByte()
		sess.mode = ModeTransparent
		s.metrics.connection(ModeTransparent)
		s.handleTransparent(sess)
	default:
		s.metrics.connection(ModeRejected)
		s.logger.Debug("[%s] Closing connection from %s: unrecognized first byte 0x%02x", sess.id, conn.RemoteAddr(), first)
	}
}

// handleDirect serves one plaintext request
func (s *Server) handleDirect(sess *session, first byte) {
	req, err := s.readRequest(sess, sess.br, sess.conn, []byte{first})
	if err != nil {
		return
	}
	s.dispatch(sess, sess.conn, req)
}

// readRequest reads one request and answers framing errors. Any error ends the connection.
func (s *Server) readRequest(sess *session, br *bufio.Reader, w io.Writer, prefix []byte) (*httpwire.Request, error) {
	rd := httpwire.Reader{MaxBodyBytes: sess.cfg.MaxBodyBytes}
	req, err := rd.ReadRequest(br, prefix)
	switch {
	case err == nil:
		return req, nil
	case errors.Is(err, httpwire.ErrBodyTooLarge):
		_ = httpwire.WriteError(w, 413, "Payload Too Large")
	case errors.Is(err, httpwire.ErrHeaderTooLarge):
		_ = httpwire.WriteError(w, 431, "Request Header Fields Too Large")
	case errors.Is(err, httpwire.ErrIncomplete):
		s.logger.Debug("[%s] Connection closed before a full request", sess.id)
	default:
		s.logger.Debug("[%s] Failed to read request: %v", sess.id, err)
	}
	return nil, err
}

// extendDeadline bounds the next phase of the connection
func (s *Server) extendDeadline(sess *session) {
	if sess.cfg.ConnectionTimeout > 0 {
		_ = sess.conn.SetDeadline(time.Now().Add(sess.cfg.ConnectionTimeout))
	}
}

// bufferedConn reads through a bufio.Reader so bytes already buffered
// during classification reach the TLS handshake.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
