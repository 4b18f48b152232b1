// Package dns answers lookups for the intercepted API hosts with the proxy's
// address so clients that cannot be configured with a proxy still reach it.
// Every other name is forwarded to an upstream resolver.
package dns

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/translocal/translocal/pkg/logger"
)

// Config for the responder
type Config struct {
	Addr       string   // UDP listen address, e.g. 127.0.0.1:5353
	Hosts      []string // names answered locally
	AnswerIPv4 net.IP
	AnswerIPv6 net.IP // optional; AAAA queries get an empty answer without it
	Upstream   string // host:port of the resolver for everything else; empty refuses
	TTL        uint32
	Timeout    time.Duration // per forwarded query
}

// Server implements a DNS server that redirects the intercepted hosts
type Server struct {
	cfg    Config
	hosts  map[string]struct{}
	logger logger.Logger
	client *dns.Client

	mutex  sync.Mutex
	server *dns.Server
	addr   net.Addr
}

// NewServer creates a new DNS server
func NewServer(cfg Config, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.TTL == 0 {
		cfg.TTL = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	hosts := make(map[string]struct{}, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		hosts[dns.Fqdn(strings.ToLower(h))] = struct{}{}
	}
	return &Server{
		cfg:    cfg,
		hosts:  hosts,
		logger: log,
		client: &dns.Client{Net: "udp", Timeout: cfg.Timeout},
	}
}

// Start binds the UDP socket and serves in the background
func (s *Server) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.server != nil {
		return nil
	}
	pc, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		Handler:           s,
		NotifyStartedFunc: func() { close(started) },
	}
	go func() {
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error("DNS server error: %v", err)
		}
	}()
	<-started

	s.server = srv
	s.addr = pc.LocalAddr()
	s.logger.Info("DNS responder started on %s (upstream %q)", s.addr, s.cfg.Upstream)
	return nil
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown()
	s.server = nil
	s.addr = nil
	return err
}

// Addr returns the bound address, or nil when stopped
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.addr
}

// ServeDNS answers intercepted names locally and forwards everything else
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 1 {
		if _, ok := s.hosts[strings.ToLower(r.Question[0].Name)]; ok {
			_ = w.WriteMsg(s.answer(r))
			return
		}
	}
	_ = w.WriteMsg(s.forward(r))
}

func (s *Server) answer(r *dns.Msg) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	q := r.Question[0]
	hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: s.cfg.TTL}
	switch q.Qtype {
	case dns.TypeA:
		if ip := s.cfg.AnswerIPv4.To4(); ip != nil {
			hdr.Rrtype = dns.TypeA
			msg.Answer = append(msg.Answer, &dns.A{Hdr: hdr, A: ip})
		}
	case dns.TypeAAAA:
		if ip := s.cfg.AnswerIPv6; ip != nil && ip.To4() == nil {
			hdr.Rrtype = dns.TypeAAAA
			msg.Answer = append(msg.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
		}
	}

	s.logger.Debug("DNS %s %s -> %d answers (local)", dns.TypeToString[q.Qtype], q.Name, len(msg.Answer))
	return msg
}

func (s *Server) forward(r *dns.Msg) *dns.Msg {
	if s.cfg.Upstream == "" {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeRefused)
		return msg
	}

	resp, _, err := s.client.Exchange(r, s.cfg.Upstream)
	if err != nil {
		s.logger.Warn("DNS forward to %s failed: %v", s.cfg.Upstream, err)
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeServerFailure)
		return msg
	}
	return resp
}
