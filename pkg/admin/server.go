// Package admin serves the local management API: health, engine and
// backend status, root certificate download, restart and metrics.
package admin

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/translocal/translocal/pkg/cert"
	"github.com/translocal/translocal/pkg/logger"
	"github.com/translocal/translocal/pkg/proxy"
	"github.com/translocal/translocal/pkg/translate"
)

// Engine is the part of the proxy the admin API controls
type Engine interface {
	Status() proxy.Status
	Restart() error
}

// Server exposes the admin API over HTTP
type Server struct {
	Engine     Engine
	Translator translate.Translator
	CA         *cert.CA
	Gatherer   prometheus.Gatherer
	Logger     logger.Logger
	Version    string

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Version string           `json:"version"`
	Engine  proxy.Status     `json:"engine"`
	Backend translate.Status `json:"backend"`
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/ca.crt", s.handleCACert).Methods("GET")
	r.HandleFunc("/restart", s.handleRestart).Methods("POST")
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return r
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.srv = srv
	s.listener = ln

	go func() {
		s.logger().Info("Admin API listening on http://%s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger().Error("Admin API error: %v", err)
		}
	}()
	return nil
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

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.srv = nil
	s.listener = nil
	return err
}

func (s *Server) logger() logger.Logger {
	if s.Logger == nil {
		return logger.Nop()
	}
	return s.Logger
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Version: s.Version}
	if s.Engine != nil {
		resp.Engine = s.Engine.Status()
	}
	if s.Translator != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		resp.Backend = s.Translator.Status(ctx)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCACert(w http.ResponseWriter, _ *http.Request) {
	if s.CA == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no certificate authority"})
		return
	}
	root, err := s.CA.AuthorityCertificate()
	if err != nil {
		s.logger().Error("Failed to load CA certificate: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="translocal-ca.crt"`)
	_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: root.Raw})
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	if s.Engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not available"})
		return
	}
	if err := s.Engine.Restart(); err != nil {
		s.logger().Error("Restart via admin API failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Status())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
