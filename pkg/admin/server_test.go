package admin

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/translocal/translocal/pkg/cert"
	"github.com/translocal/translocal/pkg/proxy"
	"github.com/translocal/translocal/pkg/translate"
)

type fakeEngine struct {
	restarts int
	fail     error
}

func (f *fakeEngine) Status() proxy.Status {
	return proxy.Status{Running: true, Addr: "127.0.0.1:52860", Settings: proxy.DefaultSettings()}
}

func (f *fakeEngine) Restart() error {
	f.restarts++
	return f.fail
}

type readyBackend struct{}

func (readyBackend) Translate(context.Context, string, string, string) (string, error) {
	return "", nil
}

func (readyBackend) Status(context.Context) translate.Status {
	return translate.Status{Ready: true, Message: "ready (model phi)"}
}

func newTestAdmin(t *testing.T) (*Server, *fakeEngine) {
	t.Helper()
	ca, err := cert.NewCA(t.TempDir())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "translocal_test_total"})
	reg.MustRegister(counter)
	counter.Inc()

	engine := &fakeEngine{}
	return &Server{
		Engine:     engine,
		Translator: readyBackend{},
		CA:         ca,
		Gatherer:   reg,
		Version:    "test",
	}, engine
}

func TestHealthz(t *testing.T) {
	s, _ := newTestAdmin(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	s, _ := newTestAdmin(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Version)
	assert.True(t, resp.Engine.Running)
	assert.Equal(t, proxy.DefaultPort, resp.Engine.Settings.Port)
	assert.True(t, resp.Backend.Ready)
	assert.NotContains(t, rec.Body.String(), "api_key")
}

func TestCACert(t *testing.T) {
	s, _ := newTestAdmin(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ca.crt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-x509-ca-cert", rec.Header().Get("Content-Type"))

	block, _ := pem.Decode(rec.Body.Bytes())
	require.NotNil(t, block)
	root, err := s.CA.AuthorityCertificate()
	require.NoError(t, err)
	assert.Equal(t, root.Raw, block.Bytes)
	assert.NotContains(t, rec.Body.String(), "PRIVATE KEY")
}

func TestRestart(t *testing.T) {
	s, engine := newTestAdmin(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/restart", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 0, engine.restarts)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/restart", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, engine.restarts)

	engine.fail = errors.New("address already in use")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/restart", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "address already in use")
}

func TestMetrics(t *testing.T) {
	s, _ := newTestAdmin(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "translocal_test_total 1")
}

func TestStartAndShutdown(t *testing.T) {
	s, _ := newTestAdmin(t)
	require.NoError(t, s.Start("127.0.0.1:0"))
	require.NoError(t, s.Start("127.0.0.1:0"))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Shutdown(ctx))
}
