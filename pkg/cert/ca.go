package cert

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"golang.org/x/sync/singleflight"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/translocal/translocal/pkg/logger"
)

const (
	caContainerFile = "ca.p12"
	caCertFile      = "ca.crt"
	lockFile        = ".lock"
	leafPrefix      = "server_"
	leafSuffix      = ".p12"

	// DefaultPassword protects the PKCS#12 containers on disk.
	DefaultPassword = "translocal-ca"

	keySize        = 2048
	rootValidity   = 10 // years
	leafValidity   = 2  // years
	backdate       = 24 * time.Hour
	renewThreshold = 7 * 24 * time.Hour
)

// ErrEmptyHost is returned when a leaf is requested for an empty host name
var ErrEmptyHost = errors.New("host name is empty")

// CA represents the local root authority and its per-host leaf store
type CA struct {
	dir      string
	password string
	clock    quartz.Clock
	logger   logger.Logger
	lock     *flock.Flock
	lockMu   sync.Mutex // serializes lock holders within this process; taken before mu

	mu     sync.RWMutex
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	leaves map[string]*tls.Certificate // keyed by sanitized host

	issue singleflight.Group
}

// Option customizes a CA
type Option func(*CA)

// WithClock replaces the wall clock, mainly for expiry tests
func WithClock(c quartz.Clock) Option {
	return func(ca *CA) { ca.clock = c }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(ca *CA) { ca.logger = l }
}

// WithPassword sets the PKCS#12 container password
func WithPassword(p string) Option {
	return func(ca *CA) { ca.password = p }
}

// NewCA creates or loads a certificate authority rooted at caDir
func NewCA(caDir string, opts ...Option) (*CA, error) {
	ca := &CA{
		dir:      caDir,
		password: DefaultPassword,
		clock:    quartz.NewReal(),
		logger:   logger.Nop(),
		leaves:   make(map[string]*tls.Certificate),
	}
	for _, opt := range opts {
		opt(ca)
	}

	if err := os.MkdirAll(caDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create CA directory: %w", err)
	}
	ca.lock = flock.New(filepath.Join(caDir, lockFile))

	if err := ca.EnsureAuthority(); err != nil {
		return nil, fmt.Errorf("failed to initialize CA: %w", err)
	}
	return ca, nil
}

// Dir returns the directory holding the authority and leaves
func (ca *CA) Dir() string { return ca.dir }

// CertPath returns the path of the public root certificate (PEM)
func (ca *CA) CertPath() string { return filepath.Join(ca.dir, caCertFile) }

// AuthorityCertificate returns the current root certificate
func (ca *CA) AuthorityCertificate() (*x509.Certificate, error) {
	if err := ca.EnsureAuthority(); err != nil {
		return nil, err
	}
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.caCert, nil
}

// EnsureAuthority makes sure a usable root exists on disk and in memory.
// A missing or expired root is (re)created, which drops every cached leaf.
// A present but unreadable root is an error: it is never overwritten.
func (ca *CA) EnsureAuthority() error {
	containerPath := filepath.Join(ca.dir, caContainerFile)

	ca.mu.RLock()
	loaded := ca.caCert != nil && ca.clock.Now().Before(ca.caCert.NotAfter)
	ca.mu.RUnlock()
	if loaded {
		if _, err := os.Stat(containerPath); err == nil {
			return nil
		}
	}

	unlock, err := ca.lockDir()
	if err != nil {
		return err
	}
	defer unlock()

	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := os.ReadFile(containerPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ca.createAuthority()
	case err != nil:
		return fmt.Errorf("failed to read CA container: %w", err)
	}

	key, cert, err := ca.decode(data)
	if err != nil {
		return fmt.Errorf("failed to load CA container %s (remove it to regenerate): %w", containerPath, err)
	}
	if !cert.IsCA {
		return fmt.Errorf("CA container %s does not hold a CA certificate", containerPath)
	}
	if !ca.clock.Now().Before(cert.NotAfter) {
		ca.logger.Warn("Root certificate expired on %s, generating a new one; it must be trusted again", cert.NotAfter.Format(time.RFC3339))
		return ca.createAuthority()
	}

	if ca.caCert != nil && !ca.caCert.Equal(cert) {
		// Root changed underneath us, e.g. another process rotated it.
		ca.leaves = make(map[string]*tls.Certificate)
	}
	ca.caCert = cert
	ca.caKey = key
	return nil
}

// createAuthority generates a new root and invalidates all leaves. Callers hold ca.mu and the dir lock.
func (ca *CA) createAuthority() error {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return fmt.Errorf("failed to generate CA private key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := ca.clock.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"TransLocal"},
			CommonName:   "TransLocal Root CA",
		},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.AddDate(rootValidity, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	// Leaves signed by a previous root would no longer chain to anything trusted.
	if err := ca.purgeLeaves(); err != nil {
		return err
	}

	container, err := pkcs12.Modern.Encode(key, cert, nil, ca.password)
	if err != nil {
		return fmt.Errorf("failed to encode CA container: %w", err)
	}
	if err := writeFile(filepath.Join(ca.dir, caContainerFile), container, 0600); err != nil {
		return fmt.Errorf("failed to save CA container: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := writeFile(filepath.Join(ca.dir, caCertFile), certPEM, 0644); err != nil {
		return fmt.Errorf("failed to save CA certificate: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key
	ca.logger.Info("Created new CA certificate: %s", ca.CertPath())
	return nil
}

// GetOrCreateLeaf returns a server certificate for host signed by the root.
// A cached leaf is reused while it has more than seven days left and still
// chains to the current root. Concurrent calls for one host share a single
// issuance.
func (ca *CA) GetOrCreateLeaf(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return nil, ErrEmptyHost
	}
	if err := ca.EnsureAuthority(); err != nil {
		return nil, err
	}

	key := leafKey(host)
	v, err, _ := ca.issue.Do(key, func() (interface{}, error) {
		return ca.loadOrIssueLeaf(host, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (ca *CA) loadOrIssueLeaf(host, key string) (*tls.Certificate, error) {
	ca.mu.RLock()
	cached := ca.leaves[key]
	root := ca.caCert
	ca.mu.RUnlock()

	if cached != nil && ca.leafUsable(cached.Leaf, root, host) {
		return cached, nil
	}

	path := ca.leafPath(key)
	if leaf, ok := ca.readLeaf(path, root, host); ok {
		ca.storeLeaf(key, leaf)
		return leaf, nil
	}

	unlock, err := ca.lockDir()
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another process may have written it while we waited for the lock.
	if leaf, ok := ca.readLeaf(path, root, host); ok {
		ca.storeLeaf(key, leaf)
		return leaf, nil
	}

	leaf, container, err := ca.issueLeaf(host)
	if err != nil {
		return nil, err
	}
	if err := writeFile(path, container, 0600); err != nil {
		return nil, fmt.Errorf("failed to save certificate for %s: %w", host, err)
	}
	ca.storeLeaf(key, leaf)
	ca.logger.Debug("Issued certificate for %s (expires %s)", host, leaf.Leaf.NotAfter.Format(time.RFC3339))
	return leaf, nil
}

// readLeaf loads a cached leaf from disk; corrupt, stale or foreign files report false.
func (ca *CA) readLeaf(path string, root *x509.Certificate, host string) (*tls.Certificate, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	key, cert, err := ca.decode(data)
	if err != nil {
		ca.logger.Warn("Discarding unreadable certificate %s: %v", path, err)
		return nil, false
	}
	if !ca.leafUsable(cert, root, host) {
		return nil, false
	}
	return &tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, true
}

func (ca *CA) leafUsable(leaf, root *x509.Certificate, host string) bool {
	if leaf == nil || root == nil {
		return false
	}
	if leaf.VerifyHostname(host) != nil {
		return false
	}
	if !leaf.NotAfter.After(ca.clock.Now().Add(renewThreshold)) {
		return false
	}
	return leaf.CheckSignatureFrom(root) == nil
}

// issueLeaf creates a new key pair and certificate for host
func (ca *CA) issueLeaf(host string) (*tls.Certificate, []byte, error) {
	ca.mu.RLock()
	root, rootKey := ca.caCert, ca.caKey
	ca.mu.RUnlock()

	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key for %s: %w", host, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := ca.clock.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.AddDate(leafValidity, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, root, &key.PublicKey, rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate for %s: %w", host, err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate for %s: %w", host, err)
	}
	container, err := pkcs12.Modern.Encode(key, cert, nil, ca.password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode certificate for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}, container, nil
}

func (ca *CA) storeLeaf(key string, leaf *tls.Certificate) {
	ca.mu.Lock()
	ca.leaves[key] = leaf
	ca.mu.Unlock()
}

// purgeLeaves removes every cached leaf from memory and disk. Callers hold ca.mu.
func (ca *CA) purgeLeaves() error {
	ca.leaves = make(map[string]*tls.Certificate)
	matches, err := filepath.Glob(filepath.Join(ca.dir, leafPrefix+"*"+leafSuffix))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale certificate %s: %w", m, err)
		}
	}
	return nil
}

func (ca *CA) decode(data []byte) (*rsa.PrivateKey, *x509.Certificate, error) {
	priv, cert, err := pkcs12.Decode(data, ca.password)
	if err != nil {
		return nil, nil, err
	}
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected private key type %T", priv)
	}
	return key, cert, nil
}

func (ca *CA) leafPath(key string) string {
	return filepath.Join(ca.dir, leafPrefix+key+leafSuffix)
}

// lockDir takes the advisory lock shared by every process using this directory.
func (ca *CA) lockDir() (func(), error) {
	ca.lockMu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := ca.lock.TryLockContext(ctx, 50*time.Millisecond)
	if !ok {
		ca.lockMu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("could not acquire lock on %s: %w", ca.dir, err)
	}
	return func() {
		_ = ca.lock.Unlock()
		ca.lockMu.Unlock()
	}, nil
}

// SanitizeHost turns a host name into a string safe to use in a file name
func SanitizeHost(host string) string {
	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// leafKey names the cache entry and file for host. Hosts that SanitizeHost
// alters get a digest suffix so distinct hosts never share a key.
func leafKey(host string) string {
	safe := SanitizeHost(host)
	if safe == host {
		return safe
	}
	sum := sha256.Sum256([]byte(host))
	return safe + "_" + hex.EncodeToString(sum[:4])
}

// randomSerial returns a 128-bit serial with the top bit cleared so it is never read as negative.
func randomSerial() (*big.Int, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	buf[0] &= 0x7f
	serial := new(big.Int).SetBytes(buf)
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}
	return serial, nil
}

// writeFile replaces path atomically so readers never see a partial file.
func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return err
	}
	return os.Chmod(path, perm)
}
