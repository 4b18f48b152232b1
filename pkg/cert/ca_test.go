package cert

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCA(t *testing.T) (*CA, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ca, err := NewCA(t.TempDir(), WithClock(clock))
	require.NoError(t, err)
	return ca, clock
}

func TestEnsureAuthority_Stable(t *testing.T) {
	ca, clock := newTestCA(t)

	first, err := ca.AuthorityCertificate()
	require.NoError(t, err)
	require.NoError(t, ca.EnsureAuthority())
	second, err := ca.AuthorityCertificate()
	require.NoError(t, err)
	assert.True(t, first.Equal(second))

	// A second instance over the same directory loads rather than regenerates.
	other, err := NewCA(ca.Dir(), WithClock(clock))
	require.NoError(t, err)
	loaded, err := other.AuthorityCertificate()
	require.NoError(t, err)
	assert.True(t, first.Equal(loaded))

	assert.True(t, first.IsCA)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, first.KeyUsage&(x509.KeyUsageCertSign|x509.KeyUsageCRLSign))
	assert.FileExists(t, ca.CertPath())
}

func TestGetOrCreateLeaf_ChainsToRoot(t *testing.T) {
	ca, clock := newTestCA(t)

	leaf, err := ca.GetOrCreateLeaf("api.deepl.com")
	require.NoError(t, err)
	require.NotNil(t, leaf.Leaf)

	root, err := ca.AuthorityCertificate()
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(root)

	_, err = leaf.Leaf.Verify(x509.VerifyOptions{
		DNSName:     "api.deepl.com",
		Roots:       pool,
		CurrentTime: clock.Now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, leaf.Leaf.SerialNumber.Sign())
	assert.LessOrEqual(t, leaf.Leaf.SerialNumber.BitLen(), 127)
	assert.Equal(t, clock.Now().AddDate(2, 0, 0), leaf.Leaf.NotAfter.UTC())
	assert.FileExists(t, filepath.Join(ca.Dir(), "server_api.deepl.com.p12"))
}

func TestGetOrCreateLeaf_IPAddress(t *testing.T) {
	ca, _ := newTestCA(t)

	leaf, err := ca.GetOrCreateLeaf("127.0.0.1")
	require.NoError(t, err)
	require.Len(t, leaf.Leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.Leaf.IPAddresses[0].String())
	assert.Empty(t, leaf.Leaf.DNSNames)
}

func TestGetOrCreateLeaf_EmptyHost(t *testing.T) {
	ca, _ := newTestCA(t)
	_, err := ca.GetOrCreateLeaf("  ")
	assert.ErrorIs(t, err, ErrEmptyHost)
}

func TestGetOrCreateLeaf_ReusedWithMoreThanSevenDaysLeft(t *testing.T) {
	ca, clock := newTestCA(t)

	first, err := ca.GetOrCreateLeaf("translate.googleapis.com")
	require.NoError(t, err)

	clock.Set(first.Leaf.NotAfter.Add(-10 * 24 * time.Hour))
	again, err := ca.GetOrCreateLeaf("translate.googleapis.com")
	require.NoError(t, err)
	assert.Equal(t, first.Leaf.Raw, again.Leaf.Raw)

	// A fresh instance reads the same leaf back from disk.
	other, err := NewCA(ca.Dir(), WithClock(clock))
	require.NoError(t, err)
	fromDisk, err := other.GetOrCreateLeaf("translate.googleapis.com")
	require.NoError(t, err)
	assert.Equal(t, first.Leaf.Raw, fromDisk.Leaf.Raw)
}

func TestGetOrCreateLeaf_RenewedNearExpiry(t *testing.T) {
	ca, clock := newTestCA(t)

	first, err := ca.GetOrCreateLeaf("api-free.deepl.com")
	require.NoError(t, err)

	clock.Set(first.Leaf.NotAfter.Add(-5 * 24 * time.Hour))
	renewed, err := ca.GetOrCreateLeaf("api-free.deepl.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.Leaf.Raw, renewed.Leaf.Raw)
	assert.True(t, renewed.Leaf.NotAfter.After(clock.Now().Add(renewThreshold)))
}

func TestGetOrCreateLeaf_Concurrent(t *testing.T) {
	ca, _ := newTestCA(t)

	const n = 8
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leaf, err := ca.GetOrCreateLeaf("api.deepl.com")
			if assert.NoError(t, err) {
				results[i] = leaf.Leaf.Raw
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, results[0], results[i])
	}
	matches, err := filepath.Glob(filepath.Join(ca.Dir(), "server_*.p12"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestEnsureAuthority_RecreatedRootPurgesLeaves(t *testing.T) {
	ca, _ := newTestCA(t)

	oldLeaf, err := ca.GetOrCreateLeaf("api.deepl.com")
	require.NoError(t, err)
	oldRoot, err := ca.AuthorityCertificate()
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(ca.Dir(), "ca.p12")))
	require.NoError(t, ca.EnsureAuthority())
	assert.NoFileExists(t, filepath.Join(ca.Dir(), "server_api.deepl.com.p12"))

	newRoot, err := ca.AuthorityCertificate()
	require.NoError(t, err)
	assert.False(t, oldRoot.Equal(newRoot))

	newLeaf, err := ca.GetOrCreateLeaf("api.deepl.com")
	require.NoError(t, err)
	assert.NotEqual(t, oldLeaf.Leaf.Raw, newLeaf.Leaf.Raw)
	assert.NoError(t, newLeaf.Leaf.CheckSignatureFrom(newRoot))
}

func TestEnsureAuthority_ExpiredRootIsReplaced(t *testing.T) {
	ca, clock := newTestCA(t)
	oldRoot, err := ca.AuthorityCertificate()
	require.NoError(t, err)

	clock.Set(oldRoot.NotAfter.Add(time.Hour))
	require.NoError(t, ca.EnsureAuthority())
	newRoot, err := ca.AuthorityCertificate()
	require.NoError(t, err)
	assert.False(t, oldRoot.Equal(newRoot))
	assert.True(t, newRoot.NotAfter.After(clock.Now()))
}

func TestNewCA_CorruptRootIsNotOverwritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ca.p12")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))

	_, err := NewCA(dir)
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(data))
}

func TestExportAuthority(t *testing.T) {
	ca, _ := newTestCA(t)
	root, err := ca.AuthorityCertificate()
	require.NoError(t, err)
	out := t.TempDir()

	pemPath := filepath.Join(out, "translocal.crt")
	require.NoError(t, ca.ExportAuthority(pemPath))
	data, err := os.ReadFile(pemPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "PRIVATE KEY")
	block, rest := pem.Decode(data)
	require.NotNil(t, block)
	assert.Empty(t, rest)
	assert.Equal(t, root.Raw, block.Bytes)

	derPath := filepath.Join(out, "nested", "translocal.cer")
	require.NoError(t, ca.ExportAuthority(derPath))
	der, err := os.ReadFile(derPath)
	require.NoError(t, err)
	assert.Equal(t, root.Raw, der)
}

func TestInstallAuthorityToUserStore(t *testing.T) {
	ca, _ := newTestCA(t)

	orig := runCommand
	t.Cleanup(func() { runCommand = orig })

	var calls [][]string
	runCommand = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return []byte("denied"), errors.New("exit status 1")
	}
	assert.False(t, ca.InstallAuthorityToUserStore())

	runCommand = func(_ context.Context, name string, args ...string) ([]byte, error) {
		return nil, nil
	}
	installed := ca.InstallAuthorityToUserStore()
	if len(calls) == 0 {
		// Platform without a known trust store tool.
		assert.False(t, installed)
		return
	}
	assert.True(t, installed)
	assert.Contains(t, calls[0], ca.CertPath())
}

func TestTrustCommands(t *testing.T) {
	win := trustCommands("windows", `C:\ca.crt`, `C:\Users\me`)
	require.Len(t, win, 1)
	assert.Equal(t, []string{"certutil", "-user", "-addstore", "Root", `C:\ca.crt`}, win[0])

	mac := trustCommands("darwin", "/tmp/ca.crt", "/Users/me")
	require.Len(t, mac, 1)
	assert.Equal(t, "security", mac[0][0])
	assert.Contains(t, mac[0], "/Users/me/Library/Keychains/login.keychain-db")

	linux := trustCommands("linux", "/tmp/ca.crt", "/home/me")
	require.Len(t, linux, 2)
	assert.Contains(t, linux[0], "sql:/home/me/.pki/nssdb")
	assert.Equal(t, []string{"trust", "anchor", "--store", "/tmp/ca.crt"}, linux[1])

	assert.Nil(t, trustCommands("plan9", "/tmp/ca.crt", "/"))
}

func TestSanitizeHost(t *testing.T) {
	assert.Equal(t, "api.deepl.com", SanitizeHost("api.deepl.com"))
	assert.Equal(t, "_1_", SanitizeHost("[1]"))
	assert.Equal(t, "host_8443", SanitizeHost("host:8443"))
}

func TestLeafKey_Distinct(t *testing.T) {
	assert.Equal(t, "api.deepl.com", leafKey("api.deepl.com"))
	assert.NotEqual(t, leafKey("a_b.example"), leafKey("a*b.example"))
	assert.NotEqual(t, leafKey("a_b.example"), SanitizeHost("a*b.example"))
}

func TestGetOrCreateLeaf_SanitizedNamesDoNotCollide(t *testing.T) {
	ca, _ := newTestCA(t)

	first, err := ca.GetOrCreateLeaf("a_b.example")
	require.NoError(t, err)
	second, err := ca.GetOrCreateLeaf("a*b.example")
	require.NoError(t, err)

	assert.NotEqual(t, first.Leaf.SerialNumber, second.Leaf.SerialNumber)
	assert.NoError(t, first.Leaf.VerifyHostname("a_b.example"))
	assert.NoError(t, second.Leaf.VerifyHostname("a*b.example"))

	// Both survive a reload from disk under their own files.
	other, err := NewCA(ca.Dir(), WithClock(ca.clock))
	require.NoError(t, err)
	again, err := other.GetOrCreateLeaf("a*b.example")
	require.NoError(t, err)
	assert.Equal(t, second.Leaf.SerialNumber, again.Leaf.SerialNumber)
	again, err = other.GetOrCreateLeaf("a_b.example")
	require.NoError(t, err)
	assert.Equal(t, first.Leaf.SerialNumber, again.Leaf.SerialNumber)
}
