package cert

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

// trustName is the nickname the root is stored under in certificate stores
const trustName = "TransLocal Root CA"

// runCommand executes an external tool; replaced in tests.
var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ExportAuthority writes the public root certificate to path. A ".der" or
// ".cer" extension gets raw DER, anything else PEM. The private key is never
// exported.
func (ca *CA) ExportAuthority(path string) error {
	root, err := ca.AuthorityCertificate()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	if err := atomic.WriteFile(path, bytes.NewReader(encodeForPath(root, path))); err != nil {
		return fmt.Errorf("failed to export CA certificate: %w", err)
	}
	return os.Chmod(path, 0644)
}

func encodeForPath(root *x509.Certificate, path string) []byte {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".der", ".cer":
		return root.Raw
	default:
		return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw})
	}
}

// InstallAuthorityToUserStore adds the root to the current user's trust
// store. It reports false when no install command succeeded; the failure
// is logged, never fatal.
func (ca *CA) InstallAuthorityToUserStore() bool {
	if err := ca.EnsureAuthority(); err != nil {
		ca.logger.Error("Cannot install CA certificate: %v", err)
		return false
	}

	home, _ := os.UserHomeDir()
	cmds := trustCommands(runtime.GOOS, ca.CertPath(), home)
	if len(cmds) == 0 {
		ca.logger.Warn("Installing the CA certificate is not supported on %s; import %s manually", runtime.GOOS, ca.CertPath())
		return false
	}

	for _, argv := range cmds {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		out, err := runCommand(ctx, argv[0], argv[1:]...)
		cancel()
		if err == nil {
			ca.logger.Info("Installed CA certificate into the user trust store via %s", argv[0])
			return true
		}
		ca.logger.Debug("%s failed: %v: %s", argv[0], err, strings.TrimSpace(string(out)))
	}

	ca.logger.Warn("Could not install the CA certificate automatically; import %s manually", ca.CertPath())
	return false
}

// trustCommands lists the commands to try, in order, for the given platform
func trustCommands(goos, certPath, home string) [][]string {
	switch goos {
	case "windows":
		return [][]string{
			{"certutil", "-user", "-addstore", "Root", certPath},
		}
	case "darwin":
		keychain := filepath.Join(home, "Library", "Keychains", "login.keychain-db")
		return [][]string{
			{"security", "add-trusted-cert", "-r", "trustRoot", "-k", keychain, certPath},
		}
	case "linux", "freebsd", "openbsd", "netbsd":
		nssdb := "sql:" + filepath.Join(home, ".pki", "nssdb")
		return [][]string{
			{"certutil", "-d", nssdb, "-A", "-t", "C,,", "-n", trustName, "-i", certPath},
			{"trust", "anchor", "--store", certPath},
		}
	default:
		return nil
	}
}
