package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/NicolasHaas/xmppbridge/pkg/crypto"
)

// loadOrGenerateTLS loads the chat listener's certificate from disk, or
// writes a self-signed localhost pair into cfg.DataDir on first use.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile
	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "xmppbridge.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "xmppbridge.key")
	}

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		// An explicitly configured pair must exist.
		return tls.LoadX509KeyPair(certPath, keyPath)
	}

	slog.Info("generating self-signed TLS certificate")
	certPEM, keyPEM, err := crypto.SelfSignedPair(time.Now())
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil { //nolint:gosec // certificate is public
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.X509KeyPair(certPEM, keyPEM)
}
