// Package tlscert supplies the HTTPS server's certificate, either from
// operator-managed files or from a generated development certificate.
package tlscert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
)

// CertMode selects where the server certificate comes from.
type CertMode string

const (
	// CertModeFile serves a PEM certificate/key pair from disk and picks up
	// rotated files without a restart.
	CertModeFile CertMode = "file"
	// CertModeAuto generates (and then reuses) a self-signed certificate.
	CertModeAuto CertMode = "auto"
)

// MinTLSVersion is the minimum supported TLS version for the server.
const MinTLSVersion = tls.VersionTLS13

// DefaultHosts are the names an auto certificate is issued for when none are given.
var DefaultHosts = []string{"localhost", "127.0.0.1", "::1"}

// Config holds TLS certificate configuration
type Config struct {
	Mode CertMode

	CertFile string
	KeyFile  string

	// AutoCertDir holds the generated server.crt/server.key pair.
	AutoCertDir string
	AutoHosts   []string
}

// Manager provides TLS certificate management
type Manager interface {
	// GetTLSConfig returns a tls.Config ready for use with http.Server
	GetTLSConfig() (*tls.Config, error)
	// Description names the certificate source for startup logs.
	Description() string
	Shutdown() error
}

// NewManager creates a certificate manager based on configuration
func NewManager(cfg Config, logger *slog.Logger) (Manager, error) {
	switch cfg.Mode {
	case CertModeFile:
		return newFileManager(cfg, logger)
	case CertModeAuto:
		return newAutoManager(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported TLS certificate mode %q (valid modes: file, auto)", cfg.Mode)
	}
}
