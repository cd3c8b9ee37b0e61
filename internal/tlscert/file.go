package tlscert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fileManager serves a certificate pair from disk. The pair is reloaded
// when either file's modification time changes; a failed reload keeps
// serving the last good certificate.
type fileManager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
}

func newFileManager(cfg Config, logger *slog.Logger) (*fileManager, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("server.tls_cert_file and server.tls_key_file are required when server.tls_mode=file")
	}
	if err := checkKeyFilePermissions(cfg.KeyFile); err != nil {
		return nil, err
	}

	m := &fileManager{cfg: cfg, logger: logger}
	if _, err := m.certificate(); err != nil {
		return nil, err
	}
	return m, nil
}

// latestModTime is the newer of the two files' modification times.
func (m *fileManager) latestModTime() (time.Time, error) {
	var latest time.Time
	for _, path := range []string{m.cfg.CertFile, m.cfg.KeyFile} {
		info, err := os.Stat(path)
		if err != nil {
			return time.Time{}, fmt.Errorf("certificate file not accessible: %w", err)
		}
		if info.IsDir() {
			return time.Time{}, fmt.Errorf("%s is a directory", path)
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

func (m *fileManager) certificate() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	modTime, err := m.latestModTime()
	if err == nil && m.cert != nil && !modTime.After(m.modTime) {
		return m.cert, nil
	}
	if err == nil {
		var cert tls.Certificate
		cert, err = tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err == nil {
			if m.cert != nil {
				m.logger.Info("reloaded TLS certificate", slog.String("cert_file", m.cfg.CertFile))
			}
			m.cert, m.modTime = &cert, modTime
			return m.cert, nil
		}
		err = fmt.Errorf("failed to load certificate: %w", err)
	}

	if m.cert == nil {
		return nil, err
	}
	m.logger.Error("certificate reload failed, serving previous certificate",
		slog.String("cert_file", m.cfg.CertFile),
		slog.String("error", err.Error()))
	return m.cert, nil
}

func (m *fileManager) GetTLSConfig() (*tls.Config, error) {
	return &tls.Config{
		MinVersion: MinTLSVersion,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return m.certificate()
		},
	}, nil
}

func (m *fileManager) Description() string {
	return fmt.Sprintf("file (cert=%s, key=%s)", m.cfg.CertFile, m.cfg.KeyFile)
}

func (m *fileManager) Shutdown() error { return nil }

// checkKeyFilePermissions rejects keys readable by group or others.
func checkKeyFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("key file not accessible: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %o (use 0600 or 0400)", path, mode)
	}
	return nil
}
