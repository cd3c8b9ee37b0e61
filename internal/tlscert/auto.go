package tlscert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const (
	autoCertValidity = 365 * 24 * time.Hour
	// autoCertRenewBefore regenerates a certificate this close to expiry.
	autoCertRenewBefore = 7 * 24 * time.Hour
)

type autoManager struct {
	certPath string
	cert     tls.Certificate
}

func newAutoManager(cfg Config, logger *slog.Logger) (*autoManager, error) {
	hosts := cfg.AutoHosts
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	if err := os.MkdirAll(cfg.AutoCertDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create certificate directory: %w", err)
	}
	certPath := filepath.Join(cfg.AutoCertDir, "server.crt")
	keyPath := filepath.Join(cfg.AutoCertDir, "server.key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil && usableFor(cert, hosts, time.Now()) {
		logger.Info("using existing self-signed certificate", slog.String("cert_path", certPath))
		return &autoManager{certPath: certPath, cert: cert}, nil
	}

	logger.Info("generating self-signed certificate",
		slog.String("cert_path", certPath),
		slog.Any("hosts", hosts))
	if err := writeSelfSigned(certPath, keyPath, hosts); err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	cert, err = tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load self-signed certificate: %w", err)
	}
	logger.Warn("self-signed certificate generated, not suitable for production", slog.String("cert_path", certPath))
	return &autoManager{certPath: certPath, cert: cert}, nil
}

func (m *autoManager) GetTLSConfig() (*tls.Config, error) {
	return &tls.Config{
		MinVersion:   MinTLSVersion,
		Certificates: []tls.Certificate{m.cert},
	}, nil
}

func (m *autoManager) Description() string {
	return fmt.Sprintf("self-signed (cert=%s), development only", m.certPath)
}

func (m *autoManager) Shutdown() error { return nil }

// usableFor reports whether cert is valid well past now and covers exactly hosts.
func usableFor(cert tls.Certificate, hosts []string, now time.Time) bool {
	if len(cert.Certificate) == 0 {
		return false
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return false
	}
	if now.Before(leaf.NotBefore) || now.Add(autoCertRenewBefore).After(leaf.NotAfter) {
		return false
	}

	dnsNames, ips := splitHosts(hosts)
	got := make([]string, 0, len(leaf.IPAddresses))
	for _, ip := range leaf.IPAddresses {
		got = append(got, ip.String())
	}
	want := make([]string, 0, len(ips))
	for _, ip := range ips {
		want = append(want, ip.String())
	}
	return sameSet(leaf.DNSNames, dnsNames) && sameSet(got, want)
}

func splitHosts(hosts []string) ([]string, []net.IP) {
	var dnsNames []string
	var ips []net.IP
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		} else {
			dnsNames = append(dnsNames, host)
		}
	}
	return dnsNames, ips
}

func sameSet(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(slices.Compact(a), slices.Compact(b))
}

func writeSelfSigned(certPath, keyPath string, hosts []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	dnsNames, ips := splitHosts(hosts)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"relgraph (self-signed)"},
			CommonName:   hosts[0],
		},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(autoCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}
