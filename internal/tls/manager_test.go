package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"testing"

	"qrorder-auth/internal/config"
)

func TestSelfSignedFallbackOutsideProduction(t *testing.T) {
	dir := t.TempDir()
	m := NewTLSManager(config.ServerConfig{Domain: "menu.local", AutoCertDir: dir}, false)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "menu.local"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := leaf.VerifyHostname("menu.local"); err != nil {
		t.Fatalf("hostname: %v", err)
	}

	again, _ := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "menu.local"})
	if again != cert {
		t.Fatalf("fallback certificate should be reused")
	}

	// A second manager picks the certificate up from disk.
	reused, err := NewDevCertGenerator(dir).GenerateCert([]string{"menu.local"})
	if err != nil || string(reused.Certificate[0]) != string(cert.Certificate[0]) {
		t.Fatalf("expected on-disk certificate reuse: %v", err)
	}
}

func TestProductionRefusesSelfSigned(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{Domain: "menu.example", AutoCertDir: t.TempDir()}, true)
	if _, err := m.GetCertificate(&tls.ClientHelloInfo{}); !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("want ErrNoCertificate, got %v", err)
	}
	if m.GetTLSConfig().MinVersion != tls.VersionTLS12 {
		t.Fatalf("min version not enforced")
	}
}
