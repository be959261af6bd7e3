package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig holds the inputs needed to build a mutual-TLS configuration
// (spec §4.2, §6). CABundlePath is the trust anchor; CertPath/KeyPath are
// this peer's own identity. InsecureAcceptAnyName gates the "accept any
// server name" development verifier behind an explicit opt-in — it must
// never be the default.
type TLSConfig struct {
	CertPath              string
	KeyPath               string
	CABundlePath          string
	InsecureAcceptAnyName bool
	ServerName            string
}

// aeadCipherSuites restricts negotiation to AEAD suites, per spec §6.
var aeadCipherSuites = []uint16{
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

// ServerTLSConfig builds a tls.Config requiring and verifying client
// certificates against cfg.CABundlePath.
func ServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load server keypair: %w", err)
	}

	pool, err := loadCABundle(cfg.CABundlePath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: aeadCipherSuites,
	}, nil
}

// ClientTLSConfig builds a tls.Config for a device connecting to a
// gateway. InsecureAcceptAnyName, when set, skips server-name
// verification entirely — strictly a development convenience, and must
// be gated by the caller's own build/config flag per spec §4.2.
func ClientTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load client keypair: %w", err)
	}

	pool, err := loadCABundle(cfg.CABundlePath)
	if err != nil {
		return nil, err
	}

	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   cfg.ServerName,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: aeadCipherSuites,
	}

	if cfg.InsecureAcceptAnyName {
		tc.InsecureSkipVerify = true
		tc.VerifyPeerCertificate = verifyChainIgnoringName(pool)
	}

	return tc, nil
}

func loadCABundle(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("transport: read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("transport: no valid certificates in CA bundle %s", path)
	}
	return pool, nil
}

// verifyChainIgnoringName still validates the certificate chain against
// pool; it only skips the hostname check that InsecureSkipVerify would
// otherwise disable entirely.
func verifyChainIgnoringName(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("transport: no peer certificate presented")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("transport: parse peer certificate: %w", err)
		}
		opts := x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}
		_, err = cert.Verify(opts)
		return err
	}
}
