package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fleet-test"},
		DNSNames:              []string{"fleet-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

// TestNegotiateDerivesMatchingKeys exercises the post-handshake AEAD
// negotiation end to end over a net.Pipe: both sides must agree on the
// suite and derive an identical session key purely from the completed
// TLS session (spec §4.2's open question on KDF inputs).
func TestNegotiateDerivesMatchingKeys(t *testing.T) {
	cert := selfSignedCert(t)
	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	pool.AddCert(leaf)

	clientRaw, serverRaw := net.Pipe()

	serverTLS := tls.Server(serverRaw, &tls.Config{Certificates: []tls.Certificate{cert}})
	clientTLS := tls.Client(clientRaw, &tls.Config{RootCAs: pool, ServerName: "fleet-test"})

	type result struct {
		ch  *Channel
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		ch, err := NegotiateServer(serverTLS)
		serverCh <- result{ch, err}
	}()

	clientCh, clientErr := NegotiateClient(clientTLS, SuiteAES256GCM)
	require.NoError(t, clientErr)
	sres := <-serverCh
	require.NoError(t, sres.err)

	defer clientCh.Close()
	defer sres.ch.Close()

	done := make(chan error, 1)
	go func() { done <- clientCh.SendEncrypted([]byte("hello gateway")) }()

	got, err := sres.ch.ReceiveDecrypted()
	require.NoError(t, err)
	assert.Equal(t, "hello gateway", string(got))
	require.NoError(t, <-done)
}
