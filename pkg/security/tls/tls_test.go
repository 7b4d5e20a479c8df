package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cynsta/spendguard/pkg/config"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	file string
}

func newCA(t *testing.T, dir string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "spendguard test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	file := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(file, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return &testCA{cert: cert, key: key, file: file}
}

// issue writes a leaf certificate and key signed by ca and returns their
// paths.
func (ca *testCA) issue(t *testing.T, dir, name string, notAfter time.Time, usage x509.ExtKeyUsage) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile := filepath.Join(dir, name+".pem")
	keyFile := filepath.Join(dir, name+"-key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

// startServer serves over serverTLS itself rather than httptest's built-in
// certificate, and returns the https URL.
func startServer(t *testing.T, cfg *config.TLSConfig) (string, *CertificateReloader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reloader := NewCertificateReloader(cfg.CertFile, cfg.KeyFile, 20*time.Millisecond, nil)
	require.NoError(t, reloader.Start(ctx))
	serverTLS, err := ServerConfig(cfg, reloader)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.Listener = cryptotls.NewListener(srv.Listener, serverTLS)
	srv.Start()
	t.Cleanup(srv.Close)
	return "https://" + srv.Listener.Addr().String(), reloader
}

func client(t *testing.T, cfg *config.TLSConfig) *http.Client {
	t.Helper()
	clientTLS, err := ClientConfig(cfg)
	require.NoError(t, err)
	return &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}, Timeout: 5 * time.Second}
}

func TestServerAndClient(t *testing.T) {
	dir := t.TempDir()
	ca := newCA(t, dir)
	certFile, keyFile := ca.issue(t, dir, "server", time.Now().Add(time.Hour), x509.ExtKeyUsageServerAuth)

	url, _ := startServer(t, &config.TLSConfig{CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"})

	resp, err := client(t, &config.TLSConfig{CAFile: ca.file, MinVersion: "1.2"}).Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint16(cryptotls.VersionTLS13), resp.TLS.Version)

	// Without the private CA the server is not trusted.
	_, err = (&http.Client{Timeout: 5 * time.Second}).Get(url)
	assert.Error(t, err)
}

func TestMutualTLS(t *testing.T) {
	dir := t.TempDir()
	ca := newCA(t, dir)
	certFile, keyFile := ca.issue(t, dir, "server", time.Now().Add(time.Hour), x509.ExtKeyUsageServerAuth)
	clientCert, clientKey := ca.issue(t, dir, "scraper", time.Now().Add(time.Hour), x509.ExtKeyUsageClientAuth)

	url, _ := startServer(t, &config.TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: ca.file})

	_, err := client(t, &config.TLSConfig{CAFile: ca.file}).Get(url)
	assert.Error(t, err, "a client without a certificate must be refused")

	resp, err := client(t, &config.TLSConfig{CAFile: ca.file, CertFile: clientCert, KeyFile: clientKey}).Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReloaderPicksUpRenewal(t *testing.T) {
	dir := t.TempDir()
	ca := newCA(t, dir)
	certFile, keyFile := ca.issue(t, dir, "server", time.Now().Add(time.Hour), x509.ExtKeyUsageServerAuth)

	_, reloader := startServer(t, &config.TLSConfig{CertFile: certFile, KeyFile: keyFile})
	first := reloader.Certificate()
	require.NotNil(t, first)

	// Reissue in place with a later modification time.
	time.Sleep(10 * time.Millisecond)
	ca.issue(t, dir, "server", time.Now().Add(48*time.Hour), x509.ExtKeyUsageServerAuth)
	later := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(certFile, later, later))
	require.NoError(t, os.Chtimes(keyFile, later, later))

	assert.Eventually(t, func() bool {
		cur := reloader.Certificate()
		return cur != nil && cur.Leaf != nil && cur.Leaf.NotAfter.After(first.Leaf.NotAfter)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLoadKeyPair_Expired(t *testing.T) {
	dir := t.TempDir()
	ca := newCA(t, dir)
	certFile, keyFile := ca.issue(t, dir, "old", time.Now().Add(-time.Minute), x509.ExtKeyUsageServerAuth)

	_, err := LoadKeyPair(certFile, keyFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")

	err = NewCertificateReloader(certFile, keyFile, time.Second, nil).Start(context.Background())
	assert.Error(t, err)
}

func TestClientConfig(t *testing.T) {
	cfg, err := ClientConfig(&config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = ClientConfig(&config.TLSConfig{MinVersion: "1.1"})
	assert.Error(t, err)

	_, err = ClientConfig(&config.TLSConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)

	_, err = ClientConfig(&config.TLSConfig{CertFile: "client.pem"})
	assert.Error(t, err)
}

func TestExpiresSoon(t *testing.T) {
	now := time.Now()
	soon, left := ExpiresSoon(&x509.Certificate{NotAfter: now.Add(10 * 24 * time.Hour)}, now)
	assert.True(t, soon)
	assert.Equal(t, 10*24*time.Hour, left)

	soon, _ = ExpiresSoon(&x509.Certificate{NotAfter: now.Add(90 * 24 * time.Hour)}, now)
	assert.False(t, soon)
}
