package pricing

import (
	"context"
	"crypto/ed25519"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cynsta/spendguard/pkg/config"
	"cynsta/spendguard/pkg/telemetry/metrics"
)

// stubSource returns queued results in order, repeating the last one.
type stubSource struct {
	results []func() (*Table, error)
	calls   atomic.Int32
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Load(ctx context.Context) (*Table, error) {
	i := int(s.calls.Add(1)) - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i]()
}

func ok(version string) func() (*Table, error) {
	return func() (*Table, error) {
		t := testTable()
		t.Version = version
		return t, nil
	}
}

func fail() (*Table, error) {
	return nil, &UnavailableError{Source: "stub", Err: errors.New("connection refused")}
}

func TestRegistry_UnavailableBeforeLoad(t *testing.T) {
	r := NewRegistry(&stubSource{results: []func() (*Table, error){fail}}, RegistryOptions{})

	_, err := r.Current()
	assert.True(t, errors.Is(err, ErrPricingUnavailable))

	require.Error(t, r.Refresh(context.Background()))
	_, err = r.Current()
	assert.True(t, errors.Is(err, ErrPricingUnavailable))
}

func TestRegistry_KeepsLastGoodTable(t *testing.T) {
	src := &stubSource{results: []func() (*Table, error){ok("v1"), fail, ok("v2")}}
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(&config.MetricsConfig{Enabled: true, Namespace: "test"}, reg)
	r := NewRegistry(src, RegistryOptions{Metrics: collector})

	require.NoError(t, r.Refresh(context.Background()))
	table, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, "v1", table.Version)

	require.Error(t, r.Refresh(context.Background()))
	table, err = r.Current()
	require.NoError(t, err)
	assert.Equal(t, "v1", table.Version, "a failed refresh must not replace the live table")

	require.NoError(t, r.Refresh(context.Background()))
	table, err = r.Current()
	require.NoError(t, err)
	assert.Equal(t, "v2", table.Version)

	n, err := testutil.GatherAndCount(reg, "test_pricing_loads_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per result")
}

func TestRegistry_Stale(t *testing.T) {
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := NewRegistry(&stubSource{results: []func() (*Table, error){ok("v1")}}, RegistryOptions{
		StaleAfter: time.Hour,
		Now:        clock,
	})
	require.NoError(t, r.Refresh(context.Background()))

	now = now.Add(59 * time.Minute)
	_, err := r.Current()
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = r.Current()
	assert.True(t, errors.Is(err, ErrPricingUnavailable))
}

func TestStaticRegistry(t *testing.T) {
	r := NewStaticRegistry(testTable())
	require.NoError(t, r.Refresh(context.Background()))
	table, err := r.Current()
	require.NoError(t, err)
	assert.False(t, table.LoadedAt.IsZero())
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`schema_version: 1
version: "2026-10-01"
currency: USD
models:
  - provider: anthropic
    model: claude-sonnet-4
    rates:
      input_tokens: 3000000
      cached_input_tokens: 300000
      cache_write_tokens: 3750000
      output_tokens: 15000000
`), 0o600))

	table, err := (&FileSource{Path: path, ExpectedSchema: 1}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "file:"+path, table.Source)
	m, err := table.Lookup("anthropic", "claude-sonnet-4-20250514")
	require.NoError(t, err)
	assert.Equal(t, int64(3_750_000), m.Rates[DimCacheWrite])

	_, err = (&FileSource{Path: path, ExpectedSchema: 2}).Load(context.Background())
	assert.True(t, errors.Is(err, ErrSchemaMismatch))
	assert.True(t, errors.Is(err, ErrPricingUnavailable))

	_, err = (&FileSource{Path: filepath.Join(dir, "missing.yaml")}).Load(context.Background())
	assert.True(t, errors.Is(err, ErrPricingUnavailable))

	txt := filepath.Join(dir, "pricing.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o600))
	_, err = (&FileSource{Path: txt}).Load(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidTable))
}

func TestFileSource_RequiresSignatureWhenKeyed(t *testing.T) {
	pub, _ := newKeys(t)
	path := filepath.Join(t.TempDir(), "pricing.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":1,"version":"v","currency":"USD","models":[]}`), 0o600))

	_, err := (&FileSource{Path: path, PublicKey: pub, ExpectedSchema: 1}).Load(context.Background())
	assert.True(t, errors.Is(err, ErrSignatureInvalid))
}

func remoteSource(url string, pub ed25519.PublicKey) *RemoteSource {
	return &RemoteSource{
		URL:             url,
		PublicKey:       pub,
		ExpectedSchema:  1,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
	}
}

func TestRemoteSource_RetriesTransientFailures(t *testing.T) {
	pub, priv := newKeys(t)
	body := signed(t, testTable(), priv)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	table, err := remoteSource(srv.URL, pub).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, "remote:"+srv.URL, table.Source)
	assert.Equal(t, "test", table.KeyID)
}

func TestRemoteSource_ClientErrorIsPermanent(t *testing.T) {
	pub, _ := newKeys(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := remoteSource(srv.URL, pub).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPricingUnavailable))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRemoteSource_BadSignatureFailsClosed(t *testing.T) {
	_, priv := newKeys(t)
	otherPub, _ := newKeys(t)
	body := signed(t, testTable(), priv)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	_, err := remoteSource(srv.URL, otherPub).Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPricingUnavailable))
	assert.True(t, errors.Is(err, ErrSignatureInvalid))
}

func TestNewSource(t *testing.T) {
	pub, _ := newKeys(t)
	keyPath := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(keyPath, EncodePublicKey(pub), 0o600))

	src, err := NewSource(&config.PricingConfig{Source: "file", Path: "pricing.yaml", ExpectedSchema: 1}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileSource{}, src)

	src, err = NewSource(&config.PricingConfig{
		Source:         "remote",
		URL:            "https://prices.example.com/table",
		PublicKeyPath:  keyPath,
		ExpectedSchema: 1,
		FetchTimeout:   time.Second,
		MaxAttempts:    2,
	}, nil)
	require.NoError(t, err)
	remote, isRemote := src.(*RemoteSource)
	require.True(t, isRemote)
	assert.Equal(t, uint(2), remote.MaxAttempts)

	_, err = NewSource(&config.PricingConfig{Source: "remote", URL: "https://prices.example.com/table"}, nil)
	assert.True(t, errors.Is(err, ErrSignatureInvalid))
}

func TestRefresher(t *testing.T) {
	r := NewRegistry(&stubSource{results: []func() (*Table, error){ok("v1")}}, RegistryOptions{})

	_, err := NewRefresher(r, "not a schedule", 0, nil)
	require.Error(t, err)

	refresher, err := NewRefresher(r, "@every 1s", time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, refresher.Start())
	defer refresher.Stop()

	assert.Eventually(t, func() bool {
		_, err := r.Current()
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNewSource_RemoteOverPrivateCA(t *testing.T) {
	pub, priv := newKeys(t)
	body := signed(t, testTable(), priv)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(keyPath, EncodePublicKey(pub), 0o600))
	caPath := filepath.Join(dir, "ca.pem")
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(caPath, caPEM, 0o600))

	cfg := &config.PricingConfig{
		Source:         "remote",
		URL:            srv.URL,
		PublicKeyPath:  keyPath,
		ExpectedSchema: 1,
		FetchTimeout:   5 * time.Second,
		MaxAttempts:    1,
		TLS:            config.TLSConfig{CAFile: caPath, MinVersion: "1.2"},
	}
	table, err := Load(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-01", table.Version)

	// The system roots do not know the test server.
	cfg.TLS = config.TLSConfig{}
	_, err = Load(context.Background(), cfg)
	assert.True(t, errors.Is(err, ErrPricingUnavailable))
}
