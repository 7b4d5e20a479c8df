package pricing

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gopkg.in/yaml.v3"

	"cynsta/spendguard/pkg/config"
	sgtls "cynsta/spendguard/pkg/security/tls"
)

// SchemaVersion is the price table schema this engine understands.
const SchemaVersion = 1

// maxTableBytes bounds how much of a table body is read.
const maxTableBytes = 8 << 20

// Source produces a verified price table.
type Source interface {
	// Load returns a validated table or an error. Implementations never
	// return a partially verified table.
	Load(ctx context.Context) (*Table, error)

	// Name describes the source for logs and metrics.
	Name() string
}

// FileSource loads a table from a local YAML or JSON file. When PublicKey is
// set the file must hold a signed envelope instead of a bare table.
type FileSource struct {
	Path           string
	PublicKey      ed25519.PublicKey
	ExpectedSchema int
}

// Name returns the file path.
func (s *FileSource) Name() string {
	return "file:" + s.Path
}

// Load reads, verifies (if signed) and validates the table.
func (s *FileSource) Load(ctx context.Context) (*Table, error) {
	// #nosec G304 - table path comes from operator configuration
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, &UnavailableError{Source: s.Name(), Err: err}
	}

	var t *Table
	if s.PublicKey != nil {
		t, err = OpenEnvelope(data, s.PublicKey, s.ExpectedSchema)
	} else {
		t, err = parseTable(data, filepath.Ext(s.Path))
		if err == nil && s.ExpectedSchema != 0 && t.SchemaVersion != s.ExpectedSchema {
			err = fmt.Errorf("%w: file declares %d, engine expects %d",
				ErrSchemaMismatch, t.SchemaVersion, s.ExpectedSchema)
		}
	}
	if err != nil {
		return nil, &UnavailableError{Source: s.Name(), Err: err}
	}

	t.Source = s.Name()
	return t, nil
}

func parseTable(data []byte, ext string) (*Table, error) {
	t := &Table{}
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, t)
	case ".json":
		err = json.Unmarshal(data, t)
	default:
		return nil, fmt.Errorf("%w: unsupported table format %q", ErrInvalidTable, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// RemoteSource fetches a signed envelope over HTTP(S). Network errors, 429
// and 5xx responses are retried with exponential backoff; other statuses,
// signature and schema failures are not.
type RemoteSource struct {
	URL            string
	PublicKey      ed25519.PublicKey
	ExpectedSchema int

	// Client defaults to an http.Client with a 10s timeout.
	Client *http.Client

	// MaxAttempts bounds fetch attempts. Default: 5
	MaxAttempts uint

	// InitialInterval is the first retry delay. Default: 500ms
	InitialInterval time.Duration

	Logger *slog.Logger
}

// Name returns the source URL.
func (s *RemoteSource) Name() string {
	return "remote:" + s.URL
}

// Load fetches and verifies the remote table.
func (s *RemoteSource) Load(ctx context.Context) (*Table, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default().With("component", "pricing.remote")
	}

	attempts := s.MaxAttempts
	if attempts == 0 {
		attempts = 5
	}
	b := backoff.NewExponentialBackOff()
	if s.InitialInterval > 0 {
		b.InitialInterval = s.InitialInterval
	}

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		return s.fetch(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Price table fetch failed, retrying",
				"url", s.URL,
				"error", err,
				"retry_in", next,
			)
		}),
	)
	if err != nil {
		return nil, &UnavailableError{Source: s.Name(), Err: err}
	}

	t, err := OpenEnvelope(body, s.PublicKey, s.ExpectedSchema)
	if err != nil {
		return nil, &UnavailableError{Source: s.Name(), Err: err}
	}

	t.Source = s.Name()
	return t, nil
}

func (s *RemoteSource) fetch(ctx context.Context) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, fmt.Errorf("price source returned %s", resp.Status)
	default:
		return nil, backoff.Permanent(fmt.Errorf("price source returned %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTableBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxTableBytes {
		return nil, backoff.Permanent(fmt.Errorf("price table exceeds %d bytes", maxTableBytes))
	}
	return body, nil
}

// NewSource builds the source described by cfg.
func NewSource(cfg *config.PricingConfig, logger *slog.Logger) (Source, error) {
	var pub ed25519.PublicKey
	if cfg.PublicKeyPath != "" {
		key, err := LoadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, &UnavailableError{Source: cfg.Source, Err: err}
		}
		pub = key
	}

	switch cfg.Source {
	case "file":
		return &FileSource{
			Path:           cfg.Path,
			PublicKey:      pub,
			ExpectedSchema: cfg.ExpectedSchema,
		}, nil
	case "remote":
		if pub == nil {
			return nil, &UnavailableError{Source: cfg.URL, Err: fmt.Errorf("%w: remote source requires a public key", ErrSignatureInvalid)}
		}
		client := &http.Client{Timeout: cfg.FetchTimeout}
		tlsConfig, err := sgtls.ClientConfig(&cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("pricing.tls: %w", err)
		}
		if tlsConfig != nil {
			transport := http.DefaultTransport.(*http.Transport).Clone()
			transport.TLSClientConfig = tlsConfig
			client.Transport = transport
		}
		return &RemoteSource{
			URL:            cfg.URL,
			PublicKey:      pub,
			ExpectedSchema: cfg.ExpectedSchema,
			Client:         client,
			MaxAttempts:    uint(cfg.MaxAttempts),
			Logger:         logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown pricing source %q", cfg.Source)
	}
}

// Load builds the configured source and loads a verified table from it.
// Every failure matches ErrPricingUnavailable.
func Load(ctx context.Context, cfg *config.PricingConfig) (*Table, error) {
	src, err := NewSource(cfg, nil)
	if err != nil {
		if errors.Is(err, ErrPricingUnavailable) {
			return nil, err
		}
		return nil, &UnavailableError{Source: cfg.Source, Err: err}
	}
	return src.Load(ctx)
}
