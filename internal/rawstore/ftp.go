package rawstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/config"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/resilience"
)

// FTPStore reads the raw capture area from an FTP server, for sources
// that still publish filings that way. Same layout as the HTTP backend
// rooted at the URL path:
//
//	{base}/{source_id}/{partition_key}/index.json
//	{base}/{source_id}/{partition_key}/{document_id}
//
// Each call dials a fresh anonymous session; retries and the circuit
// breaker wrap the whole exchange.
type FTPStore struct {
	host     string
	basePath string
	timeout  time.Duration
	breaker  *resilience.CircuitBreaker
	retryCfg resilience.RetryConfig
}

// NewFTPStore creates an FTPStore. BaseURL must be an ftp:// URL.
func NewFTPStore(cfg config.RawConfig) (*FTPStore, error) {
	host, basePath, err := parseFTPBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout()
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retryCfg := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.MaxRetries
	}
	retryCfg.OnRetry = resilience.RetryLogger("rawstore", "ftp")

	return &FTPStore{
		host:     host,
		basePath: basePath,
		timeout:  timeout,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			ShouldTrip:       resilience.IsTransient,
		}),
		retryCfg: retryCfg,
	}, nil
}

// parseFTPBase extracts host (with default port 21) and base path from
// an ftp:// URL.
func parseFTPBase(rawURL string) (host, basePath string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "rawstore: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("rawstore: expected ftp scheme, got %q", u.Scheme)
	}
	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}
	return host, u.Path, nil
}

func (s *FTPStore) partitionPath(sourceID, partitionKey string) string {
	return path.Join(s.basePath, sourceID, partitionKey)
}

// Fingerprint digests the manifest's server-side metadata: modification
// time (MDTM) plus size. Servers without MDTM fall back to size alone.
func (s *FTPStore) Fingerprint(ctx context.Context, sourceID, partitionKey string) (string, error) {
	target := path.Join(s.partitionPath(sourceID, partitionKey), "index.json")

	return resilience.DoVal(ctx, s.retryCfg, func(ctx context.Context) (string, error) {
		return resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (string, error) {
			conn, err := s.dial(ctx)
			if err != nil {
				return "", err
			}
			defer conn.Quit() //nolint:errcheck

			size, err := conn.FileSize(target)
			if err != nil {
				return "", classifyFTPErr(err, ErrPartitionNotAvailable)
			}
			mtime, err := conn.GetTime(target)
			if err != nil {
				return fmt.Sprintf("size:%d", size), nil
			}
			return fmt.Sprintf("meta:%s:%d", mtime.UTC().Format(time.RFC3339), size), nil
		})
	})
}

// ListDocuments retrieves and decodes the partition manifest.
func (s *FTPStore) ListDocuments(ctx context.Context, sourceID, partitionKey string) ([]model.DocumentRef, error) {
	target := path.Join(s.partitionPath(sourceID, partitionKey), "index.json")

	body, err := s.retrieve(ctx, target, ErrPartitionNotAvailable)
	if err != nil {
		return nil, err
	}

	var entries []indexEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, eris.Wrapf(err, "rawstore: decode manifest %s/%s", sourceID, partitionKey)
	}

	refs := make([]model.DocumentRef, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, model.DocumentRef{
			SourceID:     sourceID,
			PartitionKey: partitionKey,
			DocumentID:   e.DocumentID,
			FilingYear:   e.FilingYear,
		})
	}
	return refs, nil
}

// GetDocument retrieves one document's raw bytes.
func (s *FTPStore) GetDocument(ctx context.Context, ref model.DocumentRef) ([]byte, error) {
	target := path.Join(s.partitionPath(ref.SourceID, ref.PartitionKey), ref.DocumentID)
	return s.retrieve(ctx, target, ErrDocumentNotFound)
}

// retrieve RETRs target with retry and breaker. notFound is the
// sentinel to return when the server reports the file unavailable.
func (s *FTPStore) retrieve(ctx context.Context, target string, notFound error) ([]byte, error) {
	return resilience.DoVal(ctx, s.retryCfg, func(ctx context.Context) ([]byte, error) {
		return resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) ([]byte, error) {
			conn, err := s.dial(ctx)
			if err != nil {
				return nil, err
			}
			defer conn.Quit() //nolint:errcheck

			resp, err := conn.Retr(target)
			if err != nil {
				return nil, classifyFTPErr(err, notFound)
			}
			defer resp.Close() //nolint:errcheck

			body, err := io.ReadAll(resp)
			if err != nil {
				return nil, resilience.NewTransientError(eris.Wrapf(err, "read %s", target), 0)
			}
			return body, nil
		})
	})
}

func (s *FTPStore) dial(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(s.host, ftp.DialWithTimeout(s.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ftp dial"), 0)
	}
	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, resilience.NewTransientError(eris.Wrap(err, "ftp login"), 0)
	}
	return conn, nil
}

// classifyFTPErr maps a server reply to the domain sentinel or a
// retryable failure. 550 means the path does not exist; other 4xx/5xx
// replies are treated as transient server trouble.
func classifyFTPErr(err error, notFound error) error {
	var proto *textproto.Error
	if eris.As(err, &proto) {
		if proto.Code == ftp.StatusFileUnavailable {
			return notFound
		}
		return resilience.NewTransientError(err, proto.Code)
	}
	return resilience.NewTransientError(err, 0)
}
