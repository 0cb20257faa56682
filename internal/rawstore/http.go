package rawstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/config"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/model"
	"github.com/Jakeintech/congress-disclosures-standardized-sub003/internal/resilience"
)

// HTTPStore reads the raw capture area over HTTP. Layout:
//
//	{base}/{source_id}/{partition_key}/index.json   document manifest
//	{base}/{source_id}/{partition_key}/{document_id}  document bytes
//
// Every call is rate limited, retried on transient failures, and guarded
// by a circuit breaker shared across the client.
type HTTPStore struct {
	client   *http.Client
	baseURL  string
	ua       string
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	retryCfg resilience.RetryConfig
}

// NewHTTPStore creates an HTTPStore from configuration.
func NewHTTPStore(cfg config.RawConfig) *HTTPStore {
	timeout := cfg.Timeout()
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	retryCfg := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.MaxRetries
	}
	retryCfg.OnRetry = resilience.RetryLogger("rawstore", "http")

	return &HTTPStore{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ua:      cfg.UserAgent,
		limiter: rate.NewLimiter(rate.Limit(perSec), int(perSec)+1),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			// A missing partition is an answer, not an outage.
			ShouldTrip: resilience.IsTransient,
		}),
		retryCfg: retryCfg,
	}
}

type indexEntry struct {
	DocumentID string `json:"document_id"`
	FilingYear int    `json:"filing_year"`
}

func (s *HTTPStore) partitionURL(sourceID, partitionKey string) string {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, url.PathEscape(sourceID), url.PathEscape(partitionKey))
}

// Fingerprint HEADs the partition manifest and digests its transport
// metadata: ETag when present, otherwise Last-Modified plus
// Content-Length. A missing partition yields ErrPartitionNotAvailable.
func (s *HTTPStore) Fingerprint(ctx context.Context, sourceID, partitionKey string) (string, error) {
	target := s.partitionURL(sourceID, partitionKey) + "/index.json"

	return resilience.DoVal(ctx, s.retryCfg, func(ctx context.Context) (string, error) {
		return resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (string, error) {
			resp, err := s.do(ctx, http.MethodHead, target)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close() //nolint:errcheck

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return "", ErrPartitionNotAvailable
			case resilience.IsTransientHTTPStatus(resp.StatusCode):
				return "", resilience.NewTransientError(
					eris.Errorf("HEAD %s: status %d", target, resp.StatusCode), resp.StatusCode)
			case resp.StatusCode != http.StatusOK:
				return "", eris.Errorf("rawstore: HEAD %s: status %d", target, resp.StatusCode)
			}

			if etag := resp.Header.Get("ETag"); etag != "" {
				return "etag:" + etag, nil
			}
			return fmt.Sprintf("meta:%s:%d",
				resp.Header.Get("Last-Modified"), resp.ContentLength), nil
		})
	})
}

// ListDocuments fetches and decodes the partition manifest.
func (s *HTTPStore) ListDocuments(ctx context.Context, sourceID, partitionKey string) ([]model.DocumentRef, error) {
	target := s.partitionURL(sourceID, partitionKey) + "/index.json"

	body, err := s.fetch(ctx, target, ErrPartitionNotAvailable)
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

// GetDocument fetches one document's raw bytes.
func (s *HTTPStore) GetDocument(ctx context.Context, ref model.DocumentRef) ([]byte, error) {
	target := s.partitionURL(ref.SourceID, ref.PartitionKey) + "/" + url.PathEscape(ref.DocumentID)
	return s.fetch(ctx, target, ErrDocumentNotFound)
}

// fetch GETs target with retry, breaker, and rate limiting. notFound is
// the sentinel to return on 404.
func (s *HTTPStore) fetch(ctx context.Context, target string, notFound error) ([]byte, error) {
	return resilience.DoVal(ctx, s.retryCfg, func(ctx context.Context) ([]byte, error) {
		return resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) ([]byte, error) {
			resp, err := s.do(ctx, http.MethodGet, target)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close() //nolint:errcheck

			switch {
			case resp.StatusCode == http.StatusNotFound:
				return nil, notFound
			case resilience.IsTransientHTTPStatus(resp.StatusCode):
				return nil, resilience.NewTransientError(
					eris.Errorf("GET %s: status %d", target, resp.StatusCode), resp.StatusCode)
			case resp.StatusCode != http.StatusOK:
				return nil, eris.Errorf("rawstore: GET %s: status %d", target, resp.StatusCode)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, resilience.NewTransientError(eris.Wrapf(err, "read %s", target), 0)
			}
			return body, nil
		})
	})
}

func (s *HTTPStore) do(ctx context.Context, method, target string) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rawstore: rate limiter wait")
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "rawstore: build request %s", target)
	}
	if s.ua != "" {
		req.Header.Set("User-Agent", s.ua)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		// Network-level failures are retryable.
		return nil, resilience.NewTransientError(err, 0)
	}
	return resp, nil
}
