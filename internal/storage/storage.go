package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Artifact transfer timeout per attempt
	DefaultDownloadTimeout = 120 * time.Second

	// Total attempts for the primary video, first try included
	DefaultDownloadAttempts = 3

	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 10 * time.Second

	publicGCSHost = "https://storage.googleapis.com"
)

// ObjectReader reads gs:// objects with bucket credentials.
type ObjectReader interface {
	ReadObject(ctx context.Context, bucket, object string) ([]byte, error)
}

// Downloader fetches produced media with a bounded timeout and a small fixed
// number of attempts separated by a capped linear backoff.
type Downloader struct {
	client   *http.Client
	timeout  time.Duration
	attempts int
	objects  ObjectReader
	sleep    func(context.Context, time.Duration) error
	logger   zerolog.Logger
}

// DownloaderOption configures a Downloader.
type DownloaderOption func(*Downloader)

// WithObjectReader routes gs:// URIs through bucket credentials instead of the
// public HTTPS endpoint.
func WithObjectReader(r ObjectReader) DownloaderOption {
	return func(d *Downloader) { d.objects = r }
}

// WithDownloadSleep replaces the backoff sleeper, for tests.
func WithDownloadSleep(sleep func(context.Context, time.Duration) error) DownloaderOption {
	return func(d *Downloader) { d.sleep = sleep }
}

func WithDownloadLogger(logger zerolog.Logger) DownloaderOption {
	return func(d *Downloader) { d.logger = logger }
}

func NewDownloader(timeout time.Duration, attempts int, opts ...DownloaderOption) *Downloader {
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	if attempts <= 0 {
		attempts = DefaultDownloadAttempts
	}
	d := &Downloader{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout:  timeout,
		attempts: attempts,
		sleep:    sleepContext,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch downloads rawURL. gs:// URIs are read through the ObjectReader when
// one is configured, else rewritten to the public GCS endpoint.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if bucket, object, ok := parseGSURI(rawURL); ok {
		if d.objects != nil {
			return d.retry(ctx, rawURL, func(ctx context.Context) ([]byte, bool, error) {
				data, err := d.objects.ReadObject(ctx, bucket, object)
				return data, !errors.Is(err, ErrObjectMissing), err
			})
		}
		rawURL = publicGCSHost + "/" + bucket + "/" + object
	}
	return d.retry(ctx, rawURL, func(ctx context.Context) ([]byte, bool, error) {
		return d.get(ctx, rawURL)
	})
}

// FetchOnce downloads without retries, for best-effort assets.
func (d *Downloader) FetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	if bucket, object, ok := parseGSURI(rawURL); ok {
		if d.objects != nil {
			ctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			return d.objects.ReadObject(ctx, bucket, object)
		}
		rawURL = publicGCSHost + "/" + bucket + "/" + object
	}
	data, _, err := d.get(ctx, rawURL)
	return data, err
}

// retry runs fetch until it succeeds, reports a non-retryable error, or the
// attempts run out.
func (d *Downloader) retry(ctx context.Context, target string, fetch func(context.Context) ([]byte, bool, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < d.attempts; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			d.logger.Warn().Str("url", truncate(target, 200)).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying download")
			if err := d.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("download cancelled: %w", err)
			}
		}

		data, retryable, err := fetch(ctx)
		if err == nil {
			if attempt > 0 {
				d.logger.Info().Int("attempt", attempt+1).Msg("download succeeded after retry")
			}
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("download failed after %d attempts: %w", d.attempts, lastErr)
}

// get performs one timed GET. The bool reports whether a failure is retryable.
func (d *Downloader) get(ctx context.Context, rawURL string) ([]byte, bool, error) {
	dlCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, isRetryableError(err), fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("failed to read download body: %w", err)
		}
		if len(data) == 0 {
			return nil, true, fmt.Errorf("downloaded file is empty (0 bytes)")
		}
		return data, false, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return nil, isRetryableStatus(resp.StatusCode), fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
}

// parseGSURI splits gs://bucket/object.
func parseGSURI(raw string) (bucket, object string, ok bool) {
	if !strings.HasPrefix(raw, "gs://") {
		return "", "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	object = strings.TrimPrefix(u.Path, "/")
	if object == "" {
		return "", "", false
	}
	return u.Host, object, true
}

// retryDelay is a linear backoff capped at maxRetryDelay.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(attempt)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusInternalServerError || // 500
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
