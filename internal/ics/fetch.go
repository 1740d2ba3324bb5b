package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"icalsynchub/internal/fileutil"
	appLog "icalsynchub/internal/log"
	"icalsynchub/internal/model"
)

const (
	DefaultRetries = 3
	DefaultDelay   = 5 * time.Second
	DefaultTimeout = 10 * time.Second

	// maxFeedBytes caps a single feed body.
	maxFeedBytes = 32 << 20

	userAgent = "icalsynchub/1.0"
)

// FetchOptions bounds how long a single source may take:
// Retries attempts, each limited by Timeout, separated by Delay.
type FetchOptions struct {
	Retries int
	Delay   time.Duration
	Timeout time.Duration

	// CacheDir enables conditional GET (ETag / Last-Modified) with the
	// last body kept on disk. Empty disables caching.
	CacheDir string

	// Client overrides the HTTP client (tests).
	Client *http.Client
}

// FetchResult contains the outcome of fetching a single source.
type FetchResult struct {
	Source    model.Source
	Body      []byte
	FromCache bool // true if we reused the cached body after a 304
	Attempts  int
}

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher retrieves raw calendar text per source with bounded retries.
type Fetcher struct {
	client *http.Client
	opts   FetchOptions
	log    *appLog.Logger
}

// NewFetcher creates a Fetcher. Zero Retries or Timeout take the defaults.
func NewFetcher(opts FetchOptions, logger *appLog.Logger) *Fetcher {
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		// Per-attempt deadlines come from the request context.
		client = &http.Client{}
	}
	if logger == nil {
		logger = appLog.Nop()
	}
	return &Fetcher{client: client, opts: opts, log: logger}
}

// FetchAll fetches all given sources in order and returns individual results.
// A failing source is logged and reported in the error slice; it never stops
// the remaining sources.
//
// The returned slice of results will only contain entries for sources that
// successfully produced a body.
func (f *Fetcher) FetchAll(ctx context.Context, sources []model.Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	errs := make([]error, 0)

	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}

	return results, errs
}

// FetchOne fetches a single source, retrying up to Retries times with a
// fixed Delay in between.
func (f *Fetcher) FetchOne(ctx context.Context, src model.Source) (FetchResult, error) {
	target, err := SanitizeURL(src.URL)
	if err != nil {
		f.log.Error("ics fetch skipped: bad url", err, "url", redactURL(src.URL))
		return FetchResult{}, err
	}

	attempts := 0
	op := func() (FetchResult, error) {
		attempts++
		return f.attempt(ctx, src, target)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.opts.Delay), uint64(f.opts.Retries-1)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		f.log.Warn("ics fetch attempt failed; retrying",
			"url", redactURL(target), "attempt", attempts, "retry_in", next.String(), "err", err)
	}

	res, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		f.log.Error("ics fetch failed", err, "url", redactURL(target), "attempts", attempts)
		return FetchResult{}, fmt.Errorf("fetch %s: %w", redactURL(target), err)
	}
	res.Attempts = attempts
	return res, nil
}

func (f *Fetcher) attempt(ctx context.Context, src model.Source, target string) (FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{}, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	var (
		cachePath  string
		cachedBody []byte
	)
	if f.opts.CacheDir != "" {
		cachePath = f.cachePathForURL(target)
		meta, _ := loadCacheMeta(cachePath)
		cachedBody, _ = loadCacheBody(cachePath)
		// Conditional headers only make sense when we can serve the body.
		if len(cachedBody) > 0 {
			if meta.ETag != "" {
				req.Header.Set("If-None-Match", meta.ETag)
			}
			if meta.LastModified != "" {
				req.Header.Set("If-Modified-Since", meta.LastModified)
			}
		}
	}

	f.log.Debug("ics fetch start", "url", redactURL(target))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		f.log.Info("ics fetch not modified; using cache", "url", redactURL(target))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
		if err != nil {
			return FetchResult{}, err
		}
		if len(body) > maxFeedBytes {
			return FetchResult{}, backoff.Permanent(fmt.Errorf("feed larger than %d bytes", maxFeedBytes))
		}

		if cachePath != "" {
			meta := cacheEntry{
				URL:          target,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, meta, body); err != nil {
				// Log but still return the freshly fetched body.
				f.log.Error("ics cache save failed", err, "url", redactURL(target))
			}
		}

		f.log.Info("ics fetch success", "url", redactURL(target), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return FetchResult{}, fmt.Errorf("unexpected HTTP status %s", resp.Status)
	}
}

// SanitizeURL canonicalizes a feed URL: webcal schemes become https and the
// path is decoded then re-encoded so the request line always carries valid
// percent-encoding.
func SanitizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("source URL is empty")
	}

	u, err := url.Parse(repairPercent(raw))
	if err != nil {
		return "", fmt.Errorf("invalid source URL: %w", err)
	}
	switch u.Scheme {
	case "webcal", "webcals":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("source URL has no host")
	}

	// u.Path is already decoded; dropping RawPath forces re-encoding.
	u.RawPath = ""
	return u.String(), nil
}

// repairPercent escapes '%' signs that do not start a valid %XX sequence.
func repairPercent(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && !(i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.opts.CacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at missing body.
	if err := fileutil.WriteFileAtomic(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides sensitive parts of a feed URL for logging purposes.
// Private calendar links usually carry their secret in the path or query.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	i += 3

	// Find next slash after host.
	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' && u[j] != '#' {
		j++
	}
	return u[:j] + redactedSuffix
}
