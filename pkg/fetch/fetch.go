// Package fetch retrieves raw vts JSON payloads from backend
// monitoring endpoints (or, for offline testing, from local files),
// stripping any JSONP wrapper before handing the bytes back.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// jsonpPrefix is the callback wrapper nginx-module-vts emits when the
// request asks for JSONP instead of plain JSON.
const jsonpPrefix = "ngx_http_vhost_traffic_status_jsonp_callback("

// Result is one backend's raw response: its identifying name (the URL
// for HTTP backends, the containing directory for file backends) and
// its unwrapped body.
type Result struct {
	Backend string
	Data    []byte
}

// Fetcher retrieves backend payloads over HTTP(S), or from the local
// filesystem when given a file path instead of a URL.
type Fetcher struct {
	client *http.Client
}

// New creates a Fetcher with the given per-request timeout. When
// insecure is true, TLS certificate verification is skipped for
// HTTPS backends, matching the tool's --insecure flag. The underlying
// client performs no retries: a failed scrape simply loses that
// interval's data point for the affected backend.
func New(timeout time.Duration, insecure bool) *Fetcher {
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Fetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// FetchAll retrieves each of urls in order. Failures are reported to
// onError (if non-nil) and otherwise skipped, so one unreachable
// backend does not block the others. The returned slice preserves the
// order of urls, omitting any that failed.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, onError func(url string, err error)) []Result {
	results := make([]Result, 0, len(urls))
	for _, url := range urls {
		res, err := f.fetchOne(ctx, url)
		if err != nil {
			if onError != nil {
				onError(url, err)
			}
			continue
		}
		results = append(results, res)
	}
	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, url string) (Result, error) {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return f.fetchHTTP(ctx, url)
	}
	return fetchFile(url)
}

func (f *Fetcher) fetchHTTP(ctx context.Context, url string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("building request for %s: %w", url, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("request failed for %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("HTTP status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading response body for %s: %w", url, err)
	}

	return Result{Backend: url, Data: stripJSONP(body)}, nil
}

func fetchFile(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return Result{Backend: filepath.Dir(path), Data: stripJSONP(data)}, nil
}

func stripJSONP(data []byte) []byte {
	s := string(data)
	if strings.HasPrefix(s, jsonpPrefix) && strings.HasSuffix(s, ")") {
		return []byte(s[len(jsonpPrefix) : len(s)-1])
	}
	return data
}
