package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// MaxFetchBytes caps a single lesson download.
const MaxFetchBytes = 50 << 20

var ErrFileTooLarge = errors.New("file exceeds download limit")

// s3.amazonaws.com, s3.<region>.amazonaws.com, s3-<region>.amazonaws.com
var pathStyleHost = regexp.MustCompile(`^s3([.-][a-z0-9-]+)?\.amazonaws\.com$`)

func objectURL(bucket, region, key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, key)
}

// parseS3URL recognises s3://bucket/key plus virtual-hosted and path-style
// amazonaws.com URLs.
func parseS3URL(raw string) (bucket, key string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	path := strings.TrimPrefix(u.Path, "/")

	if u.Scheme == "s3" {
		return u.Host, path, path != ""
	}
	host := strings.ToLower(u.Hostname())
	if !strings.HasSuffix(host, ".amazonaws.com") {
		return "", "", false
	}

	if pathStyleHost.MatchString(host) {
		b, k, found := strings.Cut(path, "/")
		return b, k, found && b != "" && k != ""
	}

	// virtual-hosted: <bucket>.s3.amazonaws.com or <bucket>.s3.<region>.amazonaws.com
	if i := strings.Index(host, ".s3."); i > 0 {
		return host[:i], path, path != ""
	}
	if i := strings.Index(host, ".s3-"); i > 0 {
		return host[:i], path, path != ""
	}
	return "", "", false
}

func httpFetch(ctx context.Context, client *http.Client, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	body, err := readLimited(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxFetchBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFetchBytes {
		return nil, ErrFileTooLarge
	}
	return body, nil
}
