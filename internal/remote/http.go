// Package remote talks to the island board: paged thread and reply
// listings, the section list, and posting.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Failure classes of a remote call. Errors returned by this package wrap
// exactly one of them.
var (
	ErrNetwork = errors.New("network failure")
	ErrParse   = errors.New("parse failure")
)

const (
	userAgent    = "IslandSync/1.0"
	maxBodyBytes = 5 * 1024 * 1024
	cookieName   = "userhash"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CookieSource supplies the session cookie sent with every request.
type CookieSource interface {
	CookieInUse() string
}

// NoCookie is a CookieSource for anonymous access.
type NoCookie struct{}

// CookieInUse always returns an empty cookie.
func (NoCookie) CookieInUse() string { return "" }

func resolve(base *url.URL, path string, query url.Values) string {
	u := base.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func newRequest(ctx context.Context, method, target string, body io.Reader, cookie string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: cookieName, Value: cookie})
	}
	return req, nil
}

// do sends req and returns the size-capped body of a 200 response.
func do(client HTTPClient, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s %s: unexpected status %d", ErrNetwork, req.Method, req.URL.Path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}
	return body, nil
}
