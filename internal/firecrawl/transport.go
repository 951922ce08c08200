package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/54b3r/firestarter-go/internal/version"
)

// guardTransport sits under the SDK's http.Client. It binds every request
// to the caller's context, refuses any host other than the configured
// origin before credentials leave the process, and remembers the last
// error response so SDK errors can be reported as *APIError.
type guardTransport struct {
	ctx    context.Context
	origin *url.URL
	base   http.RoundTripper

	mu      sync.Mutex
	blocked error
	last    *APIError
}

// errorBody is the error envelope returned by the API.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (t *guardTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !sameOrigin(t.origin, req.URL) {
		err := fmt.Errorf("%w: %s://%s", ErrForeignHost, req.URL.Scheme, req.URL.Host)
		t.mu.Lock()
		t.blocked = err
		t.mu.Unlock()
		return nil, err
	}

	req = req.Clone(t.ctx)
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode/100 == 2 {
		return resp, err
	}

	raw, rerr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if rerr != nil {
		return nil, fmt.Errorf("firecrawl: read error response: %w", rerr)
	}
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	t.mu.Lock()
	t.last = &APIError{StatusCode: resp.StatusCode, Message: eb.Error}
	t.mu.Unlock()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return resp, nil
}

func (t *guardTransport) guardErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}

func (t *guardTransport) apiErr() *APIError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// sameOrigin reports whether u shares base's scheme, host and port.
// Default ports compare equal to an omitted port.
func sameOrigin(base, u *url.URL) bool {
	if base == nil || u == nil {
		return false
	}
	return strings.EqualFold(base.Scheme, u.Scheme) &&
		strings.EqualFold(base.Hostname(), u.Hostname()) &&
		effectivePort(base) == effectivePort(u)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}
