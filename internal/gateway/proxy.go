package gateway

import (
	"context"
	"net"
	"net/http"
)

// forwardedHeaders are copied from the client request to the upstream.
var forwardedHeaders = []string{
	"Authorization",
	"Content-Type",
	"Accept",
	"X-Request-Id",
}

type ServiceProxy struct {
	baseURL string
	client  *http.Client
}

// NewServiceProxy forwards to baseURL using a copy of client that never
// follows redirects, so upstream redirects reach the caller unchanged.
func NewServiceProxy(baseURL string, client *http.Client) *ServiceProxy {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &ServiceProxy{
		baseURL: baseURL,
		client:  &c,
	}
}

// ForwardRequest sends r upstream at path, keeping its method, query string,
// body and the headers listed in forwardedHeaders.
func (p *ServiceProxy) ForwardRequest(ctx context.Context, r *http.Request, path string) (*http.Response, error) {
	target := p.baseURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength

	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		req.Header.Set("X-Forwarded-For", host)
	}

	return p.client.Do(req)
}
