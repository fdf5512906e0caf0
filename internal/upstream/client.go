package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"
)

// DefaultMaxBody caps how much of one origin response is buffered.
const DefaultMaxBody int64 = 32 << 20

// ErrBodyTooLarge is returned when an origin response exceeds the body cap.
var ErrBodyTooLarge = errors.New("origin response body too large")

// Response is a fully buffered origin response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client talks to the application origin. Any error it returns is a
// transport failure; HTTP error statuses are successful responses.
type Client struct {
	// MaxBody is the largest response body buffered, in bytes.
	MaxBody int64

	baseURL  *url.URL
	proxy    *http.Client
	fetching *http.Client
}

// NewClient builds a client for baseURL. resolver may be nil to use the
// system resolver on every dial.
func NewClient(baseURL string, timeout time.Duration, resolver *dnscache.Resolver) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	transport := NewTransport(resolver)
	return &Client{
		MaxBody: DefaultMaxBody,
		baseURL: u,
		proxy: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		fetching: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// NewTransport returns a pooled transport, dialing through resolver when
// one is given.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			var lastErr error
			for _, ip := range ips {
				conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		}
	}
	return t
}

// RefreshDNS refreshes resolver every interval until ctx is done.
func RefreshDNS(ctx context.Context, resolver *dnscache.Resolver, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}

// Do forwards r to the origin as-is and returns the origin's response,
// without following redirects.
func (c *Client) Do(ctx context.Context, r *http.Request) (*Response, error) {
	u := c.target(r.URL.Path, r.URL.RawPath, r.URL.RawQuery)

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)
	if r.Host != "" {
		req.Header.Set("X-Forwarded-Host", r.Host)
	}
	return c.do(c.proxy, req)
}

// Fetch GETs path from the origin, following redirects.
func (c *Client) Fetch(ctx context.Context, path string) (*Response, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.target(ref.Path, ref.RawPath, ref.RawQuery), nil)
	if err != nil {
		return nil, err
	}
	return c.do(c.fetching, req)
}

func (c *Client) do(client *http.Client, req *http.Request) (*Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	limit := c.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, req.URL.Path, limit)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		URL:        resp.Request.URL.String(),
	}, nil
}

func (c *Client) target(path, rawPath, rawQuery string) string {
	u := *c.baseURL
	base := strings.TrimRight(u.Path, "/")
	u.Path = base + path
	u.RawPath = ""
	if rawPath != "" {
		u.RawPath = strings.TrimRight(c.baseURL.EscapedPath(), "/") + rawPath
	}
	u.RawQuery = rawQuery
	return u.String()
}

// HopByHopHeaders are connection-scoped and never forwarded in either
// direction.
var HopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, hop := HopByHopHeaders[k]; hop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
