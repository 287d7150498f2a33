package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const maxProxyBody = 1 << 20

// Hop-by-hop headers are connection scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// Proxy forwards authorize and token traffic to the backend platform and
// hands back its reply untouched.
type Proxy struct {
	client *http.Client
	logger *slog.Logger
}

// ProxyResponse is a buffered backend reply.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewProxy builds a proxy that never follows redirects, so backend
// redirects reach the user agent.
func NewProxy(timeout time.Duration, logger *slog.Logger) *Proxy {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Proxy{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Do sends one request. A "Host" entry in header becomes the request host.
func (p *Proxy) Do(ctx context.Context, method, target string, header http.Header, body []byte) (*ProxyResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
	stripHopHeaders(req.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBody))
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	p.logger.Debug("proxy.response", "method", method, "target", req.URL.Redacted(), "status", resp.StatusCode)
	return &ProxyResponse{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

// writeProxyResponse replays a backend reply, merging multi-value headers
// and forcing no-store caching.
func writeProxyResponse(w http.ResponseWriter, resp *ProxyResponse) {
	h := w.Header()
	for k, vs := range resp.Header {
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	stripHopHeaders(h)
	setNoStore(h)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func stripHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
