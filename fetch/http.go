// Package fetch provides offline.Network implementations.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/unkn0wn-root/offline"
)

const defaultMaxBody = 32 << 20

// HTTP fetches over net/http. Relative request URLs are resolved against
// Upstream, and absolute URLs whose origin matches PublicOrigin are rewritten
// to Upstream so a proxy in front of the app can reach the real backend.
type HTTP struct {
	client       *http.Client
	upstream     *url.URL
	publicOrigin *url.URL
	maxBody      int64
}

var _ offline.Network = (*HTTP)(nil)

type HTTPConfig struct {
	Upstream     string        // required, e.g. "http://127.0.0.1:9000"
	PublicOrigin string        // optional; origin the app sees
	Client       *http.Client  // nil => client with Timeout
	Timeout      time.Duration // 0 => 30s; ignored when Client is set
	MaxBody      int64         // response body limit; 0 => 32 MiB
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	up, err := url.Parse(cfg.Upstream)
	if err != nil || up.Scheme == "" || up.Host == "" {
		return nil, fmt.Errorf("fetch: upstream %q must be an absolute URL", cfg.Upstream)
	}
	h := &HTTP{upstream: up, client: cfg.Client, maxBody: cfg.MaxBody}
	if cfg.PublicOrigin != "" {
		if h.publicOrigin, err = url.Parse(cfg.PublicOrigin); err != nil {
			return nil, fmt.Errorf("fetch: public origin: %w", err)
		}
	}
	if h.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		h.client = &http.Client{Timeout: timeout}
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultMaxBody
	}
	return h, nil
}

// Fetch returns an error only when no response was received.
func (h *HTTP) Fetch(ctx context.Context, req *offline.Request) (*offline.Response, error) {
	target, err := h.target(req.URL)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}

	resp, err := h.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	if int64(len(b)) > h.maxBody {
		return nil, fmt.Errorf("fetch: %s: body exceeds %d bytes", target, h.maxBody)
	}
	return &offline.Response{Status: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func (h *HTTP) target(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() {
		return h.upstream.ResolveReference(u).String(), nil
	}
	if h.publicOrigin != nil && u.Scheme == h.publicOrigin.Scheme && u.Host == h.publicOrigin.Host {
		u.Scheme = h.upstream.Scheme
		u.Host = h.upstream.Host
	}
	return u.String(), nil
}
