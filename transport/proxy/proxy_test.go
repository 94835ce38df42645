package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/unkn0wn-root/offline"
	"github.com/unkn0wn-root/offline/provider/lru"
)

const origin = "https://cloud.test"

type upstream struct {
	down  atomic.Bool
	seen  atomic.Value // last *offline.Request
	calls atomic.Int64
}

func (u *upstream) Fetch(_ context.Context, req *offline.Request) (*offline.Response, error) {
	u.calls.Add(1)
	u.seen.Store(req)
	if u.down.Load() {
		return nil, errors.New("unreachable")
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/html")
	switch {
	case strings.HasSuffix(req.URL, "/offline.html"):
		return &offline.Response{Status: 200, Header: h, Body: []byte("offline page")}, nil
	case strings.HasSuffix(req.URL, "/"):
		return &offline.Response{Status: 200, Header: h, Body: []byte("shell")}, nil
	}
	return &offline.Response{Status: 201, Header: h, Body: []byte("created")}, nil
}

func newTestProxy(t *testing.T) (*httptest.Server, *offline.Worker, *upstream) {
	t.Helper()
	p, err := lru.New(128)
	if err != nil {
		t.Fatalf("lru.New: %v", err)
	}
	up := &upstream{}
	w, err := offline.New(offline.Options{
		Version:  "v1",
		Network:  up,
		Provider: p,
		Origin:   origin,
	})
	if err != nil {
		t.Fatalf("offline.New: %v", err)
	}
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	srv := httptest.NewServer(New(w, Options{Origin: origin}))
	t.Cleanup(func() {
		srv.Close()
		_ = w.Close(context.Background())
	})
	return srv, w, up
}

func do(t *testing.T, method, url string, body string, hdr map[string]string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestNavigationFromCacheAndOfflineFallback(t *testing.T) {
	srv, _, up := newTestProxy(t)
	up.down.Store(true)

	resp, body := do(t, http.MethodGet, srv.URL+"/", "", map[string]string{"Sec-Fetch-Mode": "navigate"})
	if resp.StatusCode != 200 || body != "shell" || resp.Header.Get(offline.HeaderSource) != "static" {
		t.Fatalf("status=%d body=%q source=%q", resp.StatusCode, body, resp.Header.Get(offline.HeaderSource))
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/dashboard/files.html", "", map[string]string{"Accept": "text/html,application/xhtml+xml"})
	if body != "offline page" || resp.Header.Get(offline.HeaderSource) != "offline" {
		t.Fatalf("fallback: body=%q source=%q", body, resp.Header.Get(offline.HeaderSource))
	}
}

func TestWriteIsQueuedThenSynced(t *testing.T) {
	srv, w, up := newTestProxy(t)
	up.down.Store(true)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/files?folder=1", `{"name":"a.txt"}`, map[string]string{
		"Content-Type": "application/json",
		"Connection":   "keep-alive",
	})
	if resp.StatusCode != http.StatusAccepted || body != `{"queued":true,"id":1}` {
		t.Fatalf("queued: status=%d body=%q", resp.StatusCode, body)
	}
	ops, _ := w.Queue().ListAll(context.Background())
	if len(ops) != 1 || ops[0].URL != origin+"/api/files?folder=1" || ops[0].Body != `{"name":"a.txt"}` {
		t.Fatalf("ops = %+v", ops)
	}
	for _, h := range ops[0].Headers {
		if h.Name == "Connection" {
			t.Fatalf("hop-by-hop header queued: %+v", ops[0].Headers)
		}
	}

	up.down.Store(false)
	resp, body = do(t, http.MethodPost, srv.URL+"/__offline/sync/"+offline.TagSyncRequests, "", nil)
	if resp.StatusCode != 200 || !strings.Contains(body, `"replayed":1`) {
		t.Fatalf("sync: status=%d body=%q", resp.StatusCode, body)
	}
	last := up.seen.Load().(*offline.Request)
	if last.Header.Get(offline.HeaderIdempotencyKey) == "" {
		t.Fatalf("replay without idempotency key: %v", last.Header)
	}
}

func TestControlEndpoints(t *testing.T) {
	srv, _, _ := newTestProxy(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/__offline/sync/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown tag status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/__offline/message", `not json`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad message status = %d", resp.StatusCode)
	}
	resp, body := do(t, http.MethodPost, srv.URL+"/__offline/message", `{"type":"SKIP_WAITING"}`, nil)
	if resp.StatusCode != 200 || !strings.Contains(body, `"event":"message"`) {
		t.Fatalf("message: status=%d body=%q", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/__offline/push", "hello", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("push status = %d", resp.StatusCode)
	}
}

func TestMode(t *testing.T) {
	cases := []struct {
		method string
		hdr    map[string]string
		want   offline.Mode
	}{
		{"GET", map[string]string{"Sec-Fetch-Mode": "navigate"}, offline.ModeNavigate},
		{"GET", map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, offline.ModeDefault},
		{"GET", map[string]string{"Accept": "text/html"}, offline.ModeNavigate},
		{"POST", map[string]string{"Accept": "text/html"}, offline.ModeDefault},
		{"GET", map[string]string{"Accept": "application/json"}, offline.ModeDefault},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(tc.method, "/", nil)
		for k, v := range tc.hdr {
			r.Header.Set(k, v)
		}
		if got := mode(r); got != tc.want {
			t.Fatalf("mode(%s %v) = %v want %v", tc.method, tc.hdr, got, tc.want)
		}
	}
}
