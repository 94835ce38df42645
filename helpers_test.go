package offline

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	pr "github.com/unkn0wn-root/offline/provider"
	"github.com/unkn0wn-root/offline/queue"
)

type memProvider struct {
	mu      sync.Mutex
	m       map[string][]byte
	failSet func(key string) bool
	failDel func(key string) bool
}

var _ pr.Provider = (*memProvider)(nil)

var errInjected = errors.New("injected failure")

func newMemProvider() *memProvider { return &memProvider{m: make(map[string][]byte)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSet != nil && p.failSet(key) {
		return false, errInjected
	}
	p.m[key] = value
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDel != nil && p.failDel(key) {
		return errInjected
	}
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(context.Context) error { return nil }

// keysWith returns stored keys containing sub.
func (p *memProvider) keysWith(sub string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for k := range p.m {
		if strings.Contains(k, sub) {
			out = append(out, k)
		}
	}
	return out
}

func (p *memProvider) setFailSet(f func(string) bool) {
	p.mu.Lock()
	p.failSet = f
	p.mu.Unlock()
}

func (p *memProvider) setFailDel(f func(string) bool) {
	p.mu.Lock()
	p.failDel = f
	p.mu.Unlock()
}

// fakeNet answers by "METHOD /path". Unrouted requests get 404.
type fakeNet struct {
	mu     sync.Mutex
	down   bool
	routes map[string]func(*Request) (*Response, error)
	calls  []*Request
}

func newFakeNet() *fakeNet {
	return &fakeNet{routes: make(map[string]func(*Request) (*Response, error))}
}

func (n *fakeNet) Fetch(_ context.Context, req *Request) (*Response, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req)
	down := n.down
	var h func(*Request) (*Response, error)
	if u, err := url.Parse(req.URL); err == nil {
		h = n.routes[req.Method+" "+u.Path]
	}
	n.mu.Unlock()

	if down {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	if h == nil {
		return textResponse(http.StatusNotFound, "not found"), nil
	}
	return h(req)
}

func (n *fakeNet) handle(method, path string, h func(*Request) (*Response, error)) {
	n.mu.Lock()
	n.routes[method+" "+path] = h
	n.mu.Unlock()
}

func (n *fakeNet) serve(method, path string, status int, body string) {
	n.handle(method, path, func(*Request) (*Response, error) {
		return textResponse(status, body), nil
	})
}

func (n *fakeNet) setDown(down bool) {
	n.mu.Lock()
	n.down = down
	n.mu.Unlock()
}

// callsTo counts requests for a path.
func (n *fakeNet) callsTo(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, r := range n.calls {
		if u, err := url.Parse(r.URL); err == nil && u.Path == path {
			c++
		}
	}
	return c
}

func (n *fakeNet) callPaths() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.calls))
	for _, r := range n.calls {
		if u, err := url.Parse(r.URL); err == nil {
			out = append(out, u.Path)
		}
	}
	return out
}

func (n *fakeNet) reset() {
	n.mu.Lock()
	n.calls = nil
	n.mu.Unlock()
}

func textResponse(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &Response{Status: status, Header: h, Body: []byte(body)}
}

type recHooks struct {
	NopHooks
	mu           sync.Mutex
	selfHeals    []string
	writeFails   []string
	queued       []uint64
	skipped      int
	finished     []DrainResult
	retired      []string
	retireErrors int
}

func (h *recHooks) SelfHeal(k, reason string) {
	h.mu.Lock()
	h.selfHeals = append(h.selfHeals, reason)
	h.mu.Unlock()
}

func (h *recHooks) CacheWriteFailed(_, key string, _ error) {
	h.mu.Lock()
	h.writeFails = append(h.writeFails, key)
	h.mu.Unlock()
}

func (h *recHooks) Queued(op queue.Operation) {
	h.mu.Lock()
	h.queued = append(h.queued, op.ID)
	h.mu.Unlock()
}

func (h *recHooks) DrainSkipped(Trigger) {
	h.mu.Lock()
	h.skipped++
	h.mu.Unlock()
}

func (h *recHooks) DrainFinished(res DrainResult) {
	h.mu.Lock()
	h.finished = append(h.finished, res)
	h.mu.Unlock()
}

func (h *recHooks) GenerationRetired(name string, err error) {
	h.mu.Lock()
	if err != nil {
		h.retireErrors++
	} else {
		h.retired = append(h.retired, name)
	}
	h.mu.Unlock()
}

type hookCounts struct {
	selfHeals    []string
	writeFails   []string
	queued       []uint64
	skipped      int
	finished     []DrainResult
	retired      []string
	retireErrors int
}

func (h *recHooks) snapshot() hookCounts {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hookCounts{
		selfHeals:    append([]string(nil), h.selfHeals...),
		writeFails:   append([]string(nil), h.writeFails...),
		queued:       append([]uint64(nil), h.queued...),
		skipped:      h.skipped,
		finished:     append([]DrainResult(nil), h.finished...),
		retired:      append([]string(nil), h.retired...),
		retireErrors: h.retireErrors,
	}
}

const testOrigin = "https://cloud.test"

var testPrecache = []string{"/", "/offline.html", "/styles.css"}

// servePrecache routes every precache URL to a body tagged with version.
func servePrecache(n *fakeNet, version string, paths ...string) {
	for _, p := range paths {
		n.serve(http.MethodGet, p, http.StatusOK, version+":"+p)
	}
}

func newTestWorker(t *testing.T, mp pr.Provider, n Network, mutate func(*Options)) *Worker {
	t.Helper()
	opts := Options{
		Version:  "v1",
		Network:  n,
		Provider: mp,
		Origin:   testOrigin,
		Precache: testPrecache,
	}
	if mutate != nil {
		mutate(&opts)
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

// installedWorker returns a worker with v1 installed and active.
func installedWorker(t *testing.T, mutate func(*Options)) (*Worker, *fakeNet, *memProvider) {
	t.Helper()
	mp := newMemProvider()
	n := newFakeNet()
	servePrecache(n, "v1", testPrecache...)
	w := newTestWorker(t, mp, n, mutate)
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	n.reset()
	return w, n, mp
}

func settle(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Settle(ctx); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (w *Worker) pendingOrFail(t *testing.T) []queue.Operation {
	t.Helper()
	ops, err := w.Queue().ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	return ops
}
