package offline

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/unkn0wn-root/offline/internal/util"
	"github.com/unkn0wn-root/offline/queue"
)

const HeaderSource = "X-Offline-Source"

// decision is the outcome of routing: the response for the caller and an
// optional runtime cache write to run afterwards.
type decision struct {
	resp  *Response
	store *pendingWrite
}

type pendingWrite struct {
	key   Key
	entry Entry
}

// Handle answers req. It never fails: degraded outcomes are synthetic
// responses (SourceQueued, SourceOffline, SourceUnavailable). Cache writes
// caused by the request are scheduled after the response is decided and are
// not awaited; see Settle.
func (w *Worker) Handle(ctx context.Context, req *Request) *Response {
	r := w.route(ctx, req)
	if r.store != nil {
		w.schedulePut(r.store.key, r.store.entry)
	}
	w.hooks.Served(req.Method, r.resp.Source, r.resp.Status)
	return r.resp
}

func (w *Worker) route(ctx context.Context, req *Request) decision {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	canon, err := util.CanonicalURL(req.URL, w.base())
	if err != nil {
		w.log.Debug("uncanonical url, passing through", Fields{"url": req.URL, "err": err})
		return w.passthrough(ctx, req)
	}
	u, _ := url.Parse(canon)
	out := *req
	out.Method = method
	out.URL = canon

	switch {
	case w.crossOrigin(u):
		return w.passthrough(ctx, &out)
	case isWrite(method) && matchAny(u.Path, w.writes):
		return w.handleWrite(ctx, &out, u)
	case req.Mode == ModeNavigate && (method == http.MethodGet || method == http.MethodHead):
		return w.handleNavigate(ctx, &out)
	case method == http.MethodGet && prefixAny(u.Path, w.apis):
		return w.handleAPIRead(ctx, &out)
	case method == http.MethodGet || method == http.MethodHead:
		return w.handleCacheFirst(ctx, &out)
	default:
		return w.passthrough(ctx, &out)
	}
}

func (w *Worker) handleWrite(ctx context.Context, req *Request, u *url.URL) decision {
	resp, err := w.fetch(ctx, req)
	if err == nil {
		return decision{resp: network(resp)}
	}
	kind := queue.KindRequest
	if matchAny(u.Path, w.uploads) {
		kind = queue.KindUpload
	}
	op, qerr := w.queue.Enqueue(ctx, queue.Operation{
		Kind:    kind,
		URL:     req.URL,
		Method:  req.Method,
		Headers: toQueueHeaders(req.Header),
		Body:    string(req.Body),
	})
	if qerr != nil {
		w.hooks.EnqueueFailed(req.URL, qerr)
		w.log.Error("enqueue failed", Fields{"url": req.URL, "method": req.Method, "err": qerr})
		return decision{resp: unavailable()}
	}
	w.hooks.Queued(op)
	w.log.Info("write queued", Fields{"id": op.ID, "kind": string(op.Kind), "url": op.URL, "cause": err})
	return decision{resp: queued(op.ID)}
}

func (w *Worker) handleNavigate(ctx context.Context, req *Request) decision {
	key := Key{Method: http.MethodGet, URL: req.URL}
	if r, ok := w.lookup(ctx, key, req.Method); ok {
		return decision{resp: r}
	}
	resp, err := w.fetch(ctx, req)
	if err == nil {
		return w.withWriteThrough(req, resp)
	}
	if page, perr := NewKey(http.MethodGet, w.offlinePage, w.base()); perr == nil {
		if e, ok := w.get(ctx, w.static, page); ok {
			r := fromEntry(e, SourceOffline, false)
			return decision{resp: r}
		}
	}
	return decision{resp: unavailable()}
}

func (w *Worker) handleAPIRead(ctx context.Context, req *Request) decision {
	resp, err := w.fetch(ctx, req)
	if err == nil {
		return w.withWriteThrough(req, resp)
	}
	if e, ok := w.get(ctx, w.runtime, Key{Method: http.MethodGet, URL: req.URL}); ok {
		return decision{resp: fromEntry(e, SourceRuntime, false)}
	}
	return decision{resp: unavailable()}
}

func (w *Worker) handleCacheFirst(ctx context.Context, req *Request) decision {
	if r, ok := w.lookup(ctx, Key{Method: http.MethodGet, URL: req.URL}, req.Method); ok {
		return decision{resp: r}
	}
	resp, err := w.fetch(ctx, req)
	if err != nil {
		return decision{resp: unavailable()}
	}
	return w.withWriteThrough(req, resp)
}

func (w *Worker) passthrough(ctx context.Context, req *Request) decision {
	resp, err := w.fetch(ctx, req)
	if err != nil {
		return decision{resp: unavailable()}
	}
	return decision{resp: network(resp)}
}

// lookup tries static then runtime. HEAD requests are answered from the GET
// entry without a body.
func (w *Worker) lookup(ctx context.Context, key Key, method string) (*Response, bool) {
	head := method == http.MethodHead
	if e, ok := w.get(ctx, w.static, key); ok {
		return fromEntry(e, SourceStatic, head), true
	}
	if e, ok := w.get(ctx, w.runtime, key); ok {
		return fromEntry(e, SourceRuntime, head), true
	}
	return nil, false
}

// get treats cache errors as misses.
func (w *Worker) get(ctx context.Context, c *GenerationCache, key Key) (Entry, bool) {
	e, ok, err := c.Get(ctx, key)
	if err != nil {
		w.log.Warn("cache read failed", Fields{"namespace": c.Namespace(), "key": key.String(), "err": err})
		return Entry{}, false
	}
	return e, ok
}

// withWriteThrough returns the network response and, for cacheable GETs,
// plans a runtime cache write of a private copy.
func (w *Worker) withWriteThrough(req *Request, resp *Response) decision {
	r := decision{resp: network(resp)}
	if req.Method != http.MethodGet || !resp.OK() || noStore(resp.Header) {
		return r
	}
	r.store = &pendingWrite{
		key: Key{Method: http.MethodGet, URL: req.URL},
		entry: Entry{
			Status:   resp.Status,
			Header:   resp.Header.Clone(),
			Body:     bytes.Clone(resp.Body),
			StoredAt: time.Now(),
		},
	}
	return r
}

func (w *Worker) schedulePut(key Key, e Entry) {
	ok := w.persist.schedule(func(ctx context.Context) {
		if err := w.runtime.Put(ctx, key, e); err != nil {
			w.hooks.CacheWriteFailed(NamespaceRuntime, key.String(), err)
			w.log.Warn("runtime cache write failed", Fields{"key": key.String(), "err": err})
		}
	})
	if !ok {
		w.hooks.CacheWriteFailed(NamespaceRuntime, key.String(), ErrPersistBacklog)
		w.log.Warn("runtime cache write dropped", Fields{"key": key.String()})
	}
}

func (w *Worker) base() string {
	if w.origin == nil {
		return ""
	}
	return w.origin.String()
}

func (w *Worker) crossOrigin(u *url.URL) bool {
	if w.origin == nil || !u.IsAbs() {
		return false
	}
	return u.Scheme != w.origin.Scheme || u.Host != w.origin.Host
}

func network(resp *Response) *Response {
	resp.Source = SourceNetwork
	return resp
}

func fromEntry(e Entry, src Source, head bool) *Response {
	r := &Response{Status: e.Status, Header: e.Header.Clone(), Source: src}
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	if !head {
		r.Body = e.Body
	}
	return r
}

func queued(id uint64) *Response {
	body, _ := json.Marshal(struct {
		Queued bool   `json:"queued"`
		ID     uint64 `json:"id"`
	}{true, id})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set(HeaderSource, string(SourceQueued))
	return &Response{Status: http.StatusAccepted, Header: h, Body: body, Source: SourceQueued}
}

func unavailable() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set(HeaderSource, string(SourceUnavailable))
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   []byte(`{"error":"offline"}`),
		Source: SourceUnavailable,
	}
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func matchAny(path string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func prefixAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func noStore(h http.Header) bool {
	for _, v := range h.Values("Cache-Control") {
		if strings.Contains(strings.ToLower(v), "no-store") {
			return true
		}
	}
	return false
}

func toQueueHeaders(h http.Header) []queue.Header {
	names := make([]string, 0, len(h))
	for n := range h {
		names = append(names, n)
	}
	sort.Strings(names)
	var out []queue.Header
	for _, n := range names {
		for _, v := range h[n] {
			out = append(out, queue.Header{Name: n, Value: v})
		}
	}
	return out
}

func fromQueueHeaders(hs []queue.Header) http.Header {
	h := make(http.Header, len(hs))
	for _, qh := range hs {
		h.Add(qh.Name, qh.Value)
	}
	return h
}
