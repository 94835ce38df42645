package offline

import (
	"context"
	"net/http"
	"time"

	gen "github.com/unkn0wn-root/offline/genstore"
	pr "github.com/unkn0wn-root/offline/provider"
	"github.com/unkn0wn-root/offline/queue"
)

// Mode is the request mode as seen by the coordinator.
type Mode int

const (
	ModeDefault  Mode = iota
	ModeNavigate      // top-level document load
)

// Source tells where a Response came from.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceStatic      Source = "static"
	SourceRuntime     Source = "runtime"
	SourceOffline     Source = "offline"     // the offline fallback page
	SourceQueued      Source = "queued"      // synthetic 202 for a queued write
	SourceUnavailable Source = "unavailable" // synthetic 503
)

// Request is an outgoing request issued by the application.
// URL may be absolute or relative to Options.Origin.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Mode   Mode
}

// Response is what the coordinator hands back. It is never nil.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r != nil && r.Status >= 200 && r.Status < 300 }

// Network performs real fetches. An error means the request never got an
// answer (transport failure); any HTTP status, 5xx included, is a response.
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// NetworkFunc adapts a function to Network.
type NetworkFunc func(ctx context.Context, req *Request) (*Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// Options tune the worker. Version, Network and Provider are required; others
// have defaults matching the CloudStore dashboard.
type Options struct {
	// Required
	Version  string // cache version tag, e.g. "v1"; bump to migrate
	Network  Network
	Provider pr.Provider // backs both cache namespaces

	Prefix   string       // generation name prefix; "" => "cloudstore"
	Origin   string       // e.g. "https://cloud.example"; "" => every URL is same-origin
	Scope    string       // notification target URL; "" => "/"
	GenStore gen.GenStore // nil => LocalGenStore
	Queue    queue.Store  // nil => queue.NewMemory() (not durable)

	Precache       []string // app shell; nil => "/" and OfflinePage
	RefreshURLs    []string // refreshed by the "update-content" periodic sync
	OfflinePage    string   // "" => "/offline.html"
	WritePatterns  []string // substrings of the path; nil => "/api/", "/upload"
	UploadPatterns []string // nil => "/upload"
	APIPrefixes    []string // nil => "/api/"

	InstallConcurrency int           // 0 => 4
	SyncInterval       time.Duration // 0 => no periodic drain
	CleanupInterval    time.Duration // 0 => 1h
	PersistQueue       int           // write-behind buffer; 0 => 256
	ManualActivation   bool          // stage on install; activate on SKIP_WAITING or Activate

	Notifier Notifier // nil => push events are logged and dropped
	Logger   Logger   // if nil, NopLogger is used
	Hooks    Hooks    // if nil, NopHooks is used
}

var (
	defaultRefreshURLs = []string{
		"/api/user/storage",
		"/api/files/recent",
		"/api/notifications",
	}
	defaultWritePatterns  = []string{"/api/", "/upload"}
	defaultUploadPatterns = []string{"/upload"}
	defaultAPIPrefixes    = []string{"/api/"}
)
