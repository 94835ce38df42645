package offline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gen "github.com/unkn0wn-root/offline/genstore"
	"github.com/unkn0wn-root/offline/queue"
)

const defaultCleanup = time.Hour

// Worker is the offline coordinator. It is safe for concurrent use.
type Worker struct {
	version     string
	origin      *url.URL
	scope       string
	net         Network
	static      *GenerationCache
	runtime     *GenerationCache
	gens        gen.GenStore
	queue       queue.Store
	log         Logger
	hooks       Hooks
	notifier    Notifier
	persist     *persister
	dispatch    map[EventKind]handler
	precache    []string
	refreshURLs []string
	offlinePage string
	writes      []string
	uploads     []string
	apis        []string

	installConcurrency int
	syncInterval       time.Duration
	cleanupInterval    time.Duration
	manualActivation   bool

	online    atomic.Bool
	syncState atomic.Int32
	staged    atomic.Pointer[string]
	lastDrain atomic.Pointer[DrainResult]

	// serializes Install and Activate
	lifecycle sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	stop      chan struct{}
	bgMu      sync.Mutex // orders bg.Add against Close
	bg        sync.WaitGroup
}

func New(opts Options) (*Worker, error) {
	if opts.Version == "" {
		return nil, fmt.Errorf("offline: version is required")
	}
	if opts.Network == nil {
		return nil, fmt.Errorf("offline: network is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("offline: provider is required")
	}

	w := &Worker{
		version:  opts.Version,
		scope:    coalesce(opts.Scope, "/"),
		net:      opts.Network,
		gens:     opts.GenStore,
		queue:    opts.Queue,
		notifier: opts.Notifier,
		stop:     make(chan struct{}),
	}
	if opts.Origin != "" {
		o, err := url.Parse(opts.Origin)
		if err != nil || o.Scheme == "" || o.Host == "" {
			return nil, fmt.Errorf("offline: origin %q must be an absolute URL", opts.Origin)
		}
		w.origin = &url.URL{Scheme: strings.ToLower(o.Scheme), Host: strings.ToLower(o.Host)}
	}

	// defaults
	w.log = coalesce[Logger](opts.Logger, NopLogger{})
	w.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	w.offlinePage = coalesce(opts.OfflinePage, "/offline.html")
	w.installConcurrency = coalesce(opts.InstallConcurrency, 4)
	w.syncInterval = opts.SyncInterval
	w.cleanupInterval = coalesce(opts.CleanupInterval, defaultCleanup)
	w.manualActivation = opts.ManualActivation
	w.precache = orDefault(opts.Precache, []string{"/", w.offlinePage})
	w.refreshURLs = orDefault(opts.RefreshURLs, defaultRefreshURLs)
	w.writes = orDefault(opts.WritePatterns, defaultWritePatterns)
	w.uploads = orDefault(opts.UploadPatterns, defaultUploadPatterns)
	w.apis = orDefault(opts.APIPrefixes, defaultAPIPrefixes)

	if w.gens == nil {
		w.gens = gen.NewLocalGenStore()
	}
	if w.queue == nil {
		w.queue = queue.NewMemory()
	}

	var err error
	mk := func(ns string) (*GenerationCache, error) {
		return NewGenerationCache(GenerationCacheConfig{
			Namespace: ns,
			Prefix:    opts.Prefix,
			Provider:  opts.Provider,
			GenStore:  w.gens,
			Logger:    w.log,
			Hooks:     w.hooks,
		})
	}
	if w.static, err = mk(NamespaceStatic); err != nil {
		return nil, err
	}
	if w.runtime, err = mk(NamespaceRuntime); err != nil {
		return nil, err
	}

	w.online.Store(true)
	w.persist = newPersister(coalesce(opts.PersistQueue, 256))
	w.dispatch = w.handlers()
	return w, nil
}

// Static and Runtime expose the two cache namespaces.
func (w *Worker) Static() *GenerationCache  { return w.static }
func (w *Worker) Runtime() *GenerationCache { return w.runtime }

// Queue exposes the pending-operation store.
func (w *Worker) Queue() queue.Store { return w.queue }

// Settle waits until every scheduled write-behind cache write has finished.
func (w *Worker) Settle(ctx context.Context) error { return w.persist.settle(ctx) }

// Start launches the background loops: the periodic drain (when
// SyncInterval > 0) and the janitor retiring stale generations.
// It returns immediately; Close stops the loops.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		if w.syncInterval > 0 {
			w.loop(ctx, w.syncInterval, func(ctx context.Context) {
				if _, _, err := w.Drain(ctx, TriggerPeriodic); err != nil {
					w.log.Warn("periodic drain failed", Fields{"err": err})
				}
			})
		}
		w.loop(ctx, w.cleanupInterval, w.janitor)
	})
}

func (w *Worker) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fn(ctx)
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// janitor retries deletion of generations a previous activation left behind.
func (w *Worker) janitor(ctx context.Context) {
	for _, c := range []*GenerationCache{w.static, w.runtime} {
		retired, err := c.RetireStale(ctx)
		if err != nil {
			w.log.Warn("janitor retire failed", Fields{"namespace": c.Namespace(), "err": err})
			continue
		}
		if len(retired) > 0 {
			w.log.Info("janitor retired generations", Fields{"namespace": c.Namespace(), "generations": retired})
		}
	}
}

// Close stops background loops, flushes write-behind writes and closes the
// queue, the generation store and the provider.
func (w *Worker) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		w.bgMu.Lock()
		w.closed.Store(true)
		w.bgMu.Unlock()
		close(w.stop)
		w.bg.Wait()
		w.persist.close()

		errs := []error{w.queue.Close(ctx), w.gens.Close(ctx), w.static.provider.Close(ctx)}
		err = errors.Join(errs...)
	})
	return err
}

// SetOnline records connectivity. An offline worker answers from caches and
// queues writes without touching the network. Going back online starts a
// drain in the background.
func (w *Worker) SetOnline(online bool) {
	was := w.online.Swap(online)
	if online && !was {
		w.bgMu.Lock()
		defer w.bgMu.Unlock()
		if w.closed.Load() {
			return
		}
		w.log.Info("connectivity restored", nil)
		w.bg.Add(1)
		go func() {
			defer w.bg.Done()
			if _, _, err := w.Drain(context.Background(), TriggerOnline); err != nil {
				w.log.Warn("drain after reconnect failed", Fields{"err": err})
			}
		}()
	} else if !online && was {
		w.log.Info("connectivity lost", nil)
	}
}

func (w *Worker) Online() bool { return w.online.Load() }

// Status is a point-in-time view of the worker.
type Status struct {
	Version           string       `json:"version"`
	Online            bool         `json:"online"`
	Sync              SyncState    `json:"sync"`
	StaticGeneration  string       `json:"staticGeneration"`
	RuntimeGeneration string       `json:"runtimeGeneration"`
	Staged            string       `json:"staged,omitempty"`
	LastDrain         *DrainResult `json:"lastDrain,omitempty"`
}

func (w *Worker) Status(ctx context.Context) (Status, error) {
	st := Status{
		Version:   w.version,
		Online:    w.online.Load(),
		Sync:      SyncState(w.syncState.Load()),
		LastDrain: w.lastDrain.Load(),
	}
	if v := w.staged.Load(); v != nil {
		st.Staged = *v
	}
	var err error
	if st.StaticGeneration, err = w.static.Active(ctx); err != nil {
		return st, err
	}
	if st.RuntimeGeneration, err = w.runtime.Active(ctx); err != nil {
		return st, err
	}
	return st, nil
}

// fetch goes to the network unless the worker is marked offline.
func (w *Worker) fetch(ctx context.Context, req *Request) (*Response, error) {
	if !w.online.Load() {
		return nil, ErrOffline
	}
	resp, err := w.net.Fetch(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("offline: network returned no response")
	}
	return resp, err
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
