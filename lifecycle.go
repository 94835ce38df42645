package offline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Install precaches Options.Precache into a new static generation for the
// configured version, and stages an empty runtime generation next to it.
// Any fetch failure or non-2xx answer aborts the install and leaves the
// active generations untouched. Unless ManualActivation is set the staged
// generations are activated right away. Installing the version that is
// already active is a no-op.
func (w *Worker) Install(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	sActive, err := w.static.Active(ctx)
	if err != nil {
		return err
	}
	rActive, err := w.runtime.Active(ctx)
	if err != nil {
		return err
	}
	if sActive == w.static.Name(w.version) {
		if rActive == w.runtime.Name(w.version) {
			w.log.Debug("install skipped, version already active", Fields{"generation": sActive})
			return nil
		}
		// an earlier activation flipped static but stopped before runtime
		w.log.Warn("finishing partial activation", Fields{"version": w.version, "runtime": rActive})
		if _, err := w.runtime.Stage(ctx, w.version, nil); err != nil {
			return err
		}
		_, err = w.activateLocked(ctx)
		return err
	}

	entries, err := w.precacheAll(ctx)
	if err != nil {
		w.log.Error("install aborted", Fields{"version": w.version, "err": err})
		return err
	}
	if _, err := w.static.Stage(ctx, w.version, entries); err != nil {
		return err
	}
	if _, err := w.runtime.Stage(ctx, w.version, nil); err != nil {
		_ = w.static.DeleteGeneration(ctx, w.static.Name(w.version))
		return err
	}
	v := w.version
	w.staged.Store(&v)
	w.log.Info("installed", Fields{"version": w.version, "entries": len(entries)})

	if w.manualActivation {
		return nil
	}
	_, err = w.activateLocked(ctx)
	return err
}

// Activate makes the staged generations of the configured version active in
// both namespaces and deletes every other generation. It returns the deleted
// generation names. A *RetireError means the flip succeeded but some stale
// generations could not be removed yet.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.activateLocked(ctx)
}

func (w *Worker) activateLocked(ctx context.Context) ([]string, error) {
	var (
		retired []string
		rerr    RetireError
	)
	for _, c := range []*GenerationCache{w.static, w.runtime} {
		names, err := c.Activate(ctx, w.version)
		retired = append(retired, names...)
		if err == nil {
			continue
		}
		var re *RetireError
		if !errors.As(err, &re) {
			return retired, err
		}
		rerr.merge(err)
	}
	w.staged.Store(nil)
	w.log.Info("activated", Fields{"version": w.version, "retired": retired})
	return retired, rerr.orNil()
}

func (w *Worker) precacheAll(ctx context.Context) (map[Key]Entry, error) {
	var (
		mu      sync.Mutex
		entries = make(map[Key]Entry, len(w.precache))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.installConcurrency)
	for _, raw := range w.precache {
		g.Go(func() error {
			key, err := NewKey(http.MethodGet, raw, w.base())
			if err != nil {
				return &InstallError{URL: raw, Err: err}
			}
			resp, err := w.fetch(gctx, &Request{Method: http.MethodGet, URL: key.URL})
			if err != nil {
				return &InstallError{URL: raw, Err: err}
			}
			if !resp.OK() {
				return &InstallError{URL: raw, Status: resp.Status}
			}
			mu.Lock()
			entries[key] = Entry{Status: resp.Status, Header: resp.Header.Clone(), Body: resp.Body, StoredAt: time.Now()}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Refresh re-fetches Options.RefreshURLs into the runtime cache. Individual
// failures are logged and skipped. It returns how many URLs were stored.
func (w *Worker) Refresh(ctx context.Context) int {
	var (
		mu     sync.Mutex
		stored int
	)
	var g errgroup.Group
	g.SetLimit(w.installConcurrency)
	for _, raw := range w.refreshURLs {
		g.Go(func() error {
			key, err := NewKey(http.MethodGet, raw, w.base())
			if err != nil {
				w.log.Warn("refresh: bad url", Fields{"url": raw, "err": err})
				return nil
			}
			resp, err := w.fetch(ctx, &Request{Method: http.MethodGet, URL: key.URL})
			if err != nil || !resp.OK() {
				w.log.Debug("refresh: skipped", Fields{"url": key.URL, "err": err})
				return nil
			}
			e := Entry{Status: resp.Status, Header: resp.Header.Clone(), Body: resp.Body, StoredAt: time.Now()}
			if err := w.runtime.Put(ctx, key, e); err != nil {
				w.hooks.CacheWriteFailed(NamespaceRuntime, key.String(), err)
				w.log.Warn("refresh: cache write failed", Fields{"url": key.URL, "err": err})
				return nil
			}
			mu.Lock()
			stored++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return stored
}
