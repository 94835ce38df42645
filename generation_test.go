package offline

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	gen "github.com/unkn0wn-root/offline/genstore"
	"github.com/unkn0wn-root/offline/internal/util"
)

func newTestCache(t *testing.T, mp *memProvider, h Hooks) *GenerationCache {
	t.Helper()
	c, err := NewGenerationCache(GenerationCacheConfig{
		Namespace: NamespaceStatic,
		Provider:  mp,
		GenStore:  gen.NewLocalGenStore(),
		Hooks:     h,
	})
	if err != nil {
		t.Fatalf("NewGenerationCache: %v", err)
	}
	return c
}

func key(t *testing.T, path string) Key {
	t.Helper()
	k, err := NewKey(http.MethodGet, path, testOrigin)
	if err != nil {
		t.Fatalf("NewKey(%q): %v", path, err)
	}
	return k
}

func entries(t *testing.T, version string, paths ...string) map[Key]Entry {
	t.Helper()
	out := make(map[Key]Entry, len(paths))
	for _, p := range paths {
		h := make(http.Header)
		h.Set("Content-Type", "text/html")
		out[key(t, p)] = Entry{Status: 200, Header: h, Body: []byte(version + ":" + p)}
	}
	return out
}

func mustStageActivate(t *testing.T, c *GenerationCache, version string, e map[Key]Entry) []string {
	t.Helper()
	ctx := context.Background()
	if _, err := c.Stage(ctx, version, e); err != nil {
		t.Fatalf("Stage(%s): %v", version, err)
	}
	retired, err := c.Activate(ctx, version)
	if err != nil {
		t.Fatalf("Activate(%s): %v", version, err)
	}
	return retired
}

func TestGenerationStageIsInvisibleUntilActivate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemProvider(), nil)

	if _, ok, err := c.Get(ctx, key(t, "/")); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}
	name, err := c.Stage(ctx, "v1", entries(t, "v1", "/"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if name != "cloudstore-static-v1" {
		t.Fatalf("generation name = %q", name)
	}
	if _, ok, _ := c.Get(ctx, key(t, "/")); ok {
		t.Fatalf("staged generation must not be readable before Activate")
	}
	if _, err := c.Activate(ctx, "v1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	e, ok, err := c.Get(ctx, key(t, "/"))
	if err != nil || !ok {
		t.Fatalf("Get after activate: ok=%v err=%v", ok, err)
	}
	if string(e.Body) != "v1:/" || e.Header.Get("Content-Type") != "text/html" || e.Status != 200 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.StoredAt.IsZero() {
		t.Fatalf("StoredAt not set")
	}
}

// Bumping v1 -> v2 makes v1-only keys miss and removes all v1 storage.
func TestGenerationVersionBumpRetiresOld(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	c := newTestCache(t, mp, nil)

	mustStageActivate(t, c, "v1", entries(t, "v1", "/", "/legacy.js"))
	if err := c.Put(ctx, key(t, "/api/files/recent"), Entry{Status: 200, Body: []byte("runtime")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	retired := mustStageActivate(t, c, "v2", entries(t, "v2", "/"))
	if len(retired) != 1 || retired[0] != "cloudstore-static-v1" {
		t.Fatalf("retired = %v", retired)
	}

	if _, ok, _ := c.Get(ctx, key(t, "/legacy.js")); ok {
		t.Fatalf("v1-only key must miss after v2 activation")
	}
	if e, ok, _ := c.Get(ctx, key(t, "/")); !ok || string(e.Body) != "v2:/" {
		t.Fatalf("expected v2 entry, ok=%v body=%q", ok, e.Body)
	}
	if left := mp.keysWith("cloudstore-static-v1"); len(left) != 0 {
		t.Fatalf("v1 storage left behind: %v", left)
	}
	gens, _ := c.Generations(ctx)
	if len(gens) != 1 || gens[0] != "cloudstore-static-v2" {
		t.Fatalf("generations = %v", gens)
	}
}

func TestGenerationPutRecordsManifest(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	c := newTestCache(t, mp, nil)

	if err := c.Put(ctx, key(t, "/a"), Entry{Status: 200}); !errors.Is(err, ErrNoActive) {
		t.Fatalf("Put without active generation: %v", err)
	}

	mustStageActivate(t, c, "v1", nil)
	k := key(t, "/api/files/recent")
	for i := 0; i < 3; i++ {
		if err := c.Put(ctx, k, Entry{Status: 200, Body: []byte{byte('0' + i)}}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	e, ok, _ := c.Get(ctx, k)
	if !ok || string(e.Body) != "2" {
		t.Fatalf("last Put must win, got ok=%v body=%q", ok, e.Body)
	}
	keys, err := c.manifest(ctx, "cloudstore-static-v1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("manifest = %v err=%v", keys, err)
	}

	if err := c.DeleteGeneration(ctx, "cloudstore-static-v1"); err == nil {
		t.Fatalf("deleting the active generation must be refused")
	}
}

func TestGenerationSelfHealsCorruptEntry(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	h := &recHooks{}
	c := newTestCache(t, mp, h)
	mustStageActivate(t, c, "v1", entries(t, "v1", "/"))

	k := key(t, "/")
	sk := util.EntryKey("cloudstore-static-v1", k.String())
	mp.m[sk] = []byte("garbage")

	if _, ok, err := c.Get(ctx, k); ok || err != nil {
		t.Fatalf("corrupt entry: ok=%v err=%v", ok, err)
	}
	if _, present := mp.m[sk]; present {
		t.Fatalf("corrupt entry was not deleted")
	}
	if got := h.snapshot().selfHeals; len(got) != 1 || got[0] != "corrupt" {
		t.Fatalf("self-heal hooks = %v", got)
	}
}

func TestGenerationActivateUnknownVersion(t *testing.T) {
	c := newTestCache(t, newMemProvider(), nil)
	if _, err := c.Activate(context.Background(), "v9"); !errors.Is(err, ErrNotStaged) {
		t.Fatalf("expected ErrNotStaged, got %v", err)
	}
}

func TestGenerationStageFailureLeavesNothingRegistered(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	c := newTestCache(t, mp, nil)
	mp.setFailSet(func(k string) bool { return strings.HasPrefix(k, "manifest:") })

	if _, err := c.Stage(ctx, "v1", entries(t, "v1", "/", "/styles.css")); err == nil {
		t.Fatalf("expected stage error")
	}
	gens, _ := c.Generations(ctx)
	if len(gens) != 0 {
		t.Fatalf("failed stage registered %v", gens)
	}
	if left := mp.keysWith("cloudstore-static-v1"); len(left) != 0 {
		t.Fatalf("failed stage left entries: %v", left)
	}
}

func TestGenerationRetireErrorThenRetry(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	h := &recHooks{}
	c := newTestCache(t, mp, h)
	mustStageActivate(t, c, "v1", entries(t, "v1", "/"))

	mp.setFailDel(func(k string) bool { return strings.Contains(k, "static-v1") })
	if _, err := c.Stage(ctx, "v2", entries(t, "v2", "/")); err != nil {
		t.Fatalf("Stage v2: %v", err)
	}
	_, err := c.Activate(ctx, "v2")
	var re *RetireError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RetireError, got %v", err)
	}
	if _, ok := re.Failed["cloudstore-static-v1"]; !ok || !errors.Is(err, errInjected) {
		t.Fatalf("RetireError content: %v", err)
	}
	if active, _ := c.Active(ctx); active != "cloudstore-static-v2" {
		t.Fatalf("flip must happen despite retire failure, active=%q", active)
	}

	mp.setFailDel(nil)
	retired, err := c.RetireStale(ctx)
	if err != nil || len(retired) != 1 || retired[0] != "cloudstore-static-v1" {
		t.Fatalf("RetireStale: retired=%v err=%v", retired, err)
	}
	if left := mp.keysWith("cloudstore-static-v1"); len(left) != 0 {
		t.Fatalf("v1 storage left behind: %v", left)
	}
	if hc := h.snapshot(); hc.retireErrors != 1 || len(hc.retired) != 1 {
		t.Fatalf("retire hooks: %+v", hc)
	}
}

func TestGenerationRetireKeepsStagedGeneration(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemProvider(), nil)
	mustStageActivate(t, c, "v1", entries(t, "v1", "/"))
	if _, err := c.Stage(ctx, "v2", entries(t, "v2", "/")); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	retired, err := c.RetireStale(ctx)
	if err != nil || len(retired) != 0 {
		t.Fatalf("staged generation must survive the janitor: retired=%v err=%v", retired, err)
	}
	if _, err := c.Activate(ctx, "v2"); err != nil {
		t.Fatalf("Activate staged: %v", err)
	}
}

// Once a reader observes the new generation as active, every one of its
// entries is readable.
func TestGenerationSwapIsAtomicForReaders(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newMemProvider(), nil)
	paths := []string{"/", "/offline.html", "/styles.css", "/js/app.js", "/manifest.json"}
	mustStageActivate(t, c, "v1", entries(t, "v1", paths...))
	keys := make([]Key, len(paths))
	for i, p := range paths {
		keys[i] = key(t, p)
	}

	var (
		stop    atomic.Bool
		wg      sync.WaitGroup
		partial atomic.Int64
	)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				active, _ := c.Active(ctx)
				if active != "cloudstore-static-v2" {
					continue
				}
				for _, k := range keys {
					e, ok, _ := c.Get(ctx, k)
					if !ok || !strings.HasPrefix(string(e.Body), "v2:") {
						partial.Add(1)
					}
				}
			}
		}()
	}

	mustStageActivate(t, c, "v2", entries(t, "v2", paths...))
	stop.Store(true)
	wg.Wait()
	if n := partial.Load(); n != 0 {
		t.Fatalf("%d reads saw an incomplete v2 generation", n)
	}
}
