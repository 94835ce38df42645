package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	gen "github.com/unkn0wn-root/offline/genstore"
	"github.com/unkn0wn-root/offline/internal/util"
	"github.com/unkn0wn-root/offline/internal/wire"
	pr "github.com/unkn0wn-root/offline/provider"
)

const (
	NamespaceStatic  = "static"
	NamespaceRuntime = "runtime"
)

// Key identifies a cached response: method plus canonical URL.
type Key struct {
	Method string
	URL    string
}

// NewKey canonicalizes rawURL (resolved against base when relative).
func NewKey(method, rawURL, base string) (Key, error) {
	u, err := util.CanonicalURL(rawURL, base)
	if err != nil {
		return Key{}, err
	}
	return Key{Method: method, URL: u}, nil
}

func (k Key) String() string { return util.RequestKey(k.Method, k.URL) }

// Entry is a cached response. It is never modified after it is stored.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// GenerationCache is one cache namespace made of named generations. Exactly
// one generation is active; reads and runtime writes go to it. New
// generations are staged completely before Activate flips the pointer, so a
// reader sees either the old or the new generation in full.
type GenerationCache struct {
	ns       string
	prefix   string
	provider pr.Provider
	gens     gen.GenStore
	log      Logger
	hooks    Hooks

	// single writer: Put, Stage, Activate and deletions
	mu sync.Mutex
	// staged in this process and not yet activated; the janitor keeps them
	pending map[string]struct{}
}

type GenerationCacheConfig struct {
	Namespace string // required: "static", "runtime", ...
	Prefix    string // "" => "cloudstore"
	Provider  pr.Provider
	GenStore  gen.GenStore // nil => LocalGenStore
	Logger    Logger
	Hooks     Hooks
}

func NewGenerationCache(cfg GenerationCacheConfig) (*GenerationCache, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("offline: provider is required")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("offline: namespace is required")
	}
	c := &GenerationCache{
		ns:       cfg.Namespace,
		prefix:   coalesce(cfg.Prefix, "cloudstore"),
		provider: cfg.Provider,
		gens:     cfg.GenStore,
		log:      coalesce[Logger](cfg.Logger, NopLogger{}),
		hooks:    coalesce[Hooks](cfg.Hooks, NopHooks{}),
		pending:  make(map[string]struct{}),
	}
	if c.gens == nil {
		c.gens = gen.NewLocalGenStore()
	}
	return c, nil
}

func (c *GenerationCache) Namespace() string { return c.ns }

// Name returns the generation name for a version: <prefix>-<namespace>-<version>.
func (c *GenerationCache) Name(version string) string {
	return c.prefix + "-" + c.ns + "-" + version
}

// Active returns the active generation name, "" when none.
func (c *GenerationCache) Active(ctx context.Context) (string, error) {
	return c.gens.Active(ctx, c.ns)
}

// Generations lists every registered generation (active, staged and stale).
func (c *GenerationCache) Generations(ctx context.Context) ([]string, error) {
	return c.gens.List(ctx, c.ns)
}

// Get reads key from the active generation.
// Corrupt records are deleted and reported as a miss.
func (c *GenerationCache) Get(ctx context.Context, key Key) (Entry, bool, error) {
	active, err := c.gens.Active(ctx, c.ns)
	if err != nil || active == "" {
		return Entry{}, false, err
	}
	rk := key.String()
	sk := util.EntryKey(active, rk)
	raw, ok, err := c.provider.Get(ctx, sk)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	we, err := wire.DecodeEntry(raw)
	if err != nil {
		_ = c.provider.Del(ctx, sk) // self-heal corrupt
		c.hooks.SelfHeal(sk, "corrupt")
		return Entry{}, false, nil
	}
	if we.Key != rk {
		// hash collision with another request; not ours, leave it
		return Entry{}, false, nil
	}
	return fromWire(we), true, nil
}

// Put stores e under key in the active generation and records it in the
// generation manifest.
func (c *GenerationCache) Put(ctx context.Context, key Key, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.gens.Active(ctx, c.ns)
	if err != nil {
		return err
	}
	if active == "" {
		return ErrNoActive
	}
	sk, err := c.write(ctx, active, key, e)
	if err != nil {
		return err
	}
	keys, err := c.manifest(ctx, active)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == sk {
			return nil
		}
	}
	return c.writeManifest(ctx, active, append(keys, sk))
}

// Stage populates a new generation for version with entries and registers it
// without activating it. Staging the same version again replaces its content.
func (c *GenerationCache) Stage(ctx context.Context, version string, entries map[Key]Entry) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := c.Name(version)
	active, err := c.gens.Active(ctx, c.ns)
	if err != nil {
		return "", err
	}
	if name == active {
		return "", fmt.Errorf("offline: %s is active; bump the version to restage", name)
	}
	if err := c.deleteGeneration(ctx, name); err != nil {
		return "", err
	}

	keys := make([]Key, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	storage := make([]string, 0, len(keys))
	for _, k := range keys {
		sk, err := c.write(ctx, name, k, entries[k])
		if err != nil {
			c.discard(ctx, storage)
			return "", fmt.Errorf("stage %s: %w", name, err)
		}
		storage = append(storage, sk)
	}
	if err := c.writeManifest(ctx, name, storage); err != nil {
		c.discard(ctx, storage)
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	if err := c.gens.Register(ctx, c.ns, name); err != nil {
		return "", err
	}
	c.pending[name] = struct{}{}
	c.log.Debug("generation staged", Fields{"generation": name, "entries": len(storage)})
	return name, nil
}

// Activate flips the active pointer to the staged generation of version and
// deletes every other generation of this namespace. Deletion failures are
// returned as *RetireError; the flip has happened regardless.
func (c *GenerationCache) Activate(ctx context.Context, version string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := c.Name(version)
	active, err := c.gens.Active(ctx, c.ns)
	if err != nil {
		return nil, err
	}
	if name != active {
		known, err := c.gens.List(ctx, c.ns)
		if err != nil {
			return nil, err
		}
		if !contains(known, name) {
			return nil, fmt.Errorf("%w: %s", ErrNotStaged, name)
		}
		if _, err := c.gens.SetActive(ctx, c.ns, name); err != nil {
			return nil, err
		}
		delete(c.pending, name)
		c.log.Info("generation activated", Fields{"generation": name, "previous": active})
	}
	return c.retireStale(ctx, name)
}

// RetireStale deletes every generation that is neither active nor staged by
// this cache. Used by the janitor to retry failed deletions.
func (c *GenerationCache) RetireStale(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.gens.Active(ctx, c.ns)
	if err != nil || active == "" {
		return nil, err
	}
	return c.retireStale(ctx, active)
}

// DeleteGeneration removes every record of a generation. Deleting the active
// generation is refused.
func (c *GenerationCache) DeleteGeneration(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.gens.Active(ctx, c.ns)
	if err != nil {
		return err
	}
	if name == active {
		return fmt.Errorf("offline: refusing to delete active generation %s", name)
	}
	delete(c.pending, name)
	return c.deleteGeneration(ctx, name)
}

func (c *GenerationCache) retireStale(ctx context.Context, active string) ([]string, error) {
	known, err := c.gens.List(ctx, c.ns)
	if err != nil {
		return nil, err
	}
	var (
		retired []string
		rerr    RetireError
	)
	for _, name := range known {
		if name == active {
			continue
		}
		if _, ok := c.pending[name]; ok {
			continue
		}
		err := c.deleteGeneration(ctx, name)
		c.hooks.GenerationRetired(name, err)
		if err != nil {
			c.log.Warn("generation retire failed", Fields{"generation": name, "err": err})
			rerr.add(name, err)
			continue
		}
		retired = append(retired, name)
	}
	return retired, rerr.orNil()
}

// deleteGeneration removes entries listed in the manifest, then the manifest,
// then forgets the name. Caller holds mu.
func (c *GenerationCache) deleteGeneration(ctx context.Context, name string) error {
	keys, err := c.manifest(ctx, name)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		if err := c.provider.Del(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		// keep the manifest so a retry can find the leftovers
		return errors.Join(errs...)
	}
	if err := c.provider.Del(ctx, util.ManifestKey(name)); err != nil {
		return err
	}
	return c.gens.Forget(ctx, c.ns, name)
}

func (c *GenerationCache) write(ctx context.Context, generation string, key Key, e Entry) (string, error) {
	rk := key.String()
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	b, err := wire.EncodeEntry(toWire(rk, e))
	if err != nil {
		return "", err
	}
	sk := util.EntryKey(generation, rk)
	ok, err := c.provider.Set(ctx, sk, b, int64(len(b)), 0)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrRejected
	}
	return sk, nil
}

func (c *GenerationCache) manifest(ctx context.Context, generation string) ([]string, error) {
	mk := util.ManifestKey(generation)
	raw, ok, err := c.provider.Get(ctx, mk)
	if err != nil || !ok {
		return nil, err
	}
	keys, err := wire.DecodeManifest(raw)
	if err != nil {
		// entries written before the corruption are orphaned until the provider drops them
		_ = c.provider.Del(ctx, mk)
		c.hooks.SelfHeal(mk, "corrupt_manifest")
		return nil, nil
	}
	return keys, nil
}

func (c *GenerationCache) writeManifest(ctx context.Context, generation string, keys []string) error {
	b, err := wire.EncodeManifest(keys)
	if err != nil {
		return err
	}
	ok, err := c.provider.Set(ctx, util.ManifestKey(generation), b, int64(len(b)), 0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRejected
	}
	return nil
}

// discard best-effort removes entries of a failed stage.
func (c *GenerationCache) discard(ctx context.Context, storage []string) {
	for _, sk := range storage {
		_ = c.provider.Del(ctx, sk)
	}
}

func toWire(rk string, e Entry) wire.Entry {
	names := make([]string, 0, len(e.Header))
	for n := range e.Header {
		names = append(names, n)
	}
	sort.Strings(names)
	var hs []wire.Header
	for _, n := range names {
		for _, v := range e.Header[n] {
			hs = append(hs, wire.Header{Name: n, Value: v})
		}
	}
	return wire.Entry{
		Key:      rk,
		Status:   e.Status,
		StoredAt: e.StoredAt.UnixNano(),
		Headers:  hs,
		Body:     e.Body,
	}
}

func fromWire(we wire.Entry) Entry {
	h := make(http.Header, len(we.Headers))
	for _, wh := range we.Headers {
		h[wh.Name] = append(h[wh.Name], wh.Value)
	}
	return Entry{
		Status:   we.Status,
		Header:   h,
		Body:     bytes.Clone(we.Body), // we.Body aliases the provider's buffer
		StoredAt: time.Unix(0, we.StoredAt),
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
