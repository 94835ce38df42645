package mgmt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	"github.com/longbridgeapp/assert"

	"github.com/unkn0wn-root/offline"
	"github.com/unkn0wn-root/offline/queue"
)

type fakeWorker struct {
	q          *queue.Memory
	online     atomic.Bool
	busy       bool
	activateFn func() ([]string, error)
	syncs      atomic.Int32
}

func (f *fakeWorker) Status(context.Context) (offline.Status, error) {
	return offline.Status{Version: "v7", Online: f.online.Load(), StaticGeneration: "cloudstore-static-v7"}, nil
}

func (f *fakeWorker) Queue() queue.Store { return f.q }

func (f *fakeWorker) SyncNow(context.Context) (offline.DrainResult, bool, error) {
	if f.busy {
		return offline.DrainResult{}, false, nil
	}
	f.syncs.Add(1)
	return offline.DrainResult{Trigger: offline.TriggerManual, Attempted: 2, Replayed: 2}, true, nil
}

func (f *fakeWorker) SetOnline(online bool) { f.online.Store(online) }

func (f *fakeWorker) Activate(context.Context) ([]string, error) {
	if f.activateFn != nil {
		return f.activateFn()
	}
	return []string{"cloudstore-static-v6"}, nil
}

func newFake(t *testing.T) *fakeWorker {
	t.Helper()
	f := &fakeWorker{q: queue.NewMemory()}
	f.online.Store(true)
	return f
}

func do(t *testing.T, s *Server, method, path string) (int, string) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(method, path, nil))
	assert.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthAndState(t *testing.T) {
	s := New("127.0.0.1:0", newFake(t))

	code, body := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = do(t, s, http.MethodGet, "/state")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, `"version":"v7"`))
	assert.True(t, strings.Contains(body, `"staticGeneration":"cloudstore-static-v7"`))
}

func TestQueueListing(t *testing.T) {
	f := newFake(t)
	s := New("127.0.0.1:0", f)

	_, body := do(t, s, http.MethodGet, "/queue")
	assert.True(t, strings.Contains(body, `"count":0`))
	assert.True(t, strings.Contains(body, `"operations":[]`))

	_, err := f.q.Enqueue(context.Background(), queue.Operation{URL: "https://cloud.test/api/files", Method: http.MethodPost, Body: "{}"})
	assert.NoError(t, err)

	_, body = do(t, s, http.MethodGet, "/queue")
	assert.True(t, strings.Contains(body, `"count":1`))
	assert.True(t, strings.Contains(body, "https://cloud.test/api/files"))
}

func TestSyncConflictWhenDraining(t *testing.T) {
	f := newFake(t)
	s := New("127.0.0.1:0", f)

	code, body := do(t, s, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, `"replayed":2`))
	assert.Equal(t, int32(1), f.syncs.Load())

	f.busy = true
	code, _ = do(t, s, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, int32(1), f.syncs.Load())
}

func TestConnectivityToggles(t *testing.T) {
	f := newFake(t)
	s := New("127.0.0.1:0", f)

	code, _ := do(t, s, http.MethodPost, "/offline")
	assert.Equal(t, http.StatusAccepted, code)
	assert.False(t, f.online.Load())

	code, _ = do(t, s, http.MethodPost, "/online")
	assert.Equal(t, http.StatusAccepted, code)
	assert.True(t, f.online.Load())
}

func TestActivateOutcomes(t *testing.T) {
	f := newFake(t)
	s := New("127.0.0.1:0", f)

	code, body := do(t, s, http.MethodPost, "/activate")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "cloudstore-static-v6"))

	f.activateFn = func() ([]string, error) { return nil, offline.ErrNotStaged }
	code, _ = do(t, s, http.MethodPost, "/activate")
	assert.Equal(t, http.StatusConflict, code)

	f.activateFn = func() ([]string, error) {
		return nil, &offline.RetireError{Failed: map[string]error{"cloudstore-static-v5": io.ErrUnexpectedEOF}}
	}
	code, body = do(t, s, http.MethodPost, "/activate")
	assert.Equal(t, http.StatusAccepted, code)
	assert.True(t, strings.Contains(body, `"pending":1`))
}

func TestAuthBlocks(t *testing.T) {
	s := New("127.0.0.1:0", newFake(t), WithAuth(func(c fiber.Ctx) error {
		if c.Get("Authorization") != "Bearer ok" {
			return fiber.ErrUnauthorized
		}
		return nil
	}))

	code, _ := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Authorization", "Bearer ok")
	resp, err := s.App().Test(req)
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartShutdown(t *testing.T) {
	s := New("127.0.0.1:0", newFake(t))
	assert.Equal(t, "", s.Address())

	ctx := context.Background()
	assert.NoError(t, s.Start(ctx))
	assert.NoError(t, s.Start(ctx))
	addr := s.Address()
	assert.True(t, addr != "")

	// wait until the background listener answers
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mgmt server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(sctx))
}

func TestShutdownBeforeStart(t *testing.T) {
	s := New("127.0.0.1:0", newFake(t))
	assert.NoError(t, s.Shutdown(context.Background()))
}
