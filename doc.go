// Package offline implements an offline request/cache coordinator for a web
// dashboard: it sits between the application and the network, answers reads
// from versioned caches when the network is gone, and queues failed writes
// for replay once connectivity comes back.
//
// Components:
//   - GenerationCache: versioned key-value cache over a provider.Provider.
//     Two instances back the "static" (precached app shell) and "runtime"
//     (opportunistically filled GET responses) namespaces.
//   - queue.Store: durable FIFO of pending write operations.
//   - Worker: routes requests (Handle), drains the queue (Drain, SyncNow),
//     installs and activates generations, and dispatches lifecycle events.
//
// Keys:
//
//	entry:<generation>:<hash>  - one cached response
//	manifest:<generation>      - storage keys owned by a generation
//
// Generations are named <prefix>-<namespace>-<version>, e.g.
// cloudstore-static-v2. Bumping Options.Version and installing again is the
// only migration: the previous generation is deleted after the new one is
// active.
//
// Request flow:
//
//	resp := w.Handle(ctx, &offline.Request{Method: "GET", URL: "/api/files/recent"})
//	// resp.Source tells where the answer came from
//	_ = w.Settle(ctx) // optional: wait for write-behind cache writes
package offline
