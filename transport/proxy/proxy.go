// Package proxy exposes a Worker as an HTTP data plane: every request the
// application makes goes through Worker.Handle, and a small /__offline/
// namespace forwards lifecycle events (push, message, sync).
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/unkn0wn-root/offline"
)

// Worker is the part of *offline.Worker the proxy needs.
type Worker interface {
	Handle(ctx context.Context, req *offline.Request) *offline.Response
	Dispatch(ctx context.Context, ev offline.Event) (offline.Result, error)
}

type Options struct {
	// Origin is prepended to request paths, e.g. "https://cloud.example".
	// Empty keeps URLs relative.
	Origin  string
	MaxBody int64 // request body limit; 0 => 32 MiB
}

// Server is an http.Handler.
type Server struct {
	w       Worker
	origin  string
	maxBody int64
	router  *mux.Router
}

var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Connection", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func New(w Worker, opts Options) *Server {
	s := &Server{w: w, origin: strings.TrimSuffix(opts.Origin, "/"), maxBody: opts.MaxBody}
	if s.maxBody <= 0 {
		s.maxBody = 32 << 20
	}
	r := mux.NewRouter()
	r.HandleFunc("/__offline/push", s.push).Methods(http.MethodPost)
	r.HandleFunc("/__offline/message", s.message).Methods(http.MethodPost)
	r.HandleFunc("/__offline/sync/{tag}", s.sync).Methods(http.MethodPost)
	r.PathPrefix("/").HandlerFunc(s.fetch)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	h := r.Header.Clone()
	for _, k := range hopHeaders {
		h.Del(k)
	}
	req := &offline.Request{
		Method: r.Method,
		URL:    s.origin + r.URL.RequestURI(),
		Header: h,
		Body:   body,
		Mode:   mode(r),
	}
	resp := s.w.Handle(r.Context(), req)

	out := w.Header()
	for k, vs := range resp.Header {
		out[k] = append([]string(nil), vs...)
	}
	out.Set(offline.HeaderSource, string(resp.Source))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	s.dispatch(w, r, offline.Event{Kind: offline.EventPush, Data: string(body)})
}

func (s *Server) message(w http.ResponseWriter, r *http.Request) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(&msg); err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	s.dispatch(w, r, offline.Event{Kind: offline.EventMessage, Data: msg.Type})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	ev := offline.Event{Kind: offline.EventSync, Tag: tag}
	if tag == offline.TagUpdate {
		ev.Kind = offline.EventPeriodicSync
	}
	s.dispatch(w, r, ev)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ev offline.Event) {
	res, err := s.w.Dispatch(r.Context(), ev)
	switch {
	case errors.Is(err, offline.ErrUnknownSyncTag):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if (ev.Kind == offline.EventSync || ev.Kind == offline.EventPeriodicSync) && !res.Started {
		status = http.StatusConflict
	}
	writeJSON(w, status, eventReply{
		Event:     ev.Kind.String(),
		Started:   res.Started,
		Drain:     res.Drain,
		Retired:   res.Retired,
		Refreshed: res.Refreshed,
	})
}

type eventReply struct {
	Event     string               `json:"event"`
	Started   bool                 `json:"started,omitempty"`
	Drain     *offline.DrainResult `json:"drain,omitempty"`
	Retired   []string             `json:"retired,omitempty"`
	Refreshed int                  `json:"refreshed,omitempty"`
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
}

// mode reports a navigation for Sec-Fetch-Mode: navigate, or for GETs that
// accept HTML when the browser sent no fetch metadata.
func mode(r *http.Request) offline.Mode {
	if m := r.Header.Get("Sec-Fetch-Mode"); m != "" {
		if m == "navigate" {
			return offline.ModeNavigate
		}
		return offline.ModeDefault
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return offline.ModeNavigate
	}
	return offline.ModeDefault
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
