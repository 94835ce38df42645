package mgmt

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"

	"github.com/unkn0wn-root/offline"
	"github.com/unkn0wn-root/offline/queue"
)

// ErrShutdownTimeout is returned when Shutdown gives up waiting for the app.
var ErrShutdownTimeout = ewrap.New("mgmt: shutdown timed out")

// Worker is the part of *offline.Worker the management API drives.
type Worker interface {
	Status(ctx context.Context) (offline.Status, error)
	Queue() queue.Store
	SyncNow(ctx context.Context) (offline.DrainResult, bool, error)
	SetOnline(online bool)
	Activate(ctx context.Context) ([]string, error)
}

// Option configures the management server.
type Option func(*Server)

// WithAuth sets an auth function run before every route (return error to block).
func WithAuth(fn func(fiber.Ctx) error) Option {
	return func(s *Server) { s.authFunc = fn }
}

// WithReadTimeout sets read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// WithWriteTimeout sets write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Server exposes worker state and controls over HTTP. It listens lazily:
// routes are mounted by New, the socket is opened by Start.
type Server struct {
	addr         string
	app          *fiber.App
	w            Worker
	readTimeout  time.Duration
	writeTimeout time.Duration
	authFunc     func(fiber.Ctx) error

	mu      sync.Mutex
	ln      net.Listener
	started bool
}

func New(addr string, w Worker, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		w:            w,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.app = fiber.New(fiber.Config{
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	s.mount()
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Start opens the listener and serves in the background. Calling it twice is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "mgmt listen")
	}
	s.ln = ln

	go func() {
		// returns once Shutdown closes the listener
		_ = s.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	s.started = true
	return nil
}

// Address returns the bound address, empty before Start.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	ch := make(chan error, 1)
	go func() { ch <- s.app.Shutdown() }()

	select {
	case <-ctx.Done():
		return ErrShutdownTimeout
	case err := <-ch:
		return err
	}
}

func (s *Server) mount() {
	use := s.wrapAuth

	s.app.Get("/health", use(func(c fiber.Ctx) error { return c.SendString("ok") }))

	s.app.Get("/state", use(func(c fiber.Ctx) error {
		st, err := s.w.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(st)
	}))

	s.app.Get("/queue", use(func(c fiber.Ctx) error {
		ops, err := s.w.Queue().ListAll(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if ops == nil {
			ops = []queue.Operation{}
		}
		return c.JSON(fiber.Map{"count": len(ops), "operations": ops})
	}))

	s.app.Post("/sync", use(func(c fiber.Ctx) error {
		res, started, err := s.w.SyncNow(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if !started {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "drain already running"})
		}
		return c.JSON(res)
	}))

	s.app.Post("/online", use(func(c fiber.Ctx) error {
		s.w.SetOnline(true)
		return c.SendStatus(fiber.StatusAccepted)
	}))

	s.app.Post("/offline", use(func(c fiber.Ctx) error {
		s.w.SetOnline(false)
		return c.SendStatus(fiber.StatusAccepted)
	}))

	s.app.Post("/activate", use(func(c fiber.Ctx) error {
		retired, err := s.w.Activate(c.Context())
		var re *offline.RetireError
		switch {
		case err == nil:
		case errors.Is(err, offline.ErrNotStaged):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		case errors.As(err, &re):
			// the flip happened; the janitor retries the leftovers
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"retired": retired, "pending": len(re.Failed)})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		if retired == nil {
			retired = []string{}
		}
		return c.JSON(fiber.Map{"retired": retired})
	}))
}

func (s *Server) wrapAuth(h fiber.Handler) fiber.Handler {
	if s.authFunc == nil {
		return h
	}
	return func(c fiber.Ctx) error {
		if err := s.authFunc(c); err != nil {
			return err
		}
		return h(c)
	}
}
