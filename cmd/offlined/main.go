// Command offlined runs an offline coordinator as a reverse proxy in front of
// an upstream CloudStore server, with a management API on a second port.
package main

import (
	"context"
	"errors"
	"flag"
	stdslog "log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/offline"
	"github.com/unkn0wn-root/offline/fetch"
	asynchook "github.com/unkn0wn-root/offline/hooks/async"
	"github.com/unkn0wn-root/offline/hooks/otelhooks"
	logrusadapter "github.com/unkn0wn-root/offline/log/logrus"
	slogadapter "github.com/unkn0wn-root/offline/log/slog"
	zapadapter "github.com/unkn0wn-root/offline/log/zap"
	"github.com/unkn0wn-root/offline/mgmt"
	"github.com/unkn0wn-root/offline/sloghooks"
	"github.com/unkn0wn-root/offline/transport/proxy"
)

const instrumentation = "github.com/unkn0wn-root/offline"

func main() {
	path := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := LoadConfig(*path)
	if err != nil {
		stdslog.Error("config", "err", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		stdslog.Error("offlined", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	ctx := context.Background()

	logger, flush, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer flush()

	hooks, err := buildHooks(cfg.Log)
	if err != nil {
		return err
	}
	defer hooks.Close()

	rdb := cfg.redisClient()
	if rdb != nil && cfg.GenStore != "redis" {
		// otherwise the generation store closes it
		defer rdb.Close()
	}

	prov, err := buildProvider(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	q, err := buildQueue(cfg, rdb, func(id string, err error) {
		logger.Warn("dropped undecodable queued operation", offline.Fields{"id": id, "err": err})
	})
	if err != nil {
		_ = prov.Close(ctx)
		return err
	}

	upstream, err := fetch.NewHTTP(fetch.HTTPConfig{
		Upstream:     cfg.Upstream,
		PublicOrigin: cfg.Origin,
		Timeout:      cfg.FetchTimeout,
	})
	if err != nil {
		_ = q.Close(ctx)
		_ = prov.Close(ctx)
		return err
	}

	w, err := offline.New(offline.Options{
		Version:          cfg.Version,
		Network:          fetch.NewTraced(upstream, otel.Tracer(instrumentation)),
		Provider:         prov,
		Prefix:           cfg.Prefix,
		Origin:           cfg.Origin,
		GenStore:         buildGenStore(cfg, rdb),
		Queue:            q,
		Precache:         cfg.Precache,
		RefreshURLs:      cfg.RefreshURLs,
		OfflinePage:      cfg.OfflinePage,
		SyncInterval:     cfg.SyncInterval,
		CleanupInterval:  cfg.CleanupInterval,
		ManualActivation: cfg.ManualActivation,
		Logger:           logger,
		Hooks:            hooks,
	})
	if err != nil {
		return err
	}

	installCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	err = w.Install(installCtx)
	cancel()
	if err != nil {
		// keep serving whatever an earlier process activated
		logger.Error("install failed", offline.Fields{"version": cfg.Version, "err": err})
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	w.Start(runCtx)

	data := &http.Server{
		Addr:              cfg.Listen,
		Handler:           proxy.New(w, proxy.Options{Origin: cfg.Origin}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin := mgmt.New(cfg.Mgmt, w)
	if err := admin.Start(runCtx); err != nil {
		_ = w.Close(ctx)
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := data.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Info("offlined started", offline.Fields{
		"listen": cfg.Listen, "mgmt": admin.Address(), "version": cfg.Version,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", offline.Fields{"signal": sig.String()})
	case runErr = <-serveErr:
		logger.Error("data plane stopped", offline.Fields{"err": runErr})
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 15*time.Second)
	defer cancelShutdown()

	stop()
	return errors.Join(
		runErr,
		data.Shutdown(shutdownCtx),
		admin.Shutdown(shutdownCtx),
		w.Close(shutdownCtx),
	)
}

func buildLogger(c LogConfig) (offline.Logger, func(), error) {
	switch c.Backend {
	case "logrus":
		l := logrus.New()
		if lvl, err := logrus.ParseLevel(c.Level); err == nil {
			l.SetLevel(lvl)
		}
		l.SetFormatter(&logrus.JSONFormatter{})
		return logrusadapter.LogrusLogger{E: logrus.NewEntry(l)}, func() {}, nil
	case "slog":
		var lvl stdslog.Level
		_ = lvl.UnmarshalText([]byte(c.Level))
		h := stdslog.NewJSONHandler(os.Stderr, &stdslog.HandlerOptions{Level: lvl})
		return slogadapter.Logger{L: stdslog.New(h)}, func() {}, nil
	default:
		zc := zap.NewProductionConfig()
		if c.Level != "" {
			lvl, err := zap.ParseAtomicLevel(c.Level)
			if err != nil {
				return nil, nil, err
			}
			zc.Level = lvl
		}
		l, err := zc.Build()
		if err != nil {
			return nil, nil, err
		}
		return zapadapter.ZapLogger{L: l}, func() { _ = l.Sync() }, nil
	}
}

// buildHooks puts metrics, and optionally log lines, behind one async queue.
func buildHooks(c LogConfig) (*asynchook.Hooks, error) {
	metrics, err := otelhooks.New(otel.Meter(instrumentation))
	if err != nil {
		return nil, err
	}
	fan := offline.MultiHooks{metrics}
	if c.Hooks {
		l := stdslog.New(stdslog.NewJSONHandler(os.Stderr, nil))
		fan = append(fan, sloghooks.New(l, sloghooks.Options{ServedEvery: 100}))
	}
	return asynchook.New(fan, 1, 4096), nil
}
