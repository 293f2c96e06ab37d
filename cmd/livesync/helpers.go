package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livelog-app/livesync"
)

// app bundles a started Syncer with the resources it was built from.
type app struct {
	cfg    *Config
	syncer *livesync.Syncer
	closes []func()
}

func (a *app) Close() {
	a.syncer.Close()
	for i := len(a.closes) - 1; i >= 0; i-- {
		a.closes[i]()
	}
}

// openApp builds the backend, local store and Syncer from the config, and
// starts the Syncer.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	a := &app{cfg: cfg}

	backend, auth, err := a.openBackend(ctx)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	driver, err := a.openDriver(ctx)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	opts := []livesync.Option{
		livesync.WithLogger(logger),
		livesync.WithReloadHook(func() {
			logger.Warn("session expired; run 'livesync login' to sign in again")
		}),
	}
	if auth != nil {
		opts = append(opts, livesync.WithAuthenticator(auth))
	}
	a.syncer = livesync.New(backend, driver, opts...)
	a.syncer.Start(ctx)
	return a, nil
}

func (a *app) closeResources() {
	for i := len(a.closes) - 1; i >= 0; i-- {
		a.closes[i]()
	}
	a.closes = nil
}

func (a *app) openBackend(ctx context.Context) (livesync.Backend, livesync.Authenticator, error) {
	switch a.cfg.Backend.Kind {
	case backendREST:
		if a.cfg.Backend.URL == "" || a.cfg.Backend.APIKey == "" {
			return nil, nil, fmt.Errorf("no backend configured; run 'livesync init <url> <api-key>' first")
		}
		var opts []livesync.RESTOption
		if a.cfg.Auth.AccessToken != "" {
			opts = append(opts, livesync.WithAccessToken(a.cfg.Auth.AccessToken))
		}
		b := livesync.NewRESTBackend(a.cfg.Backend.URL, a.cfg.Backend.APIKey, opts...)
		if a.cfg.Auth.AccessToken == "" {
			return b, nil, nil
		}
		return b, b, nil

	case backendPostgres:
		if a.cfg.Backend.DSN == "" {
			return nil, nil, fmt.Errorf("no database configured; run 'livesync init --kind postgres <dsn>' first")
		}
		b, err := livesync.OpenPostgres(ctx, a.cfg.Backend.DSN)
		if err != nil {
			return nil, nil, err
		}
		a.closes = append(a.closes, func() { b.Close() })
		if a.cfg.Auth.AccessToken == "" {
			return b, nil, nil
		}
		return b, &livesync.TokenAuthenticator{Token: a.cfg.Auth.AccessToken}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend kind %q (valid: rest, postgres)", a.cfg.Backend.Kind)
}

func (a *app) openDriver(ctx context.Context) (livesync.Driver, error) {
	switch a.cfg.Cache.Driver {
	case cacheMemory:
		return livesync.NewMemoryStorage(), nil
	case cacheFile:
		fs, err := livesync.NewFileStorage(a.cfg.Cache.Dir, logger)
		if err != nil {
			return nil, err
		}
		a.closes = append(a.closes, fs.Wait)
		return fs, nil
	case cacheRedis:
		rs, err := livesync.NewRedisStorage(ctx, livesync.RedisOptions{
			Addr:     a.cfg.Cache.RedisAddr,
			Password: a.cfg.Cache.RedisPassword,
			DB:       a.cfg.Cache.RedisDB,
			Prefix:   a.cfg.Cache.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.closes = append(a.closes, func() { rs.Close() })
		return rs, nil
	}
	return nil, fmt.Errorf("unknown cache driver %q (valid: file, memory, redis)", a.cfg.Cache.Driver)
}

// requireUser returns the signed-in user or an error telling how to sign in.
func (a *app) requireUser() (*livesync.User, error) {
	u := a.syncer.Session().Current()
	if u == nil {
		return nil, fmt.Errorf("not signed in; run 'livesync login' first")
	}
	return u, nil
}

// serveMetrics exposes Prometheus metrics when --metrics-addr is set. The
// returned function shuts the server down.
func serveMetrics() func() {
	if metricsAddr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", metricsAddr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// describe returns the user-facing message for err, falling back to the error
// text for failures the library would degrade quietly.
func describe(err error) string {
	if msg := livesync.UserMessage(err); msg != "" {
		return msg
	}
	return err.Error()
}
