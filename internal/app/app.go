package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"eduscrumawards/portal/internal/audit"
	"eduscrumawards/portal/internal/auth"
	"eduscrumawards/portal/internal/backend"
	"eduscrumawards/portal/internal/cli"
	"eduscrumawards/portal/internal/config"
	"eduscrumawards/portal/internal/httpserver"
	"eduscrumawards/portal/internal/observability"
)

// core is what both front ends share: one session store, one backend client
// and the manager tying them together.
type core struct {
	log     *logrus.Logger
	metrics *observability.Metrics
	audit   *audit.Logger
	client  *backend.Client
	manager *auth.Manager
	watcher auth.StoreWatcher
	closers []func() error
}

func (c *core) close() {
	c.manager.Dispose()
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.log.WithError(err).Warn("close resource failed")
		}
	}
}

func buildCore(ctx context.Context, cfg config.Config, log *logrus.Logger, metrics *observability.Metrics, source string) (*core, error) {
	kv, watcher, closeKV, err := openKV(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := &core{log: log, metrics: metrics, watcher: watcher}
	if closeKV != nil {
		c.closers = append(c.closers, closeKV)
	}
	fail := func(err error) (*core, error) {
		for i := len(c.closers) - 1; i >= 0; i-- {
			_ = c.closers[i]()
		}
		return nil, err
	}

	store, err := auth.NewSessionStore(kv)
	if err != nil {
		return fail(fmt.Errorf("create session store: %w", err))
	}

	var observer backend.Observer
	if metrics != nil {
		observer = metrics
	}
	// The manager vets the stored token before each authenticated call.
	tokens := backend.TokenSourceFunc(func(ctx context.Context) (string, bool, error) {
		return c.manager.Token(ctx)
	})
	c.client, err = backend.New(backend.Config{
		BaseURL:   cfg.Backend.URL,
		Timeout:   cfg.Backend.Timeout,
		CacheSize: cfg.Backend.CacheSize,
		CacheTTL:  cfg.Backend.CacheTTL,
		Tokens:    tokens,
		Metrics:   observer,
		Logger:    log,
	})
	if err != nil {
		return fail(fmt.Errorf("create backend client: %w", err))
	}

	c.audit = audit.NewLogger(cfg.AuditLogFile, source)
	c.manager, err = auth.NewManager(store, c.client, auth.ManagerConfig{Logger: log, Audit: c.audit})
	if err != nil {
		return fail(fmt.Errorf("create session manager: %w", err))
	}

	c.client.SetUnauthorizedHandler(func(ctx context.Context, token string) {
		c.manager.Reject(ctx, token, "unauthorized")
	})
	c.manager.Subscribe(func(s auth.Snapshot) {
		c.client.Purge()
		metrics.ObserveSessionTransition(s.State.String())
	})
	return c, nil
}

// openKV selects the session backend named by SESSION_STORE. The returned
// watcher is non-nil only for the file store with watching enabled.
func openKV(ctx context.Context, cfg config.Config) (auth.KV, auth.StoreWatcher, func() error, error) {
	switch cfg.Session.Store {
	case "file":
		kv, err := auth.NewFileKV(cfg.Session.File)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create file session store: %w", err)
		}
		if cfg.Session.Watch {
			return kv, kv, nil, nil
		}
		return kv, nil, nil, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("ping database: %w", err)
		}
		kv, err := auth.NewPostgresKV(ctx, db, cfg.Session.Namespace)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("create postgres session store: %w", err)
		}
		return kv, nil, db.Close, nil

	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err := sql.Open("sqlite3", cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		kv, err := auth.NewSQLiteKV(ctx, db, cfg.Session.Namespace)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("create sqlite session store: %w", err)
		}
		return kv, nil, db.Close, nil

	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		kv, err := auth.NewRedisKV(client, cfg.Session.Namespace)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("create redis session store: %w", err)
		}
		return kv, nil, client.Close, nil

	case "memory":
		return auth.NewMemoryKV(), nil, nil, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown session store %q", cfg.Session.Store)
}

type App struct {
	cfg    config.Config
	log    *logrus.Logger
	core   *core
	server *httpserver.Server
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	c, err := buildCore(ctx, cfg, logger, metrics, "portal")
	if err != nil {
		return nil, err
	}

	server, err := httpserver.New(cfg.HTTP, httpserver.Deps{
		Session:    c.manager,
		Data:       c.client,
		Audit:      c.audit,
		AuditTrail: c.audit,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("create http server: %w", err)
	}

	return &App{
		cfg:    cfg,
		log:    logger,
		core:   c,
		server: server,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.core.close()

	go func() {
		if err := a.core.manager.Init(ctx); err != nil {
			a.log.WithError(err).Warn("session bootstrap finished with error")
		}
		a.log.WithField("state", a.core.manager.Snapshot().State.String()).Info("session bootstrap complete")
	}()
	if a.core.watcher != nil {
		if err := a.core.manager.Watch(ctx, a.core.watcher); err != nil {
			a.log.WithError(err).Warn("session store watch disabled")
		}
	}

	errCh := make(chan error, 1)

	go func() {
		a.log.WithFields(logrus.Fields{
			"addr":    a.cfg.HTTP.Addr,
			"backend": a.cfg.Backend.URL,
			"store":   a.cfg.Session.Store,
		}).Info("http server starting")
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exited: %w", err)
	}
}

// NewCLI builds the terminal client over the same store the portal uses. The
// returned func releases store connections.
func NewCLI(ctx context.Context, cfg config.Config, in io.Reader, out, logOut io.Writer) (*cli.CLI, func(), error) {
	level := "warn"
	if cfg.Log.Level == "debug" {
		level = "debug"
	}
	logger, err := observability.NewLogger(level, "text", logOut)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := buildCore(setupCtx, cfg, logger, nil, "cli")
	if err != nil {
		return nil, nil, err
	}
	client, err := cli.New(cli.Deps{
		Session: c.manager,
		Data:    c.client,
		In:      in,
		Out:     out,
		Logger:  logger,
	})
	if err != nil {
		c.close()
		return nil, nil, err
	}
	return client, c.close, nil
}
