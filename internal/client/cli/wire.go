package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/client"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/config"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/device"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/googleauth"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/ratelimit"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/securestore"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/services"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/session"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/telemetry"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/userdir"
	"github.com/dmitrijs2005/sessionkeeper/internal/filex"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
)

const (
	serviceName    = "sessionkeeper"
	keyFileSize    = 32
	redisNamespace = "sessionkeeper:"
)

// Runtime holds the wired object graph and the order to tear it down in.
type Runtime struct {
	Auth    services.AuthService
	Account services.AccountService
	// Google is nil unless a Google client id is configured.
	Google *googleauth.Flow

	closers []func(context.Context) error
}

func (r *Runtime) onClose(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

// Close releases resources in reverse construction order.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build constructs the auth service and everything under it from cfg.
// Background sweepers are started with ctx and stopped by Runtime.Close.
// On failure everything opened so far is closed again.
func Build(ctx context.Context, cfg *config.Config, logger logging.Logger) (_ *Runtime, err error) {
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	metrics, err := buildMetrics(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}

	repo, err := buildRepository(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}

	secret := []byte(cfg.SecureStoreSecret)
	if len(secret) == 0 {
		if _, err := filex.EnsureDir(cfg.DataDir); err != nil {
			return nil, err
		}
		if secret, err = filex.LoadOrCreateKeyFile(cfg.KeyFilePath(), keyFileSize); err != nil {
			return nil, err
		}
	}
	secure, err := securestore.New(ctx, repo, secret)
	if err != nil {
		return nil, fmt.Errorf("secure store: %w", err)
	}
	rt.onClose(func(context.Context) error { secure.Close(); return nil })

	backend, err := client.NewGRPCClient(client.Config{
		Endpoint: cfg.IdentityEndpoint,
		Insecure: cfg.IdentityInsecure,
		Timeout:  cfg.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("identity client: %w", err)
	}

	var users session.UserChecker = backend
	if cfg.UserDirectoryDSN != "" {
		db, err := userdir.Open(ctx, cfg.UserDirectoryDSN)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		rt.onClose(func(context.Context) error { return db.Close() })
		users = userdir.NewPostgresDirectory(db)
	}

	store := session.NewStore(repo, logger)
	validator := session.NewValidator(store, users, logger, metrics)
	refresher := session.NewRefresher(backend, session.RefresherConfig{
		RefreshBeforeExpiry: cfg.RefreshBeforeExpiry,
		MaxRetries:          cfg.MaxRefreshRetries,
		BaseDelay:           cfg.BaseRefreshDelay,
	}, logger, metrics)
	devices := device.NewProvider(repo, cfg.AppVersion)

	manager := session.NewManager(session.ManagerConfig{
		ValidationInterval: cfg.ValidationInterval,
		CleanupInterval:    cfg.CleanupInterval,
		MaxRefreshRetries:  cfg.MaxRefreshRetries,
		BaseRefreshDelay:   cfg.BaseRefreshDelay,
	}, store, validator, refresher, devices, logger, metrics)
	manager.Start(ctx)
	rt.onClose(func(context.Context) error { manager.Close(); return nil })

	limiter := ratelimit.New(repo, nil, logger, metrics)
	limiter.Start(ctx)
	rt.onClose(func(context.Context) error { limiter.Close(); return nil })

	backend.SetTokenSource(manager)

	rt.Auth = services.NewAuthService(services.Deps{
		Backend:   backend,
		Manager:   manager,
		Validator: validator,
		Limiter:   limiter,
		Secure:    secure,
		Devices:   devices,
		Legacy:    repo,
		Logger:    logger,
		Metrics:   metrics,
	})
	// Closes the backend connection too.
	rt.onClose(rt.Auth.Close)

	rt.Account = services.NewAccountService(services.AccountDeps{
		Backend: backend,
		Manager: manager,
		Limiter: limiter,
		Secure:  secure,
		State:   repo,
		Logger:  logger,
	})

	if cfg.GoogleClientID != "" {
		rt.Google, err = googleauth.NewFlow(googleauth.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Info(ctx, "runtime ready",
		"store", cfg.StoreBackend,
		"identity_endpoint", cfg.IdentityEndpoint,
		"google", rt.Google != nil)
	return rt, nil
}

func buildMetrics(ctx context.Context, cfg *config.Config, rt *Runtime) (*telemetry.Metrics, error) {
	if cfg.OTLPEndpoint == "" {
		return telemetry.Nop(), nil
	}
	p, err := telemetry.NewProvider(ctx, cfg.OTLPEndpoint, serviceName, cfg.AppVersion, cfg.MetricsInterval)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	p.SetGlobal()
	rt.onClose(p.Shutdown)

	m, err := telemetry.NewMetrics(p.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	return m, nil
}

func buildRepository(ctx context.Context, cfg *config.Config, rt *Runtime) (kv.Repository, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return kv.NewMemoryRepository(), nil

	case config.StoreRedis:
		r, err := kv.NewRedisRepositoryFromURL(ctx, cfg.RedisURL, redisNamespace)
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return r.Close() })
		return r, nil

	default:
		if _, err := filex.EnsureDir(cfg.DataDir); err != nil {
			return nil, err
		}
		db, err := client.InitDatabase(ctx, cfg.DatabasePath())
		if err != nil {
			return nil, err
		}
		rt.onClose(func(context.Context) error { return db.Close() })
		return kv.NewSQLiteRepository(db), nil
	}
}
