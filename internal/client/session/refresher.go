package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/autherr"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/client"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/telemetry"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
	"github.com/dmitrijs2005/sessionkeeper/internal/tasks"
)

// TokenRefresher exchanges a refresh token for a new session.
type TokenRefresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (*client.AuthResponse, error)
}

type RefresherConfig struct {
	// RefreshBeforeExpiry is how early a session counts as due for refresh.
	RefreshBeforeExpiry time.Duration
	// MinRefreshInterval is the least time a scheduled refresh waits after
	// the previous successful one. Tokens that live no longer than
	// RefreshBeforeExpiry are due on arrival; this keeps them from being
	// refreshed back to back.
	MinRefreshInterval time.Duration
	MaxRetries         int
	BaseDelay          time.Duration
}

// RefreshOptions overrides RefresherConfig for a single call. Zero values
// fall back to the configured defaults.
type RefreshOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	Force      bool
}

// RefreshCallback receives the outcome of a scheduled refresh.
type RefreshCallback func(ctx context.Context, next *Session, err error)

type Refresher struct {
	backend TokenRefresher
	cfg     RefresherConfig
	logger  logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	group singleflight.Group
	// lastRefresh is when the last exchange succeeded, Unix ms.
	lastRefresh atomic.Int64
}

func NewRefresher(backend TokenRefresher, cfg RefresherConfig, logger logging.Logger, metrics *telemetry.Metrics) *Refresher {
	if cfg.RefreshBeforeExpiry <= 0 {
		cfg.RefreshBeforeExpiry = DefaultRefreshBeforeExpiry
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRefreshRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseRefreshDelay
	}
	return &Refresher{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// ShouldRefresh reports whether s expires within RefreshBeforeExpiry.
func (r *Refresher) ShouldRefresh(s *Session) bool {
	return s.ExpiresAt-r.now().UnixMilli() <= r.cfg.RefreshBeforeExpiry.Milliseconds()
}

// NextRefreshIn returns the delay until s becomes due for refresh, but no
// less than what remains of MinRefreshInterval since the last successful
// refresh.
func (r *Refresher) NextRefreshIn(s *Session) time.Duration {
	d := r.dueIn(s)
	if wait := r.cooldown(); d < wait {
		return wait
	}
	return max(d, 0)
}

func (r *Refresher) dueIn(s *Session) time.Duration {
	return s.ExpiresTime().Sub(r.now()) - r.cfg.RefreshBeforeExpiry
}

func (r *Refresher) cooldown() time.Duration {
	last := r.lastRefresh.Load()
	if last == 0 {
		return 0
	}
	return time.UnixMilli(last).Add(r.cfg.MinRefreshInterval).Sub(r.now())
}

// RefreshWithRetry returns a renewed copy of s. Without opts.Force, a session
// that is not yet due is returned as is. Concurrent calls for the same
// refresh token share one backend exchange.
//
// Attempt i (0-based) is followed by a delay of BaseDelay * 2^i before the
// next one. When every attempt fails the error is an *autherr.Error with
// CodeTokenRefresh wrapping the last backend error.
func (r *Refresher) RefreshWithRetry(ctx context.Context, s *Session, opts RefreshOptions) (*Session, error) {
	if s == nil {
		return nil, ErrNoSession
	}
	if !opts.Force && !r.ShouldRefresh(s) {
		return s, nil
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = r.cfg.MaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = r.cfg.BaseDelay
	}

	// The exchange outlives any single caller so others waiting on it still
	// get the result.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(s.RefreshToken, func() (any, error) {
		return r.refresh(shared, s, opts)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Refresher) refresh(ctx context.Context, s *Session, opts RefreshOptions) (*Session, error) {
	attempt := 0
	op := func() (*Session, error) {
		attempt++
		r.metrics.RefreshAttempt(ctx)

		resp, err := r.backend.RefreshSession(ctx, s.RefreshToken)
		if err != nil {
			r.logger.Warn(ctx, "session refresh attempt failed",
				"attempt", attempt, "max_attempts", opts.MaxRetries, "error", err)
			return nil, err
		}
		if resp == nil || resp.Session == nil {
			r.logger.Warn(ctx, "session refresh returned no session", "attempt", attempt)
			return nil, ErrNoSessionData
		}
		return r.buildSession(s, resp), nil
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         opts.BaseDelay << uint(opts.MaxRetries),
	}

	next, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(opts.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		r.metrics.RefreshFailed(ctx)
		return nil, autherr.New(autherr.CodeTokenRefresh, "refresh session",
			fmt.Errorf("failed to refresh session after %d attempts: %w", attempt, err)).
			WithContext(map[string]any{"user_id": s.UserID, "device_id": s.DeviceID})
	}

	r.lastRefresh.Store(r.now().UnixMilli())
	r.logger.Info(ctx, "session refreshed", "user_id", next.UserID, "device_id", next.DeviceID, "attempt", attempt)
	return next, nil
}

func (r *Refresher) buildSession(prev *Session, resp *client.AuthResponse) *Session {
	now := r.now()
	bs := resp.Session

	expiresAt := now.Add(time.Duration(bs.ExpiresIn) * time.Second).UnixMilli()
	if bs.ExpiresIn <= 0 && bs.ExpiresAt > 0 {
		expiresAt = time.Unix(bs.ExpiresAt, 0).UnixMilli()
	}

	userID := prev.UserID
	if resp.User != nil && resp.User.ID != "" {
		userID = resp.User.ID
	}
	refreshToken := bs.RefreshToken
	if refreshToken == "" {
		refreshToken = prev.RefreshToken
	}

	return &Session{
		AccessToken:        bs.AccessToken,
		RefreshToken:       refreshToken,
		ExpiresAt:          expiresAt,
		UserID:             userID,
		DeviceID:           prev.DeviceID,
		LastValidated:      now.UnixMilli(),
		ValidationInterval: prev.ValidationInterval,
	}
}

// ScheduleRefresh arms a task that refreshes s RefreshBeforeExpiry ahead of
// its expiry, or as soon as NextRefreshIn allows if that moment has passed. done is not called
// when the task is canceled before the refresh completes.
func (r *Refresher) ScheduleRefresh(s *Session, done RefreshCallback) *tasks.Task {
	ctx := context.Background()
	delay := r.NextRefreshIn(s)
	if due := r.dueIn(s); due < delay {
		r.logger.Warn(ctx, "session lifetime is shorter than the refresh lead time, pacing refreshes",
			"device_id", s.DeviceID,
			"expires_in", s.ExpiresTime().Sub(r.now()).String(),
			"refresh_before_expiry", r.cfg.RefreshBeforeExpiry.String(),
			"wait", delay.String())
	}
	r.logger.Debug(ctx, "refresh scheduled", "device_id", s.DeviceID, "in", delay.String())

	return tasks.After(delay, func(ctx context.Context) {
		next, err := r.RefreshWithRetry(ctx, s, RefreshOptions{Force: true})
		if ctx.Err() != nil {
			return
		}
		done(ctx, next, err)
	})
}
