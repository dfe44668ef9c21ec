// Package ratelimit throttles authentication attempts per (action,
// identifier) pair with a fixed-start sliding window kept in a kv.Repository.
//
// A window opens at the first attempt. Once MaxAttempts attempts are
// recorded, further attempts are rejected until Window has elapsed since
// that first attempt, after which the next attempt opens a fresh window.
//
// The limiter fails open: an unknown action or an unreadable store lets the
// attempt through with a warning.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/autherr"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/telemetry"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
	"github.com/dmitrijs2005/sessionkeeper/internal/tasks"
)

const (
	ActionLogin         = "login"
	ActionSignup        = "signup"
	ActionPasswordReset = "password_reset"
	ActionVerification  = "verification"
	ActionMFA           = "mfa"
)

const keyPrefix = "rate_limit:"

var ErrUnknownAction = errors.New("unknown rate limit action")

var errCorruptEntry = errors.New("corrupt rate limit entry")

type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ActionLogin:         {MaxAttempts: 5, Window: 15 * time.Minute},
		ActionSignup:        {MaxAttempts: 3, Window: time.Hour},
		ActionPasswordReset: {MaxAttempts: 2, Window: time.Hour},
		ActionVerification:  {MaxAttempts: 3, Window: 30 * time.Minute},
		ActionMFA:           {MaxAttempts: 3, Window: 5 * time.Minute},
	}
}

// Entry is the persisted counter. Timestamps are Unix ms.
type Entry struct {
	Attempts     int   `json:"attempts"`
	FirstAttempt int64 `json:"firstAttempt"`
	LastAttempt  int64 `json:"lastAttempt"`
}

type Status struct {
	Remaining int
	ResetTime time.Time
}

type Limiter struct {
	repo     kv.Repository
	policies map[string]Policy
	logger   logging.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	mu      sync.Mutex
	sweeper *tasks.Periodic
}

// New builds a Limiter. A nil policies map selects DefaultPolicies.
func New(repo kv.Repository, policies map[string]Policy, logger logging.Logger, metrics *telemetry.Metrics) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	l := &Limiter{
		repo:     repo,
		policies: policies,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
	l.sweeper = tasks.NewPeriodic(time.Hour, func(ctx context.Context) {
		if _, err := l.Cleanup(ctx); err != nil {
			l.logger.Warn(ctx, "rate limit cleanup failed", "error", err)
		}
	})
	return l
}

// Start launches the hourly sweep of expired entries.
func (l *Limiter) Start(ctx context.Context) {
	l.sweeper.Start(ctx)
}

func (l *Limiter) Close() {
	l.sweeper.Stop()
}

func storageKey(action, identifier string) string {
	return keyPrefix + action + ":" + strings.ToLower(strings.TrimSpace(identifier))
}

func windowExpired(e Entry, p Policy, now int64) bool {
	return now-e.FirstAttempt > p.Window.Milliseconds()
}

// Check records an attempt for (action, identifier), or returns a
// *autherr.TooManyRequestsError if the window's budget is spent.
func (l *Limiter) Check(ctx context.Context, action, identifier string) error {
	p, ok := l.policies[action]
	if !ok {
		l.logger.Warn(ctx, "no rate limit policy for action", "action", action)
		return nil
	}

	key := storageKey(action, identifier)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.read(ctx, key)
	switch {
	case errors.Is(err, errCorruptEntry):
		l.logger.Warn(ctx, "discarding corrupt rate limit entry", "action", action)
		e = nil
	case err != nil:
		l.logger.Warn(ctx, "rate limit state unreadable, allowing attempt", "action", action, "error", err)
		return nil
	}

	now := l.now()
	nowMs := now.UnixMilli()

	if e == nil || windowExpired(*e, p, nowMs) {
		e = &Entry{}
	}

	if e.Attempts >= p.MaxAttempts {
		reset := windowEnd(*e, p)
		l.metrics.RateLimited(ctx, action)
		l.logger.Warn(ctx, "rate limit exceeded", "action", action, "attempts", e.Attempts)
		return &autherr.TooManyRequestsError{
			Action:      action,
			ResetTime:   reset,
			Remaining:   reset.Sub(now),
			MaxAttempts: p.MaxAttempts,
		}
	}

	if e.Attempts == 0 {
		e.FirstAttempt = nowMs
	}
	e.Attempts++
	e.LastAttempt = nowMs

	if err := l.write(ctx, key, e); err != nil {
		l.logger.Warn(ctx, "failed to record rate limit attempt", "action", action, "error", err)
	}
	return nil
}

// Reset forgets all attempts for (action, identifier).
func (l *Limiter) Reset(ctx context.Context, action, identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.repo.Delete(ctx, storageKey(action, identifier)); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	l.logger.Debug(ctx, "rate limit reset", "action", action)
	return nil
}

// Remaining reports the attempts left in the current window and when the
// window closes. With no live window the full budget is available.
func (l *Limiter) Remaining(ctx context.Context, action, identifier string) (Status, error) {
	p, ok := l.policies[action]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	l.mu.Lock()
	e, err := l.read(ctx, storageKey(action, identifier))
	l.mu.Unlock()
	if err != nil {
		return Status{}, err
	}

	now := l.now()
	if e == nil || windowExpired(*e, p, now.UnixMilli()) {
		return Status{Remaining: p.MaxAttempts, ResetTime: now.Add(p.Window).UTC()}, nil
	}

	remaining := p.MaxAttempts - e.Attempts
	if remaining < 0 {
		remaining = 0
	}
	return Status{Remaining: remaining, ResetTime: windowEnd(*e, p)}, nil
}

// windowEnd is when the window opened by e's first attempt closes, in UTC.
func windowEnd(e Entry, p Policy) time.Time {
	return time.UnixMilli(e.FirstAttempt).Add(p.Window).UTC()
}

// Cleanup deletes entries whose window has fully elapsed and reports how
// many were removed. Corrupt entries are removed too.
func (l *Limiter) Cleanup(ctx context.Context) (int, error) {
	keys, err := l.repo.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list rate limit entries: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nowMs := l.now().UnixMilli()
	var stale []string
	for _, key := range keys {
		parts := strings.SplitN(strings.TrimPrefix(key, keyPrefix), ":", 2)
		p, ok := l.policies[parts[0]]
		if !ok {
			continue
		}
		e, err := l.read(ctx, key)
		if err != nil {
			if errors.Is(err, errCorruptEntry) {
				stale = append(stale, key)
			}
			continue
		}
		if e != nil && windowExpired(*e, p, nowMs) {
			stale = append(stale, key)
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}
	if err := l.repo.DeleteMany(ctx, stale...); err != nil {
		return 0, fmt.Errorf("failed to delete expired rate limit entries: %w", err)
	}
	l.logger.Debug(ctx, "cleaned up rate limit entries", "removed", len(stale))
	return len(stale), nil
}

func (l *Limiter) read(ctx context.Context, key string) (*Entry, error) {
	raw, err := l.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptEntry, err)
	}
	return &e, nil
}

func (l *Limiter) write(ctx context.Context, key string, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return l.repo.Set(ctx, key, raw)
}
