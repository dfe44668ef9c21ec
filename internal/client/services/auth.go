// Package services contains the application services of the sessionkeeper
// client. This file defines the auth service: the entry point for sign-in,
// sign-up, Google sign-in, sign-out and session subscription.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/autherr"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/client"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/models"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/ratelimit"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/securestore"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/session"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/telemetry"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
)

var (
	ErrInvalidEmail       = errors.New("a valid email address is required")
	ErrNoSessionReturned  = errors.New("no user data or session returned")
	ErrNoRecoverySession  = errors.New("no stored session to recover")
	errEmptyIDToken       = errors.New("google id token is empty")
	errDeviceIDUnreadable = errors.New("device id unavailable")
)

// Keys written by earlier app versions; removed on sign-out.
var legacyKeys = []string{"user_data", "auth_token", "health_permissions_granted"}

// AuthService defines authentication operations for the CLI.
//
// Contract:
//   - SignInWithEmail / SignUpWithEmail / SignInWithGoogle: authenticate
//     against the identity backend and install the resulting session.
//   - ClearAuthData: sign out and wipe every piece of local auth state.
//   - InitializeAuth: restore the previous session at startup, if any.
//   - RefreshSession / GetAccessToken: keep the session usable.
//   - SubscribeToAuthChanges: observe sign-in and sign-out.
//   - GetActiveSessions / RevokeSession: per-device session bookkeeping.
//
// Errors are *autherr.Error or *autherr.TooManyRequestsError.
type AuthService interface {
	SignInWithEmail(ctx context.Context, email, password string) (*models.User, error)
	SignUpWithEmail(ctx context.Context, email, password string) (*models.User, error)
	SignInWithGoogle(ctx context.Context, idToken string) (*models.User, error)
	ClearAuthData(ctx context.Context) error
	InitializeAuth(ctx context.Context) (*models.User, error)
	RefreshSession(ctx context.Context) (*models.User, error)
	GetAccessToken(ctx context.Context) (string, error)
	SubscribeToAuthChanges(fn func(*models.User)) func()
	GetActiveSessions(ctx context.Context) []session.SessionMetadata
	RevokeSession(ctx context.Context, deviceID string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// DeviceIDSource yields the stable install id.
type DeviceIDSource interface {
	UniqueID(ctx context.Context) (string, error)
}

// Deps are the collaborators of the auth service. Secure and Legacy may be
// nil; Metrics may be nil.
type Deps struct {
	Backend   client.IdentityClient
	Manager   *session.Manager
	Validator *session.Validator
	Limiter   *ratelimit.Limiter
	Secure    *securestore.Store
	Devices   DeviceIDSource
	// Legacy is the general store holding keys of earlier app versions.
	Legacy  kv.Repository
	Logger  logging.Logger
	Metrics *telemetry.Metrics
}

type authService struct {
	backend   client.IdentityClient
	manager   *session.Manager
	validator *session.Validator
	limiter   *ratelimit.Limiter
	secure    *securestore.Store
	devices   DeviceIDSource
	legacy    kv.Repository
	logger    logging.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	unsubscribe func()

	mu        sync.Mutex
	user      *models.User
	listeners map[int]func(*models.User)
	nextID    int
}

// NewAuthService constructs an AuthService and subscribes it to session
// events so the secure token mirror and subscribers follow renewals and
// sign-outs.
func NewAuthService(d Deps) AuthService {
	a := &authService{
		backend:   d.Backend,
		manager:   d.Manager,
		validator: d.Validator,
		limiter:   d.Limiter,
		secure:    d.Secure,
		devices:   d.Devices,
		legacy:    d.Legacy,
		logger:    d.Logger,
		metrics:   d.Metrics,
		now:       time.Now,
		listeners: map[int]func(*models.User){},
	}
	a.unsubscribe = d.Manager.Subscribe(a.onSessionEvent)
	return a
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if at := strings.IndexByte(email, '@'); at <= 0 || at == len(email)-1 {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// SignInWithEmail authenticates with email and password.
func (a *authService) SignInWithEmail(ctx context.Context, email, password string) (*models.User, error) {
	const op = "sign in"

	email, err := normalizeEmail(email)
	if err != nil {
		return nil, autherr.New(autherr.CodeInvalidCredentials, op, err)
	}

	return a.signIn(ctx, op, ratelimit.ActionLogin, email, "email", func(ctx context.Context) (*client.AuthResponse, error) {
		return a.backend.SignInWithPassword(ctx, email, password)
	})
}

// SignUpWithEmail creates an account and signs it in. The password must
// satisfy ValidatePassword.
func (a *authService) SignUpWithEmail(ctx context.Context, email, password string) (*models.User, error) {
	const op = "sign up"

	email, err := normalizeEmail(email)
	if err != nil {
		return nil, autherr.New(autherr.CodeInvalidCredentials, op, err)
	}
	if err := ValidatePassword(password); err != nil {
		return nil, autherr.New(autherr.CodeWeakPassword, op, err)
	}

	return a.signIn(ctx, op, ratelimit.ActionSignup, email, "signup", func(ctx context.Context) (*client.AuthResponse, error) {
		return a.backend.SignUpWithPassword(ctx, email, password)
	})
}

// SignInWithGoogle exchanges a Google id token for a session. The id token
// is kept in the secure store until sign-out.
func (a *authService) SignInWithGoogle(ctx context.Context, idToken string) (*models.User, error) {
	const op = "google sign-in"

	if strings.TrimSpace(idToken) == "" {
		return nil, autherr.New(autherr.CodeGoogleAuth, op, errEmptyIDToken)
	}

	u, err := a.signIn(ctx, op, "", "", "google", func(ctx context.Context) (*client.AuthResponse, error) {
		return a.backend.SignInWithIDToken(ctx, "google", idToken)
	})
	if err != nil {
		return nil, err
	}
	a.mirror(ctx, map[string]string{securestore.KeyGoogleIDToken: idToken})
	return u, nil
}

func (a *authService) signIn(ctx context.Context, op, action, identifier, method string,
	call func(ctx context.Context) (*client.AuthResponse, error)) (*models.User, error) {

	if action != "" {
		if err := a.limiter.Check(ctx, action, identifier); err != nil {
			a.logger.Warn(ctx, "sign-in attempt rate limited", "action", action)
			return nil, err
		}
	}

	resp, err := call(ctx)
	if err != nil {
		err = autherr.Transform(op, err)
		a.logger.Error(ctx, "authentication failed", "op", op, "code", autherr.CodeOf(err), "error", err)
		return nil, err
	}

	u, err := a.establish(ctx, op, resp)
	if err != nil {
		a.logger.Error(ctx, "failed to establish session", "op", op, "error", err)
		return nil, err
	}

	if action != "" {
		if err := a.limiter.Reset(ctx, action, identifier); err != nil {
			a.logger.Warn(ctx, "failed to reset rate limit", "action", action, "error", err)
		}
	}

	a.metrics.SignIn(ctx, method)
	a.logger.Info(ctx, "signed in", "op", op, "user_id", u.ID)
	return u, nil
}

// establish turns a backend response into the current session: the access
// token is validated, the session handed to the manager, the tokens mirrored
// and subscribers notified.
func (a *authService) establish(ctx context.Context, op string, resp *client.AuthResponse) (*models.User, error) {
	if resp == nil || resp.Session == nil || resp.User == nil || resp.Session.AccessToken == "" {
		return nil, autherr.New(autherr.CodeAuthSession, op, ErrNoSessionReturned)
	}

	deviceID, err := a.devices.UniqueID(ctx)
	if err != nil {
		return nil, autherr.New(autherr.CodeAuthSession, op, fmt.Errorf("%w: %w", errDeviceIDUnreadable, err))
	}

	s := newSession(a.now(), resp, deviceID)

	res := a.validator.ValidateToken(ctx, s.AccessToken)
	if !res.Valid {
		return nil, autherr.New(autherr.CodeTokenRefresh, op, res.Err).
			WithContext(map[string]any{"user_id": s.UserID, "device_id": deviceID})
	}
	if s.ExpiresAt == 0 && res.Metadata != nil {
		s.ExpiresAt = res.Metadata.ExpiresAt
	}
	if s.UserID == "" && res.Metadata != nil {
		s.UserID = res.Metadata.Subject
	}

	if err := a.manager.SetSession(ctx, s); err != nil {
		return nil, autherr.New(autherr.CodeAuthSession, op, err)
	}

	a.mirror(ctx, map[string]string{
		securestore.KeyAccessToken:  s.AccessToken,
		securestore.KeyRefreshToken: s.RefreshToken,
	})

	u := mapUser(resp.User)
	a.setUser(u)
	return u, nil
}

// newSession builds the session record for a backend response. The expiry
// prefers the relative lifetime over the absolute one.
func newSession(now time.Time, resp *client.AuthResponse, deviceID string) *session.Session {
	bs := resp.Session

	var expiresAt int64
	switch {
	case bs.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(bs.ExpiresIn) * time.Second).UnixMilli()
	case bs.ExpiresAt > 0:
		expiresAt = bs.ExpiresAt * 1000
	}

	return &session.Session{
		AccessToken:   bs.AccessToken,
		RefreshToken:  bs.RefreshToken,
		ExpiresAt:     expiresAt,
		UserID:        resp.User.ID,
		DeviceID:      deviceID,
		LastValidated: now.UnixMilli(),
	}
}

func mapUser(bu *client.BackendUser) *models.User {
	provider := bu.Provider
	if provider == "" {
		provider = "email"
	}
	return &models.User{
		ID:             bu.ID,
		Email:          bu.Email,
		EmailConfirmed: bu.EmailConfirmedAt != "",
		DisplayName:    models.DisplayNameFrom(bu.UserMetadata, bu.Email),
		CreatedAt:      models.ParseTimestamp(bu.CreatedAt),
		LastSignInAt:   models.ParseTimestamp(bu.LastSignInAt),
		Provider:       provider,
	}
}

// ClearAuthData signs out. Local state is always wiped; a failed backend
// sign-out is logged only. Errors wiping local state are joined and returned.
func (a *authService) ClearAuthData(ctx context.Context) error {
	const op = "clear auth data"

	if cur := a.manager.Current(); cur != nil {
		if err := a.backend.SignOut(ctx, cur.AccessToken); err != nil {
			a.logger.Warn(ctx, "backend sign-out failed", "user_id", cur.UserID, "error", err)
		}
	}

	var errs []error
	if err := a.manager.ClearSession(ctx, false); err != nil {
		errs = append(errs, err)
	}
	if a.secure != nil {
		if err := a.secure.Delete(ctx, securestore.KeyAccessToken, securestore.KeyRefreshToken, securestore.KeyGoogleIDToken); err != nil {
			errs = append(errs, err)
		}
	}
	if a.legacy != nil {
		if err := a.legacy.DeleteMany(ctx, legacyKeys...); err != nil {
			errs = append(errs, fmt.Errorf("remove legacy keys: %w", err))
		}
	}

	a.setUser(nil)

	if err := errors.Join(errs...); err != nil {
		a.logger.Error(ctx, "failed to clear auth data", "error", err)
		return autherr.Transform(op, err)
	}
	a.logger.Info(ctx, "auth data cleared")
	return nil
}

// InitializeAuth restores the persisted session. When the session record is
// gone or unusable but the secure store still holds a refresh token, a new
// session is obtained with it. It returns (nil, nil) when there is nothing
// to restore.
func (a *authService) InitializeAuth(ctx context.Context) (*models.User, error) {
	const op = "initialize auth"

	restoreErr := a.manager.Restore(ctx)
	if restoreErr != nil {
		a.logger.Warn(ctx, "session restore failed", "error", restoreErr)
	}

	if !a.manager.IsAuthenticated() {
		u, err := a.recover(ctx, op)
		switch {
		case err == nil:
			return u, nil
		case errors.Is(err, ErrNoRecoverySession) && restoreErr == nil:
			a.logger.Info(ctx, "no existing auth session found")
			return nil, nil
		case errors.Is(err, ErrNoRecoverySession):
			return nil, autherr.Transform(op, restoreErr)
		default:
			return nil, err
		}
	}

	s := a.manager.Current()
	if s == nil {
		return nil, nil
	}
	a.mirror(ctx, map[string]string{
		securestore.KeyAccessToken:  s.AccessToken,
		securestore.KeyRefreshToken: s.RefreshToken,
	})

	u, err := a.fetchUser(ctx, op, s)
	if err != nil {
		return nil, err
	}
	a.setUser(u)
	return u, nil
}

func (a *authService) recover(ctx context.Context, op string) (*models.User, error) {
	if a.secure == nil {
		return nil, ErrNoRecoverySession
	}
	rt, err := a.secure.GetString(ctx, securestore.KeyRefreshToken)
	if err != nil {
		a.logger.Warn(ctx, "failed to read refresh token from secure store", "error", err)
		return nil, ErrNoRecoverySession
	}
	if rt == "" {
		return nil, ErrNoRecoverySession
	}

	a.logger.Info(ctx, "recovering session from secure store")
	resp, err := a.backend.RefreshSession(ctx, rt)
	if err != nil {
		err = autherr.Transform(op, err)
		a.logger.Warn(ctx, "session recovery failed", "error", err)
		if derr := a.secure.Delete(ctx, securestore.KeyAccessToken, securestore.KeyRefreshToken); derr != nil {
			a.logger.Warn(ctx, "failed to drop stale secure tokens", "error", derr)
		}
		return nil, err
	}
	return a.establish(ctx, op, resp)
}

// fetchUser loads the profile for s. Backend answers that end the session
// clear local state; transport failures fall back to what the session knows.
func (a *authService) fetchUser(ctx context.Context, op string, s *session.Session) (*models.User, error) {
	bu, err := a.backend.GetUser(client.WithAccessToken(ctx, s.AccessToken))
	if err == nil {
		return mapUser(bu), nil
	}

	err = autherr.Transform(op, err)
	switch autherr.CodeOf(err) {
	case autherr.CodeSessionExpired, autherr.CodeUnauthorized, autherr.CodeUserNotFound:
		a.logger.Warn(ctx, "backend rejected restored session", "user_id", s.UserID, "error", err)
		if cerr := a.ClearAuthData(ctx); cerr != nil {
			a.logger.Error(ctx, "failed to clear rejected session", "error", cerr)
		}
		return nil, err
	}

	a.logger.Warn(ctx, "failed to load user profile, using session identity", "user_id", s.UserID, "error", err)
	if u := a.cachedUser(); u != nil && u.ID == s.UserID {
		return u, nil
	}
	return &models.User{ID: s.UserID}, nil
}

// RefreshSession forces a token refresh and returns the signed-in user.
func (a *authService) RefreshSession(ctx context.Context) (*models.User, error) {
	const op = "refresh session"

	s, err := a.manager.Refresh(ctx, true)
	if err != nil {
		err = autherr.Transform(op, err)
		a.logger.Error(ctx, "session refresh failed", "error", err)
		return nil, err
	}

	if u := a.cachedUser(); u != nil && u.ID == s.UserID {
		return u, nil
	}
	u, err := a.fetchUser(ctx, op, s)
	if err != nil {
		return nil, err
	}
	a.setUser(u)
	return u, nil
}

// GetAccessToken returns a usable access token. A session that can no longer
// be recovered signs the user out.
func (a *authService) GetAccessToken(ctx context.Context) (string, error) {
	const op = "get access token"

	token, err := a.manager.GetAccessToken(ctx)
	if err == nil {
		return token, nil
	}

	err = autherr.Transform(op, err)
	if errors.Is(err, autherr.ErrSessionExpired) {
		if cerr := a.ClearAuthData(ctx); cerr != nil {
			a.logger.Error(ctx, "failed to clear expired session", "error", cerr)
		}
	}
	return "", err
}

// SubscribeToAuthChanges calls fn with the user after every sign-in and
// token renewal, and with nil after sign-out.
func (a *authService) SubscribeToAuthChanges(fn func(*models.User)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++
	a.listeners[id] = fn

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

func (a *authService) GetActiveSessions(ctx context.Context) []session.SessionMetadata {
	return a.manager.GetActiveSessions(ctx)
}

func (a *authService) RevokeSession(ctx context.Context, deviceID string) error {
	if err := a.manager.RevokeSession(ctx, deviceID); err != nil {
		return autherr.Transform("revoke session", err)
	}
	return nil
}

func (a *authService) Ping(ctx context.Context) error {
	return autherr.Transform("ping", a.backend.Ping(ctx))
}

// Close detaches from session events and releases the backend connection.
func (a *authService) Close(ctx context.Context) error {
	a.unsubscribe()
	return a.backend.Close()
}

func (a *authService) onSessionEvent(ev session.Event) {
	ctx := context.Background()

	switch ev.Type {
	case session.EventRenewed:
		if ev.Session == nil {
			return
		}
		a.mirror(ctx, map[string]string{
			securestore.KeyAccessToken:  ev.Session.AccessToken,
			securestore.KeyRefreshToken: ev.Session.RefreshToken,
		})
		if u := a.cachedUser(); u != nil {
			a.notify(u)
		}
	case session.EventExpired, session.EventInvalid:
		if a.secure != nil {
			if err := a.secure.Delete(ctx, securestore.KeyAccessToken, securestore.KeyRefreshToken); err != nil {
				a.logger.Warn(ctx, "failed to drop secure tokens", "error", err)
			}
		}
		a.setUser(nil)
	case session.EventError:
		a.logger.Warn(ctx, "session error", "device_id", ev.DeviceID, "error", ev.Err)
	}
}

func (a *authService) mirror(ctx context.Context, values map[string]string) {
	mirrorSecure(ctx, a.secure, a.logger, values)
}

// mirrorSecure writes values to the secure store. The session store stays
// authoritative, so failures are logged only.
func mirrorSecure(ctx context.Context, secure *securestore.Store, logger logging.Logger, values map[string]string) {
	if secure == nil {
		return
	}
	for k, v := range values {
		if v == "" {
			continue
		}
		if err := secure.SetString(ctx, k, v); err != nil {
			logger.Warn(ctx, "failed to store token securely", "key", k, "error", err)
		}
	}
}

func (a *authService) cachedUser() *models.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.user == nil {
		return nil
	}
	u := *a.user
	return &u
}

// setUser records u and notifies subscribers when the signed-in state
// changes. Signing in again always notifies.
func (a *authService) setUser(u *models.User) {
	a.mu.Lock()
	prev := a.user
	a.user = u
	a.mu.Unlock()

	if u == nil && prev == nil {
		return
	}
	a.notify(u)
}

func (a *authService) notify(u *models.User) {
	a.mu.Lock()
	ls := make([]func(*models.User), 0, len(a.listeners))
	for _, l := range a.listeners {
		ls = append(ls, l)
	}
	a.mu.Unlock()

	for _, l := range ls {
		if u == nil {
			l(nil)
			continue
		}
		c := *u
		l(&c)
	}
}
