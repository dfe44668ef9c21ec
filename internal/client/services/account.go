package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/client/autherr"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/client"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/ratelimit"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/securestore"
	"github.com/dmitrijs2005/sessionkeeper/internal/client/session"
	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
)

const (
	// PasswordResetRedirect is opened by the link in reset emails.
	PasswordResetRedirect = "sessionkeeper://reset-password"

	mfaIssuer       = "Sessionkeeper"
	mfaFriendlyName = "Sessionkeeper CLI"
	mfaMethodTOTP   = "totp"

	keyVerificationState = "email_verification_state"
	keyMFAState          = "mfa_state"
)

var (
	ErrMFANotEnabled    = errors.New("two-factor authentication is not enabled")
	ErrNoBackupCodes    = errors.New("no backup codes stored")
	errEmptyOTP         = errors.New("verification code is empty")
	errNoEmailOnFile    = errors.New("signed-in user has no email")
	errEnrollIncomplete = errors.New("enrollment response lacks a secret")
)

// VerificationState records a pending email verification.
type VerificationState struct {
	Email string `json:"email"`
	// Timestamp is when the code was sent, Unix ms.
	Timestamp int64 `json:"timestamp"`
}

// MFAState is the locally known second-factor setup of a user.
type MFAState struct {
	Enabled  bool   `json:"isEnabled"`
	Method   string `json:"preferredMethod,omitempty"`
	FactorID string `json:"factorId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// AccountService covers account maintenance next to sign-in: password
// reset and change, email verification, and TOTP second factor.
//
// Every outgoing email and every code check is rate limited with the
// matching ratelimit action. Errors are *autherr.Error or
// *autherr.TooManyRequestsError.
type AccountService interface {
	SendPasswordResetEmail(ctx context.Context, email string) error
	// ResetPassword sets a new password for the session opened by the reset
	// link.
	ResetPassword(ctx context.Context, newPassword string) error
	// UpdatePassword re-checks the current password before changing it.
	UpdatePassword(ctx context.Context, currentPassword, newPassword string) error

	SendVerificationEmail(ctx context.Context, email string) error
	VerifyEmail(ctx context.Context, email, code string) error
	IsEmailVerified(ctx context.Context) bool
	// PendingVerification returns the verification awaiting a code, or nil.
	PendingVerification(ctx context.Context) *VerificationState

	EnableTOTP(ctx context.Context) (*client.TOTPEnrollment, error)
	// VerifyTOTP answers a fresh challenge with code. On success the session
	// is replaced by the upgraded one the backend returns.
	VerifyTOTP(ctx context.Context, code string) (bool, error)
	BackupCodes(ctx context.Context) ([]string, error)
	DisableMFA(ctx context.Context) error
	MFAStatus(ctx context.Context) MFAState
}

// AccountDeps are the collaborators of the account service. State holds
// non-secret bookkeeping; Secure holds the authenticator secret.
type AccountDeps struct {
	Backend client.IdentityClient
	Manager *session.Manager
	Limiter *ratelimit.Limiter
	Secure  *securestore.Store
	State   kv.Repository
	Logger  logging.Logger
}

type accountService struct {
	backend client.IdentityClient
	manager *session.Manager
	limiter *ratelimit.Limiter
	secure  *securestore.Store
	state   kv.Repository
	logger  logging.Logger
	now     func() time.Time
}

func NewAccountService(d AccountDeps) AccountService {
	return &accountService{
		backend: d.Backend,
		manager: d.Manager,
		limiter: d.Limiter,
		secure:  d.Secure,
		state:   d.State,
		logger:  d.Logger,
		now:     time.Now,
	}
}

// fail wraps err under code unless it already is a rate-limit rejection,
// which is passed through so the lockout stays visible.
func (s *accountService) fail(ctx context.Context, code autherr.Code, op string, err error) error {
	s.logger.Error(ctx, "account operation failed", "op", op, "code", code, "error", err)
	var tm *autherr.TooManyRequestsError
	if errors.As(err, &tm) {
		return err
	}
	return autherr.New(code, op, err)
}

// authorized returns ctx carrying a usable access token of the current
// session.
func (s *accountService) authorized(ctx context.Context) (context.Context, *session.Session, error) {
	token, err := s.manager.GetAccessToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	cur := s.manager.Current()
	if cur == nil {
		return nil, nil, session.ErrNoSession
	}
	return client.WithAccessToken(ctx, token), cur, nil
}

func (s *accountService) SendPasswordResetEmail(ctx context.Context, email string) error {
	const op = "send password reset"

	email, err := normalizeEmail(email)
	if err != nil {
		return s.fail(ctx, autherr.CodeResetEmail, op, err)
	}
	if err := s.limiter.Check(ctx, ratelimit.ActionPasswordReset, email); err != nil {
		return s.fail(ctx, autherr.CodeResetEmail, op, err)
	}
	if err := s.backend.SendPasswordReset(ctx, email, PasswordResetRedirect); err != nil {
		return s.fail(ctx, autherr.CodeResetEmail, op, err)
	}
	s.logger.Info(ctx, "password reset email sent")
	return nil
}

func (s *accountService) ResetPassword(ctx context.Context, newPassword string) error {
	const op = "reset password"

	if err := ValidatePassword(newPassword); err != nil {
		return autherr.New(autherr.CodeWeakPassword, op, err)
	}
	actx, _, err := s.authorized(ctx)
	if err != nil {
		return s.fail(ctx, autherr.CodeResetPassword, op, err)
	}
	if err := s.backend.UpdatePassword(actx, newPassword); err != nil {
		return s.fail(ctx, autherr.CodeResetPassword, op, err)
	}
	s.logger.Info(ctx, "password reset")
	return nil
}

func (s *accountService) UpdatePassword(ctx context.Context, currentPassword, newPassword string) error {
	const op = "update password"

	if err := ValidatePassword(newPassword); err != nil {
		return autherr.New(autherr.CodeWeakPassword, op, err)
	}
	actx, _, err := s.authorized(ctx)
	if err != nil {
		return s.fail(ctx, autherr.CodeUpdatePassword, op, err)
	}

	bu, err := s.backend.GetUser(actx)
	if err != nil {
		return s.fail(ctx, autherr.CodeUpdatePassword, op, err)
	}
	email := strings.ToLower(bu.Email)
	if email == "" {
		return s.fail(ctx, autherr.CodeUpdatePassword, op, errNoEmailOnFile)
	}

	// Re-checking the password is a sign-in attempt and shares its budget.
	if err := s.limiter.Check(ctx, ratelimit.ActionLogin, email); err != nil {
		return s.fail(ctx, autherr.CodeUpdatePassword, op, err)
	}
	resp, err := s.backend.SignInWithPassword(ctx, email, currentPassword)
	if err != nil {
		err = autherr.Transform(op, err)
		if autherr.CodeOf(err) == autherr.CodeInvalidCredentials {
			return err
		}
		return s.fail(ctx, autherr.CodeUpdatePassword, op, err)
	}
	if resp.Session != nil {
		if err := s.backend.SignOut(ctx, resp.Session.AccessToken); err != nil {
			s.logger.Warn(ctx, "failed to end password check session", "error", err)
		}
	}

	if err := s.backend.UpdatePassword(actx, newPassword); err != nil {
		return s.fail(ctx, autherr.CodeUpdatePassword, op, err)
	}
	if err := s.limiter.Reset(ctx, ratelimit.ActionLogin, email); err != nil {
		s.logger.Warn(ctx, "failed to reset rate limit", "action", ratelimit.ActionLogin, "error", err)
	}
	s.logger.Info(ctx, "password updated", "user_id", bu.ID)
	return nil
}

func (s *accountService) SendVerificationEmail(ctx context.Context, email string) error {
	const op = "send verification email"

	email, err := normalizeEmail(email)
	if err != nil {
		return s.fail(ctx, autherr.CodeVerificationEmail, op, err)
	}
	if err := s.limiter.Check(ctx, ratelimit.ActionVerification, email); err != nil {
		return s.fail(ctx, autherr.CodeVerificationEmail, op, err)
	}
	if err := s.backend.SendEmailOTP(ctx, email); err != nil {
		return s.fail(ctx, autherr.CodeVerificationEmail, op, err)
	}

	st := VerificationState{Email: email, Timestamp: s.now().UnixMilli()}
	if err := s.writeJSON(ctx, keyVerificationState, st); err != nil {
		s.logger.Warn(ctx, "failed to store verification state", "error", err)
	}
	s.logger.Info(ctx, "verification email sent")
	return nil
}

// otpIdentifier keeps code guesses in a budget separate from sends.
func otpIdentifier(email string) string {
	return "otp:" + email
}

func (s *accountService) VerifyEmail(ctx context.Context, email, code string) error {
	const op = "verify email"

	email, err := normalizeEmail(email)
	if err != nil {
		return s.fail(ctx, autherr.CodeVerifyEmail, op, err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return s.fail(ctx, autherr.CodeVerifyEmail, op, errEmptyOTP)
	}
	if err := s.limiter.Check(ctx, ratelimit.ActionVerification, otpIdentifier(email)); err != nil {
		return s.fail(ctx, autherr.CodeVerifyEmail, op, err)
	}

	resp, err := s.backend.VerifyEmailOTP(ctx, email, code)
	if err != nil {
		return s.fail(ctx, autherr.CodeVerifyEmail, op, err)
	}
	// The session a verification code opens is not adopted; sign-in stays
	// explicit.
	if resp != nil && resp.Session != nil {
		if err := s.backend.SignOut(ctx, resp.Session.AccessToken); err != nil {
			s.logger.Warn(ctx, "failed to end verification session", "error", err)
		}
	}

	if err := s.state.Delete(ctx, keyVerificationState); err != nil {
		s.logger.Warn(ctx, "failed to clear verification state", "error", err)
	}
	if err := s.limiter.Reset(ctx, ratelimit.ActionVerification, otpIdentifier(email)); err != nil {
		s.logger.Warn(ctx, "failed to reset rate limit", "action", ratelimit.ActionVerification, "error", err)
	}
	s.logger.Info(ctx, "email verified")
	return nil
}

// IsEmailVerified asks the backend about the signed-in user. Any failure,
// including not being signed in, reads as unverified.
func (s *accountService) IsEmailVerified(ctx context.Context) bool {
	actx, _, err := s.authorized(ctx)
	if err != nil {
		return false
	}
	bu, err := s.backend.GetUser(actx)
	if err != nil {
		s.logger.Warn(ctx, "failed to check email verification status", "error", err)
		return false
	}
	return bu.EmailConfirmedAt != ""
}

func (s *accountService) PendingVerification(ctx context.Context) *VerificationState {
	var st VerificationState
	ok, err := s.readJSON(ctx, keyVerificationState, &st)
	if err != nil {
		s.logger.Warn(ctx, "failed to read verification state", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &st
}

func (s *accountService) EnableTOTP(ctx context.Context) (*client.TOTPEnrollment, error) {
	const op = "enable totp"

	if s.secure == nil {
		return nil, s.fail(ctx, autherr.CodeMFAEnable, op, securestore.ErrEmptySecret)
	}
	actx, cur, err := s.authorized(ctx)
	if err != nil {
		return nil, s.fail(ctx, autherr.CodeMFAEnable, op, err)
	}

	e, err := s.backend.EnrollTOTP(actx, mfaIssuer, mfaFriendlyName)
	if err != nil {
		return nil, s.fail(ctx, autherr.CodeMFAEnable, op, err)
	}
	if e.Secret == "" {
		return nil, s.fail(ctx, autherr.CodeMFAEnable, op, errEnrollIncomplete)
	}

	if err := s.secure.SetString(ctx, securestore.KeyMFASecret, e.Secret); err != nil {
		return nil, s.fail(ctx, autherr.CodeMFAEnable, op, err)
	}
	if len(e.BackupCodes) > 0 {
		codes, _ := json.Marshal(e.BackupCodes)
		if err := s.secure.Set(ctx, securestore.KeyMFABackupCodes, codes); err != nil {
			s.logger.Warn(ctx, "failed to store backup codes", "error", err)
		}
	}

	st := MFAState{Enabled: true, Method: mfaMethodTOTP, FactorID: e.FactorID, UserID: cur.UserID}
	if err := s.writeJSON(ctx, keyMFAState, st); err != nil {
		s.logger.Warn(ctx, "failed to store mfa state", "error", err)
	}
	s.logger.Info(ctx, "totp enrolled", "user_id", cur.UserID, "factor_id", e.FactorID)
	return e, nil
}

func (s *accountService) VerifyTOTP(ctx context.Context, code string) (bool, error) {
	const op = "verify totp"

	actx, cur, err := s.authorized(ctx)
	if err != nil {
		return false, s.fail(ctx, autherr.CodeMFAVerify, op, err)
	}
	st := s.MFAStatus(ctx)
	if !st.Enabled || st.FactorID == "" {
		return false, s.fail(ctx, autherr.CodeMFAVerify, op, ErrMFANotEnabled)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return false, s.fail(ctx, autherr.CodeMFAVerify, op, errEmptyOTP)
	}
	if err := s.limiter.Check(ctx, ratelimit.ActionMFA, cur.UserID); err != nil {
		return false, s.fail(ctx, autherr.CodeMFAVerify, op, err)
	}

	challengeID, err := s.backend.ChallengeMFA(actx, st.FactorID)
	if err != nil {
		return false, s.fail(ctx, autherr.CodeMFAChallenge, op, err)
	}
	resp, err := s.backend.VerifyMFA(actx, st.FactorID, challengeID, code)
	if err != nil {
		return false, s.fail(ctx, autherr.CodeMFAVerify, op, err)
	}
	if resp == nil || resp.Session == nil || resp.User == nil {
		return false, nil
	}

	upgraded := newSession(s.now(), resp, cur.DeviceID)
	if err := s.manager.SetSession(ctx, upgraded); err != nil {
		return false, s.fail(ctx, autherr.CodeMFAVerify, op, err)
	}
	mirrorSecure(ctx, s.secure, s.logger, map[string]string{
		securestore.KeyAccessToken:  upgraded.AccessToken,
		securestore.KeyRefreshToken: upgraded.RefreshToken,
	})

	if err := s.limiter.Reset(ctx, ratelimit.ActionMFA, cur.UserID); err != nil {
		s.logger.Warn(ctx, "failed to reset rate limit", "action", ratelimit.ActionMFA, "error", err)
	}
	s.logger.Info(ctx, "second factor verified", "user_id", cur.UserID)
	return true, nil
}

func (s *accountService) BackupCodes(ctx context.Context) ([]string, error) {
	const op = "backup codes"

	if s.secure == nil || !s.MFAStatus(ctx).Enabled {
		return nil, s.fail(ctx, autherr.CodeMFABackup, op, ErrNoBackupCodes)
	}
	raw, err := s.secure.Get(ctx, securestore.KeyMFABackupCodes)
	if err != nil {
		return nil, s.fail(ctx, autherr.CodeMFABackup, op, err)
	}
	var codes []string
	if raw != nil {
		if err := json.Unmarshal(raw, &codes); err != nil {
			return nil, s.fail(ctx, autherr.CodeMFABackup, op, fmt.Errorf("decode backup codes: %w", err))
		}
	}
	if len(codes) == 0 {
		return nil, s.fail(ctx, autherr.CodeMFABackup, op, ErrNoBackupCodes)
	}
	return codes, nil
}

func (s *accountService) DisableMFA(ctx context.Context) error {
	const op = "disable mfa"

	st := s.MFAStatus(ctx)
	if !st.Enabled {
		return s.fail(ctx, autherr.CodeMFADisable, op, ErrMFANotEnabled)
	}
	actx, _, err := s.authorized(ctx)
	if err != nil {
		return s.fail(ctx, autherr.CodeMFADisable, op, err)
	}
	if err := s.backend.UnenrollMFA(actx, st.FactorID); err != nil {
		return s.fail(ctx, autherr.CodeMFADisable, op, err)
	}

	if err := s.state.Delete(ctx, keyMFAState); err != nil {
		s.logger.Warn(ctx, "failed to clear mfa state", "error", err)
	}
	if s.secure != nil {
		if err := s.secure.Delete(ctx, securestore.KeyMFASecret, securestore.KeyMFABackupCodes); err != nil {
			s.logger.Warn(ctx, "failed to drop mfa secret", "error", err)
		}
	}
	s.logger.Info(ctx, "mfa disabled", "factor_id", st.FactorID)
	return nil
}

// MFAStatus reports the stored second-factor state for the signed-in user.
// State recorded for another user reads as disabled.
func (s *accountService) MFAStatus(ctx context.Context) MFAState {
	var st MFAState
	ok, err := s.readJSON(ctx, keyMFAState, &st)
	if err != nil {
		s.logger.Warn(ctx, "failed to read mfa state", "error", err)
		return MFAState{}
	}
	if !ok {
		return MFAState{}
	}
	if cur := s.manager.Current(); cur == nil || cur.UserID != st.UserID {
		return MFAState{}
	}
	return st
}

func (s *accountService) writeJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.state.Set(ctx, key, b)
}

func (s *accountService) readJSON(ctx context.Context, key string, v any) (bool, error) {
	b, err := s.state.Get(ctx, key)
	if err != nil || b == nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
