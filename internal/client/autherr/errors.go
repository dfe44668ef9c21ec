// Package autherr defines the authentication error taxonomy surfaced by the
// auth service, and the mapping from raw identity-backend failures into it.
//
// Every error produced here matches its kind's sentinel with errors.Is:
//
//	if errors.Is(err, autherr.ErrSessionExpired) { ... }
//
// while still unwrapping to the underlying cause.
package autherr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code identifies an error kind. Values are stable and safe to log.
type Code string

const (
	CodeInvalidCredentials Code = "AUTH_INVALID_CREDENTIALS"
	CodeSessionExpired     Code = "AUTH_SESSION_EXPIRED"
	CodeTokenRefresh       Code = "AUTH_TOKEN_REFRESH_FAILED"
	CodeUserNotFound       Code = "AUTH_USER_NOT_FOUND"
	CodeEmailInUse         Code = "AUTH_EMAIL_IN_USE"
	CodeWeakPassword       Code = "AUTH_WEAK_PASSWORD"
	CodeNetwork            Code = "AUTH_NETWORK_ERROR"
	CodeUnauthorized       Code = "AUTH_UNAUTHORIZED"
	CodeTooManyRequests    Code = "AUTH_RATE_LIMIT"
	CodeGoogleAuth         Code = "AUTH_GOOGLE_ERROR"
	CodeAuthSession        Code = "AUTH_SESSION_ERROR"
	CodeSessionCancelled   Code = "AUTH_SESSION_CANCELLED"
	CodeValidation         Code = "AUTH_VALIDATION_FAILED"
	CodeUnknown            Code = "AUTH_UNKNOWN"

	// Account maintenance.
	CodeResetEmail        Code = "AUTH_RESET_EMAIL_FAILED"
	CodeResetPassword     Code = "AUTH_RESET_PASSWORD_FAILED"
	CodeUpdatePassword    Code = "AUTH_UPDATE_PASSWORD_FAILED"
	CodeVerificationEmail Code = "AUTH_VERIFICATION_EMAIL_FAILED"
	CodeVerifyEmail       Code = "AUTH_VERIFY_EMAIL_FAILED"
	CodeMFAEnable         Code = "AUTH_MFA_ENABLE_FAILED"
	CodeMFAChallenge      Code = "AUTH_MFA_CHALLENGE_FAILED"
	CodeMFAVerify         Code = "AUTH_MFA_VERIFY_FAILED"
	CodeMFABackup         Code = "AUTH_MFA_BACKUP_FAILED"
	CodeMFADisable        Code = "AUTH_MFA_DISABLE_FAILED"
)

// Sentinels, one per Code.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")
	ErrTokenRefresh       = errors.New("token refresh failed")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailInUse         = errors.New("email already in use")
	ErrWeakPassword       = errors.New("weak password")
	ErrNetwork            = errors.New("network error")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrTooManyRequests    = errors.New("too many requests")
	ErrGoogleAuth         = errors.New("google sign-in failed")
	ErrAuthSession        = errors.New("auth session error")
	ErrSessionCancelled   = errors.New("auth session cancelled")
	ErrValidation         = errors.New("token validation failed")
	ErrUnknown            = errors.New("unknown auth error")

	ErrResetEmail        = errors.New("password reset email failed")
	ErrResetPassword     = errors.New("password reset failed")
	ErrUpdatePassword    = errors.New("password update failed")
	ErrVerificationEmail = errors.New("verification email failed")
	ErrVerifyEmail       = errors.New("email verification failed")
	ErrMFAEnable         = errors.New("mfa enrollment failed")
	ErrMFAChallenge      = errors.New("mfa challenge failed")
	ErrMFAVerify         = errors.New("mfa verification failed")
	ErrMFABackup         = errors.New("mfa backup codes unavailable")
	ErrMFADisable        = errors.New("mfa unenrollment failed")
)

var sentinels = map[Code]error{
	CodeInvalidCredentials: ErrInvalidCredentials,
	CodeSessionExpired:     ErrSessionExpired,
	CodeTokenRefresh:       ErrTokenRefresh,
	CodeUserNotFound:       ErrUserNotFound,
	CodeEmailInUse:         ErrEmailInUse,
	CodeWeakPassword:       ErrWeakPassword,
	CodeNetwork:            ErrNetwork,
	CodeUnauthorized:       ErrUnauthorized,
	CodeTooManyRequests:    ErrTooManyRequests,
	CodeGoogleAuth:         ErrGoogleAuth,
	CodeAuthSession:        ErrAuthSession,
	CodeSessionCancelled:   ErrSessionCancelled,
	CodeValidation:         ErrValidation,
	CodeUnknown:            ErrUnknown,

	CodeResetEmail:        ErrResetEmail,
	CodeResetPassword:     ErrResetPassword,
	CodeUpdatePassword:    ErrUpdatePassword,
	CodeVerificationEmail: ErrVerificationEmail,
	CodeVerifyEmail:       ErrVerifyEmail,
	CodeMFAEnable:         ErrMFAEnable,
	CodeMFAChallenge:      ErrMFAChallenge,
	CodeMFAVerify:         ErrMFAVerify,
	CodeMFABackup:         ErrMFABackup,
	CodeMFADisable:        ErrMFADisable,
}

var messages = map[Code]string{
	CodeInvalidCredentials: "Invalid email or password provided",
	CodeSessionExpired:     "Your session has expired. Please sign in again",
	CodeTokenRefresh:       "Failed to refresh authentication token",
	CodeUserNotFound:       "User account not found",
	CodeEmailInUse:         "This email is already registered",
	CodeWeakPassword:       "Password does not meet security requirements",
	CodeNetwork:            "Network error occurred during authentication",
	CodeUnauthorized:       "You are not authorized to perform this action",
	CodeTooManyRequests:    "Too many authentication attempts. Please try again later",
	CodeGoogleAuth:         "Failed to authenticate with Google",
	CodeAuthSession:        "Authentication session error occurred",
	CodeSessionCancelled:   "Authentication was cancelled",
	CodeValidation:         "Your sign-in could not be verified. Please sign in again",
	CodeUnknown:            "An unexpected error occurred. Please try again",

	CodeResetEmail:        "Failed to send password reset email",
	CodeResetPassword:     "Failed to reset password",
	CodeUpdatePassword:    "Failed to update password",
	CodeVerificationEmail: "Failed to send verification email",
	CodeVerifyEmail:       "Failed to verify email",
	CodeMFAEnable:         "Failed to enable two-factor authentication",
	CodeMFAChallenge:      "Failed to initiate verification",
	CodeMFAVerify:         "Failed to verify authentication code",
	CodeMFABackup:         "No backup codes available. Re-enroll to generate new codes",
	CodeMFADisable:        "Failed to disable two-factor authentication",
}

// Message returns the user-facing text for code.
func Message(code Code) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[CodeUnknown]
}

// Sentinel returns the sentinel error for code, or ErrUnknown.
func Sentinel(code Code) error {
	if s, ok := sentinels[code]; ok {
		return s
	}
	return ErrUnknown
}

// Error is a classified authentication failure.
type Error struct {
	Code Code
	// Op names the operation that failed, e.g. "sign in".
	Op string
	// Err is the underlying cause; it is logged but never shown to users.
	Err error
	// Context carries loggable detail (user id, action). No secrets.
	Context map[string]any
}

func New(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// WithContext returns e after merging kv into its Context.
func (e *Error) WithContext(kv map[string]any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		e.Context[k] = v
	}
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(Sentinel(e.Code).Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{Sentinel(e.Code)}
	}
	return []error{Sentinel(e.Code), e.Err}
}

// TooManyRequestsError is returned by the rate limiter when an action's
// attempt budget is exhausted.
type TooManyRequestsError struct {
	Action      string
	ResetTime   time.Time
	Remaining   time.Duration
	MaxAttempts int
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("too many %s attempts (max %d), retry after %s",
		e.Action, e.MaxAttempts, e.ResetTime.UTC().Format(time.RFC3339))
}

func (e *TooManyRequestsError) Unwrap() error {
	return ErrTooManyRequests
}

// CodeOf classifies err. Unclassified non-nil errors report CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	var tm *TooManyRequestsError
	if errors.As(err, &tm) {
		return CodeTooManyRequests
	}
	for code, s := range sentinels {
		if errors.Is(err, s) {
			return code
		}
	}
	return CodeUnknown
}

// UserMessage renders err for display. Rate-limit errors include the
// remaining lockout; other kinds use the kind's message only.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var tm *TooManyRequestsError
	if errors.As(err, &tm) {
		wait := tm.Remaining.Round(time.Minute)
		if wait < time.Minute {
			wait = time.Minute
		}
		return fmt.Sprintf("%s (try again in %s)", Message(CodeTooManyRequests), formatWait(wait))
	}
	return Message(CodeOf(err))
}

func formatWait(d time.Duration) string {
	m := int(d / time.Minute)
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}
