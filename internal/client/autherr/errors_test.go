package autherr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr struct {
	status int
	msg    string
}

func (e *statusErr) Error() string   { return e.msg }
func (e *statusErr) StatusCode() int { return e.status }

type codeErr struct {
	code string
}

func (e *codeErr) Error() string       { return "backend error " + e.code }
func (e *codeErr) BackendCode() string { return e.code }

func TestError_IsMatchesSentinelAndCause(t *testing.T) {
	cause := errors.New("rpc error: unauthenticated")
	err := New(CodeSessionExpired, "get access token", cause)

	require.True(t, errors.Is(err, ErrSessionExpired))
	require.True(t, errors.Is(err, cause))
	require.False(t, errors.Is(err, ErrTokenRefresh))
	assert.Equal(t, "get access token: session expired: rpc error: unauthenticated", err.Error())
}

func TestError_NoOpNoCause(t *testing.T) {
	err := New(CodeWeakPassword, "", nil)
	assert.Equal(t, "weak password", err.Error())
	assert.True(t, errors.Is(err, ErrWeakPassword))
}

func TestError_WithContextMerges(t *testing.T) {
	err := New(CodeUnknown, "sign in", nil).
		WithContext(map[string]any{"action": "login"}).
		WithContext(map[string]any{"user_id": "u1"})

	assert.Equal(t, map[string]any{"action": "login", "user_id": "u1"}, err.Context)
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New(CodeEmailInUse, "sign up", nil))
	tm := &TooManyRequestsError{Action: "login", MaxAttempts: 5}

	assert.Equal(t, CodeEmailInUse, CodeOf(wrapped))
	assert.Equal(t, CodeTooManyRequests, CodeOf(tm))
	assert.Equal(t, CodeNetwork, CodeOf(fmt.Errorf("x: %w", ErrNetwork)))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("mystery")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestTooManyRequestsError(t *testing.T) {
	reset := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := &TooManyRequestsError{Action: "login", ResetTime: reset, Remaining: 14 * time.Minute, MaxAttempts: 5}

	require.True(t, errors.Is(err, ErrTooManyRequests))
	assert.Equal(t, "too many login attempts (max 5), retry after 2026-01-02T03:04:05Z", err.Error())
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, "Invalid email or password provided",
		UserMessage(New(CodeInvalidCredentials, "sign in", errors.New("raw backend body"))))
	assert.Equal(t, "An unexpected error occurred. Please try again", UserMessage(errors.New("raw backend body")))

	tm := &TooManyRequestsError{Action: "login", Remaining: 14*time.Minute + 20*time.Second}
	assert.Equal(t, "Too many authentication attempts. Please try again later (try again in 14 minutes)", UserMessage(tm))

	short := &TooManyRequestsError{Action: "mfa", Remaining: 5 * time.Second}
	assert.Contains(t, UserMessage(short), "1 minute")
}

func TestMessage_UnknownCodeFallsBack(t *testing.T) {
	assert.Equal(t, Message(CodeUnknown), Message(Code("NOPE")))
	assert.Equal(t, ErrUnknown, Sentinel(Code("NOPE")))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"deadline", context.DeadlineExceeded, CodeNetwork},
		{"canceled", fmt.Errorf("op: %w", context.Canceled), CodeSessionCancelled},
		{"sqlstate unique", &codeErr{"23505"}, CodeEmailInUse},
		{"sqlstate privilege", &codeErr{"42501"}, CodeUnauthorized},
		{"backend 429 code", &codeErr{"429"}, CodeTooManyRequests},
		{"401 plain", &statusErr{401, "Unauthenticated"}, CodeSessionExpired},
		{"401 credentials", &statusErr{401, "Invalid login credentials"}, CodeInvalidCredentials},
		{"401 refresh", &statusErr{401, "Invalid Refresh Token: Already Used"}, CodeTokenRefresh},
		{"403", &statusErr{403, "denied"}, CodeUnauthorized},
		{"404", &statusErr{404, "no such user"}, CodeUserNotFound},
		{"409", &statusErr{409, "conflict"}, CodeEmailInUse},
		{"429", &statusErr{429, "slow down"}, CodeTooManyRequests},
		{"503", &statusErr{503, "unavailable"}, CodeNetwork},
		{"422 falls to message", &statusErr{422, "Password should be at least 6 characters"}, CodeWeakPassword},
		{"cancelled text", errors.New("User cancelled the login flow"), CodeSessionCancelled},
		{"google text", errors.New("Google Sign-In failed"), CodeGoogleAuth},
		{"jwt expired", errors.New("JWT expired"), CodeSessionExpired},
		{"user not found", errors.New("User not found"), CodeUserNotFound},
		{"already registered", errors.New("User already registered"), CodeEmailInUse},
		{"network", errors.New("Network request failed"), CodeNetwork},
		{"connection", errors.New("connection refused"), CodeNetwork},
		{"unknown", errors.New("something odd"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestTransform(t *testing.T) {
	require.NoError(t, Transform("op", nil))

	raw := &statusErr{401, "Unauthenticated"}
	err := Transform("refresh session", raw)
	require.True(t, errors.Is(err, ErrSessionExpired))
	require.True(t, errors.Is(err, raw))

	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "refresh session", ae.Op)

	already := New(CodeWeakPassword, "sign up", nil)
	assert.Same(t, already, Transform("other", already))

	tm := &TooManyRequestsError{Action: "login"}
	assert.Same(t, tm, Transform("sign in", tm))
}
