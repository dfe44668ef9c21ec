package autherr

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// StatusCoder is implemented by backend errors carrying an HTTP-style status.
type StatusCoder interface {
	StatusCode() int
}

// BackendCoder is implemented by backend errors carrying a backend-specific
// code, such as a Postgres SQLSTATE surfaced through the identity backend.
type BackendCoder interface {
	BackendCode() string
}

var backendCodes = map[string]Code{
	"23505": CodeEmailInUse,
	"42501": CodeUnauthorized,
	"429":   CodeTooManyRequests,
}

// substring rules, checked in order against the lower-cased message.
var messageRules = []struct {
	needle string
	code   Code
}{
	{"cancelled", CodeSessionCancelled},
	{"canceled", CodeSessionCancelled},
	{"google", CodeGoogleAuth},
	{"invalid login credentials", CodeInvalidCredentials},
	{"jwt expired", CodeSessionExpired},
	{"refresh token", CodeTokenRefresh},
	{"user not found", CodeUserNotFound},
	{"already registered", CodeEmailInUse},
	{"weak password", CodeWeakPassword},
	{"password should", CodeWeakPassword},
	{"network", CodeNetwork},
	{"connection", CodeNetwork},
}

// Transform classifies a raw backend or transport error and wraps it in an
// *Error tagged with op. Errors already classified are returned unchanged.
func Transform(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	var tm *TooManyRequestsError
	if errors.As(err, &tm) {
		return err
	}
	return New(Classify(err), op, err)
}

// Classify maps err to a Code using, in order: context errors, backend codes,
// status codes and message substrings.
func Classify(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return CodeNetwork
	case errors.Is(err, context.Canceled):
		return CodeSessionCancelled
	}

	msg := strings.ToLower(err.Error())

	var bc BackendCoder
	if errors.As(err, &bc) {
		if code, ok := backendCodes[bc.BackendCode()]; ok {
			return code
		}
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if code := classifyStatus(sc.StatusCode(), msg); code != "" {
			return code
		}
	}

	for _, r := range messageRules {
		if strings.Contains(msg, r.needle) {
			return r.code
		}
	}
	return CodeUnknown
}

func classifyStatus(status int, msg string) Code {
	switch status {
	case http.StatusUnauthorized:
		switch {
		case strings.Contains(msg, "invalid login credentials"):
			return CodeInvalidCredentials
		case strings.Contains(msg, "refresh token"):
			return CodeTokenRefresh
		default:
			return CodeSessionExpired
		}
	case http.StatusForbidden:
		return CodeUnauthorized
	case http.StatusNotFound:
		return CodeUserNotFound
	case http.StatusConflict:
		return CodeEmailInUse
	case http.StatusTooManyRequests:
		return CodeTooManyRequests
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return CodeNetwork
	}
	return ""
}
